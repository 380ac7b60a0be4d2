package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/compression"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
)

const (
	defaultUploadPartSize = 5 * 1024 * 1024
	defaultConcurrency    = 4
)

// SinkConfig says where a dump goes.
type SinkConfig struct {
	// Path is a local path, s3://bucket/key or gs://bucket/object.
	Path        string
	Compression compression.Algorithm
	// Region and Endpoint apply to s3:// paths.
	Region   string
	Endpoint string
	// CredentialsFile applies to gs:// paths.
	CredentialsFile string
	Logger          *zap.Logger
}

// OpenSink opens the destination of a dump. Closing the returned writer
// completes the upload or file; output already written is not removed when
// a dump fails.
func OpenSink(ctx context.Context, cfg SinkConfig) (io.WriteCloser, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}

	var (
		w   io.WriteCloser
		err error
	)
	switch {
	case strings.HasPrefix(cfg.Path, "s3://"):
		w, err = openS3(ctx, cfg, log)
	case strings.HasPrefix(cfg.Path, "gs://"):
		w, err = openGCS(ctx, cfg, log)
	default:
		w, err = openFile(cfg.Path)
	}
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeFile, "failed to open dump output").
			WithDetail("path", cfg.Path)
	}

	if cfg.Compression == "" || cfg.Compression == compression.None {
		return w, nil
	}
	cw, err := compression.NewWriter(w, cfg.Compression, compression.Default)
	if err != nil {
		_ = w.Close()
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConfig, "failed to set up compression")
	}
	return &compressedSink{codec: cw, base: w}, nil
}

type compressedSink struct {
	codec io.WriteCloser
	base  io.WriteCloser
}

func (s *compressedSink) Write(p []byte) (int, error) { return s.codec.Write(p) }

func (s *compressedSink) Close() error {
	return errors.Join(s.codec.Close(), s.base.Close())
}

func openFile(path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, fmt.Errorf("path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path) //nolint:gosec // G304: path is supplied by the operator
}

// splitObjectURL splits scheme://bucket/key.
func splitObjectURL(raw, scheme string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(raw, scheme+"://")
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("%s URL must be %s://bucket/key, got %q", scheme, scheme, raw)
	}
	return bucket, key, nil
}

// s3Sink streams writes to an upload running in the background.
type s3Sink struct {
	pw   *io.PipeWriter
	done chan error
}

func openS3(ctx context.Context, cfg SinkConfig, log *zap.Logger) (io.WriteCloser, error) {
	bucket, key, err := splitObjectURL(cfg.Path, "s3")
	if err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = defaultUploadPartSize
		u.Concurrency = defaultConcurrency
	})

	pr, pw := io.Pipe()
	sink := &s3Sink{pw: pw, done: make(chan error, 1)}
	go func() {
		out, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        pr,
			ContentType: aws.String(contentType(cfg)),
		})
		if err != nil {
			_ = pr.CloseWithError(err)
			sink.done <- err
			return
		}
		log.Info("uploaded dump", zap.String("location", out.Location))
		sink.done <- nil
	}()
	return sink, nil
}

func (s *s3Sink) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *s3Sink) Close() error {
	if err := s.pw.Close(); err != nil {
		return err
	}
	return <-s.done
}

type gcsSink struct {
	*storage.Writer
	client *storage.Client
	log    *zap.Logger
}

func openGCS(ctx context.Context, cfg SinkConfig, log *zap.Logger) (io.WriteCloser, error) {
	bucket, object, err := splitObjectURL(cfg.Path, "gs")
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType(cfg)
	return &gcsSink{Writer: w, client: client, log: log}, nil
}

func (s *gcsSink) Close() error {
	err := s.Writer.Close()
	if err == nil {
		s.log.Info("uploaded dump", zap.String("bucket", s.Writer.Bucket), zap.String("object", s.Writer.Name))
	}
	return errors.Join(err, s.client.Close())
}

func contentType(cfg SinkConfig) string {
	switch cfg.Compression {
	case compression.Gzip:
		return "application/gzip"
	case compression.Zstd:
		return "application/zstd"
	case compression.None, "":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
