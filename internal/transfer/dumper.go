package transfer

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/dump"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
	"github.com/ajitpratap0/tdbridge/pkg/metrics"
	"github.com/ajitpratap0/tdbridge/pkg/models"
	"github.com/ajitpratap0/tdbridge/pkg/observability"
	"github.com/ajitpratap0/tdbridge/pkg/source"
	"github.com/ajitpratap0/tdbridge/pkg/stream"
)

// SinkOpener opens the output of a dump. dump.OpenSink implements it.
type SinkOpener func(ctx context.Context, cfg dump.SinkConfig) (io.WriteCloser, error)

// DumperConfig wires a Dumper.
type DumperConfig struct {
	Source   SourceConnector
	Profile  source.Profile
	Streamer *stream.Streamer
	Writer   *dump.Writer
	OpenSink SinkOpener
	Logger   *zap.Logger
}

// Dumper writes query results to delimited text.
type Dumper struct {
	cfg    DumperConfig
	logger *zap.Logger
}

// NewDumper creates a Dumper.
func NewDumper(cfg DumperConfig) *Dumper {
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}
	if cfg.Streamer == nil {
		cfg.Streamer = stream.New(stream.DefaultFetchSize, nil, cfg.Logger)
	}
	if cfg.Writer == nil {
		cfg.Writer = dump.NewWriter()
	}
	if cfg.OpenSink == nil {
		cfg.OpenSink = dump.OpenSink
	}
	return &Dumper{cfg: cfg, logger: cfg.Logger}
}

// DumpResult summarises a dump.
type DumpResult struct {
	RunID    string
	Rows     int64
	Duration time.Duration
}

// Run executes query and writes its result to the sink. The session, the
// stream and the sink are closed on every path; partial output stays.
func (d *Dumper) Run(ctx context.Context, query models.QuerySpec, sinkCfg dump.SinkConfig) (res *DumpResult, err error) {
	res = &DumpResult{RunID: uuid.NewString()}
	start := time.Now()
	ctx = logger.ContextWithRunID(ctx, res.RunID)
	log := logger.WithContext(ctx, d.logger).With(zap.String("path", sinkCfg.Path))
	ctx, span := observability.StartSpan(ctx, "dump",
		attribute.String("run_id", res.RunID),
		attribute.String("path", sinkCfg.Path))

	defer func() {
		res.Duration = time.Since(start)
		if err != nil {
			log.Error("dump failed", zap.Int64("rows", res.Rows), zap.Error(err))
		} else {
			log.Info("dump finished", zap.Int64("rows", res.Rows), zap.Duration("duration", res.Duration))
		}
		metrics.RecordRun("dump", err)
		observability.EndSpan(span, err)
	}()

	session, err := d.cfg.Source.Connect(ctx, d.cfg.Profile)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Warn("failed to close source session", zap.Error(cerr))
		}
	}()

	st, err := d.cfg.Streamer.Execute(ctx, session, query)
	if err != nil {
		return res, err
	}
	defer st.Close()

	if sinkCfg.Logger == nil {
		sinkCfg.Logger = log
	}
	sink, err := d.cfg.OpenSink(ctx, sinkCfg)
	if err != nil {
		return res, err
	}

	timer := metrics.NewTimer(metrics.StageDump)
	tracker := metrics.NewThroughputTracker(metrics.StageDump)
	n, err := d.cfg.Writer.Dump(ctx, st, sink)
	res.Rows = n
	if cerr := sink.Close(); err == nil && cerr != nil {
		err = bridgeerrors.Wrap(cerr, bridgeerrors.ErrorTypeFile, "failed to finish dump output").
			WithDetail("path", sinkCfg.Path)
	}
	timer.ObserveDuration(err)
	tracker.Add(n)
	tracker.Finish()
	_, _ = metrics.SampleResources(metrics.StageDump)
	return res, err
}
