// Package load bulk-loads rows into a destination table with the store's
// copy-in protocol.
package load

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// Defaults of a Loader.
const (
	DefaultDelimiter  = "\t"
	DefaultNullMarker = ""
)

// CopyOptions describe the text the copy-in stream carries.
type CopyOptions struct {
	Delimiter  string
	NullMarker string
}

// Destination is a connection to the table-oriented store.
type Destination interface {
	// Run executes one statement.
	Run(ctx context.Context, sql string) error
	// CopyIn streams r into table and returns the rows copied.
	CopyIn(ctx context.Context, r io.Reader, table string, opts CopyOptions) (int64, error)
	// InTransaction runs fn in a transaction that commits when fn returns
	// nil and rolls back otherwise. Nested calls use savepoints.
	InTransaction(ctx context.Context, fn func(tx Destination) error) error
	Close(ctx context.Context) error
}

// Provider opens destinations by named connection id.
type Provider interface {
	Open(ctx context.Context, connID string) (Destination, error)
}

// Loader serialises rows to copy text and loads them.
type Loader struct {
	Delimiter  string
	NullMarker string
	logger     *zap.Logger
}

// NewLoader returns a Loader with tab delimiter and empty-string nulls.
func NewLoader(log *zap.Logger) *Loader {
	if log == nil {
		log = logger.Get()
	}
	return &Loader{Delimiter: DefaultDelimiter, NullMarker: DefaultNullMarker, logger: log}
}

func (l *Loader) options() (CopyOptions, error) {
	opts := CopyOptions{Delimiter: l.Delimiter, NullMarker: l.NullMarker}
	if opts.Delimiter == "" {
		opts.Delimiter = DefaultDelimiter
	}
	if len(opts.Delimiter) != 1 || opts.Delimiter == "\\" || opts.Delimiter == "\n" || opts.Delimiter == "\r" {
		return opts, fmt.Errorf("delimiter must be a single byte other than backslash or a line break, got %q", opts.Delimiter)
	}
	if strings.Contains(opts.NullMarker, opts.Delimiter) {
		return opts, fmt.Errorf("null marker %q contains the delimiter", opts.NullMarker)
	}
	return opts, nil
}

// BulkLoad writes rows into table in one transaction. Nothing is committed
// unless every row is copied.
func (l *Loader) BulkLoad(ctx context.Context, dest Destination, table string, rows []models.Row) (int64, error) {
	opts, err := l.options()
	if err != nil {
		return 0, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeLoad, "invalid copy options").WithDetail("table", table)
	}

	buf, err := l.Encode(rows)
	if err != nil {
		return 0, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeLoad, "failed to encode rows").WithDetail("table", table)
	}

	log := logger.WithContext(logger.ContextWithTable(ctx, table), l.logger)
	log.Debug("copying rows", zap.Int("rows", len(rows)), zap.Int("bytes", buf.Len()))

	var copied int64
	err = dest.InTransaction(ctx, func(tx Destination) error {
		n, err := tx.CopyIn(ctx, buf, table, opts)
		copied = n
		return err
	})
	if err != nil {
		return 0, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeLoad, "bulk copy failed").
			WithDetail("table", table).
			WithDetail("rows", len(rows))
	}
	return copied, nil
}

// Encode renders rows as copy text: one line per row, fields separated by
// the delimiter, nil as the null marker.
func (l *Loader) Encode(rows []models.Row) (*bytes.Buffer, error) {
	opts, err := l.options()
	if err != nil {
		return nil, err
	}
	delim := opts.Delimiter[0]

	buf := &bytes.Buffer{}
	for i, row := range rows {
		for j, v := range row {
			if j > 0 {
				buf.WriteByte(delim)
			}
			if v == nil {
				buf.WriteString(opts.NullMarker)
				continue
			}
			s, err := textValue(v)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i+1, j+1, err)
			}
			escapeInto(buf, s, delim)
		}
		buf.WriteByte('\n')
	}
	return buf, nil
}

func escapeInto(buf *bytes.Buffer, s string, delim byte) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case delim:
			buf.WriteByte('\\')
			buf.WriteByte(c)
		default:
			buf.WriteByte(c)
		}
	}
}

// textValue renders v in the external text form of its column type.
func textValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return formatFloat(float64(t), 32), nil
	case float64:
		return formatFloat(t, 64), nil
	case bool:
		if t {
			return "t", nil
		}
		return "f", nil
	case []byte:
		return `\x` + hex.EncodeToString(t), nil
	case time.Time:
		return t.Format(time.RFC3339Nano), nil
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}
