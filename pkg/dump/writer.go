// Package dump writes query results as delimited text.
package dump

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// Defaults of a Writer.
const (
	DefaultDelimiter      = '\t'
	DefaultLineTerminator = "\r\n"
)

// BatchSource yields row batches. *stream.Stream implements it.
type BatchSource interface {
	Next(ctx context.Context) bool
	Batch() models.RowBatch
	Columns() []models.ColumnDescriptor
	Err() error
}

// Writer serialises batches as delimited text. Fields containing the
// delimiter, a double quote or a line break are quoted.
type Writer struct {
	Delimiter      rune
	LineTerminator string
	WriteHeader    bool
}

// NewWriter returns a Writer with the default settings.
func NewWriter() *Writer {
	return &Writer{
		Delimiter:      DefaultDelimiter,
		LineTerminator: DefaultLineTerminator,
		WriteHeader:    true,
	}
}

// Dump writes every batch of src to sink as it is produced and returns the
// number of rows written. The sink is flushed but not closed.
func (w *Writer) Dump(ctx context.Context, src BatchSource, sink io.Writer) (int64, error) {
	lw, err := w.lineWriter(sink)
	if err != nil {
		return 0, err
	}

	if w.WriteHeader {
		if err := lw.write(models.ColumnNames(src.Columns())); err != nil {
			return 0, fileError(err, "failed to write header")
		}
	}

	var rows int64
	for src.Next(ctx) {
		batch := src.Batch()
		for _, row := range batch.Rows {
			lw.fields = formatRow(lw.fields[:0], row)
			if err := lw.write(lw.fields); err != nil {
				return rows, fileError(err, "failed to write row").WithDetail("row", rows+1)
			}
			rows++
		}
		if err := lw.out.Flush(); err != nil {
			return rows, fileError(err, "failed to flush output")
		}
	}
	if err := src.Err(); err != nil {
		return rows, err
	}
	if err := lw.out.Flush(); err != nil {
		return rows, fileError(err, "failed to flush output")
	}
	return rows, nil
}

func fileError(err error, msg string) *bridgeerrors.Error {
	return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeFile, msg)
}

// lineWriter formats one record at a time with encoding/csv and replaces
// its line ending with the configured terminator.
type lineWriter struct {
	buf        bytes.Buffer
	csv        *csv.Writer
	out        *bufio.Writer
	terminator string
	fields     []string
}

func (w *Writer) lineWriter(sink io.Writer) (*lineWriter, error) {
	delim := w.Delimiter
	if delim == 0 {
		delim = DefaultDelimiter
	}
	term := w.LineTerminator
	if term == "" {
		term = DefaultLineTerminator
	}

	lw := &lineWriter{out: bufio.NewWriterSize(sink, 64<<10), terminator: term}
	lw.csv = csv.NewWriter(&lw.buf)
	lw.csv.Comma = delim
	if err := lw.csv.Write(nil); err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeValidation, "invalid delimiter").
			WithDetail("delimiter", string(delim))
	}
	lw.csv.Flush()
	lw.buf.Reset()
	return lw, nil
}

func (lw *lineWriter) write(record []string) error {
	// A lone empty field would be an empty line, which readers skip.
	if len(record) == 1 && record[0] == "" {
		if _, err := lw.out.WriteString(`""`); err != nil {
			return err
		}
		_, err := lw.out.WriteString(lw.terminator)
		return err
	}

	lw.buf.Reset()
	if err := lw.csv.Write(record); err != nil {
		return err
	}
	lw.csv.Flush()
	if err := lw.csv.Error(); err != nil {
		return err
	}
	line := bytes.TrimSuffix(lw.buf.Bytes(), []byte{'\n'})
	if _, err := lw.out.Write(line); err != nil {
		return err
	}
	_, err := lw.out.WriteString(lw.terminator)
	return err
}

func formatRow(dst []string, row models.Row) []string {
	for _, v := range row {
		dst = append(dst, FormatValue(v))
	}
	return dst
}

// FormatValue renders one value as a text field. Nil is the empty string.
func FormatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
