package treasuredata

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// ResultReader decodes a job result in the json format: one JSON array per
// row. Integral numbers decode to int64, other numbers to float64.
type ResultReader struct {
	body io.ReadCloser
	dec  *json.Decoder
	read int64
	done bool
}

func newResultReader(body io.ReadCloser) *ResultReader {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	return &ResultReader{body: body, dec: dec}
}

// Next returns the next row, or io.EOF after the last one.
func (r *ResultReader) Next() (models.Row, error) {
	if r.done {
		return nil, io.EOF
	}
	var raw []interface{}
	if err := r.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			r.done = true
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode result row %d: %w", r.read+1, err)
	}
	r.read++
	row := make(models.Row, len(raw))
	for i, v := range raw {
		row[i] = normalizeValue(v)
	}
	return row, nil
}

// Read returns up to n rows. It returns fewer only at the end of the
// result, and an empty slice once the result is exhausted.
func (r *ResultReader) Read(n int) ([]models.Row, error) {
	rows := make([]models.Row, 0, n)
	for len(rows) < n {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Close releases the underlying response.
func (r *ResultReader) Close() error {
	r.done = true
	return r.body.Close()
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []interface{}:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = normalizeValue(t[k])
		}
		return t
	default:
		return v
	}
}
