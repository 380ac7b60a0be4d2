package dump

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tdbridge/pkg/compression"
	"github.com/ajitpratap0/tdbridge/pkg/models"
)

type sliceSource struct {
	columns []models.ColumnDescriptor
	batches [][]models.Row
	err     error
	i       int
}

func (s *sliceSource) Next(context.Context) bool {
	if s.i >= len(s.batches) {
		return false
	}
	s.i++
	return true
}

func (s *sliceSource) Batch() models.RowBatch {
	return models.RowBatch{Rows: s.batches[s.i-1], Columns: s.columns}
}

func (s *sliceSource) Columns() []models.ColumnDescriptor { return s.columns }
func (s *sliceSource) Err() error                         { return s.err }

func source() *sliceSource {
	return &sliceSource{
		columns: []models.ColumnDescriptor{{Name: "id", Type: "bigint"}, {Name: "name", Type: "varchar"}, {Name: "score", Type: "double"}},
		batches: [][]models.Row{
			{{int64(1), "alice", 1.5}, {int64(2), "bob\tby tab", 2.25}},
			{{int64(3), `say "hi"`, float64(-3)}},
		},
	}
}

func TestDumpRoundTripWithHeader(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewWriter().Dump(context.Background(), source(), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	r := csv.NewReader(&buf)
	r.Comma = '\t'
	records, err := r.ReadAll()
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"id", "name", "score"},
		{"1", "alice", "1.5"},
		{"2", "bob\tby tab", "2.25"},
		{"3", `say "hi"`, "-3"},
	}, records)

	// single column with a null must not become a blank line
	buf.Reset()
	n, err = NewWriter().Dump(context.Background(), &sliceSource{
		columns: []models.ColumnDescriptor{{Name: "a"}},
		batches: [][]models.Row{{{"a"}, {nil}, {"b"}}},
	}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "a\r\na\r\n\"\"\r\nb\r\n", buf.String())

	r = csv.NewReader(&buf)
	r.Comma = '\t'
	records, err = r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"a"}, {""}, {"b"}}, records)
}

func TestDumpLineTerminatorAndNoHeader(t *testing.T) {
	var buf bytes.Buffer
	w := &Writer{Delimiter: ',', LineTerminator: "|\n", WriteHeader: false}
	src := &sliceSource{
		columns: []models.ColumnDescriptor{{Name: "a"}, {Name: "b"}},
		batches: [][]models.Row{{{"x", nil}, {true, "y,z"}}},
	}

	n, err := w.Dump(context.Background(), src, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "x,|\ntrue,\"y,z\"|\n", buf.String())
}

func TestDumpDefaultTerminatorIsCRLF(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewWriter().Dump(context.Background(), &sliceSource{
		columns: []models.ColumnDescriptor{{Name: "a"}},
		batches: [][]models.Row{{{"1"}}},
	}, &buf)
	require.NoError(t, err)
	assert.Equal(t, "a\r\n1\r\n", buf.String())
}

func TestDumpSourceError(t *testing.T) {
	src := source()
	src.err = errors.New("fetch failed")

	var buf bytes.Buffer
	n, err := NewWriter().Dump(context.Background(), src, &buf)
	assert.EqualError(t, err, "fetch failed")
	assert.Equal(t, int64(3), n)
}

func TestDumpInvalidDelimiter(t *testing.T) {
	_, err := (&Writer{Delimiter: '"'}).Dump(context.Background(), source(), io.Discard)
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{42, "42"},
		{int64(-7), "-7"},
		{0.1, "0.1"},
		{1e21, "1000000000000000000000"},
		{false, "false"},
		{[]byte("raw"), "raw"},
		{ts, "2024-05-06T07:08:09Z"},
		{[]interface{}{int64(1), "a"}, `[1,"a"]`},
		{map[string]interface{}{"k": "v"}, `{"k":"v"}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in))
	}
}

func TestOpenSinkLocalCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.tsv.gz")
	sink, err := OpenSink(context.Background(), SinkConfig{Path: path, Compression: compression.Gzip})
	require.NoError(t, err)

	_, err = NewWriter().Dump(context.Background(), source(), sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := compression.NewReader(f, compression.Gzip)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "id\tname\tscore\r\n1\talice\t1.5\r\n"))
}

func TestOpenSinkLocalPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")
	sink, err := OpenSink(context.Background(), SinkConfig{Path: path})
	require.NoError(t, err)
	_, err = sink.Write([]byte("a\r\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\r\n", string(data))
}

func TestSplitObjectURL(t *testing.T) {
	bucket, key, err := splitObjectURL("s3://exports/daily/users.tsv", "s3")
	require.NoError(t, err)
	assert.Equal(t, "exports", bucket)
	assert.Equal(t, "daily/users.tsv", key)

	for _, bad := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3://bucket/dir/"} {
		_, _, err := splitObjectURL(bad, "s3")
		assert.Error(t, err, bad)
	}
}

func TestOpenSinkRejectsBadObjectURL(t *testing.T) {
	_, err := OpenSink(context.Background(), SinkConfig{Path: "gs://only-bucket"})
	assert.Error(t, err)
}
