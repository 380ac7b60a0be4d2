package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/ajitpratap0/tdbridge/pkg/dump"
	"github.com/ajitpratap0/tdbridge/pkg/load"
	"github.com/ajitpratap0/tdbridge/pkg/models"
	"github.com/ajitpratap0/tdbridge/pkg/source"
)

type fakeCursor struct {
	rows    []models.Row
	execErr error
	pos     int
	closed  bool
}

func (c *fakeCursor) Execute(context.Context, string, []interface{}) error { return c.execErr }
func (c *fakeCursor) JobID() string                                         { return "job-1" }
func (c *fakeCursor) RowCount() int64                                     { return int64(len(c.rows)) }

func (c *fakeCursor) Description() []models.ColumnDescriptor {
	return []models.ColumnDescriptor{{Name: "id", Type: "bigint"}, {Name: "name", Type: "varchar"}}
}

func (c *fakeCursor) FetchMany(_ context.Context, n int) ([]models.Row, error) {
	end := c.pos + n
	if end > len(c.rows) {
		end = len(c.rows)
	}
	out := c.rows[c.pos:end]
	c.pos = end
	return out, nil
}

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}

type fakeSession struct {
	cursor *fakeCursor
	closed bool
}

func (s *fakeSession) Cursor() source.Cursor { return s.cursor }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeConnector struct {
	session *fakeSession
	err     error
	calls   int
}

func (c *fakeConnector) Connect(context.Context, source.Profile) (source.Session, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

func newConnector(n int) *fakeConnector {
	rows := make([]models.Row, n)
	for i := range rows {
		rows[i] = models.Row{int64(i + 1), "name"}
	}
	return &fakeConnector{session: &fakeSession{cursor: &fakeCursor{rows: rows}}}
}

// recordingDestination logs every call and keeps committed copies apart
// from pending ones.
type recordingDestination struct {
	events    []string
	failRun   map[string]error
	copyErr   error
	committed int64
	pending   int64
	inTx      bool
	closed    bool
}

func (d *recordingDestination) Run(_ context.Context, sql string) error {
	d.events = append(d.events, "run:"+sql)
	if err := d.failRun[sql]; err != nil {
		return err
	}
	return nil
}

func (d *recordingDestination) CopyIn(_ context.Context, r io.Reader, table string, _ load.CopyOptions) (int64, error) {
	d.events = append(d.events, "copy:"+table)
	if d.copyErr != nil {
		return 0, d.copyErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	n := int64(strings.Count(string(data), "\n"))
	d.pending += n
	return n, nil
}

func (d *recordingDestination) InTransaction(_ context.Context, fn func(tx load.Destination) error) error {
	outer := !d.inTx
	if outer {
		d.inTx = true
		d.events = append(d.events, "begin")
		defer func() { d.inTx = false }()
	}
	before := d.pending
	if err := fn(d); err != nil {
		d.pending = before
		if outer {
			d.pending = 0
			d.events = append(d.events, "rollback")
		}
		return err
	}
	if outer {
		d.committed += d.pending
		d.pending = 0
		d.events = append(d.events, "commit")
	}
	return nil
}

func (d *recordingDestination) Close(context.Context) error {
	d.closed = true
	return nil
}

type fakeProvider struct {
	dest *recordingDestination
	err  error
}

func (p *fakeProvider) Open(context.Context, string) (load.Destination, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.dest, nil
}

type bufferSink struct {
	bytes.Buffer
	closed bool
}

func (b *bufferSink) Close() error {
	b.closed = true
	return nil
}

func bufferOpener(sink *bufferSink, err error) SinkOpener {
	return func(context.Context, dump.SinkConfig) (io.WriteCloser, error) {
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
}

var errBoom = errors.New("boom")
