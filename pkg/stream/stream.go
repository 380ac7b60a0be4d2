// Package stream executes a query on a source session and yields its
// result as a sequence of bounded row batches.
package stream

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
	"github.com/ajitpratap0/tdbridge/pkg/models"
	"github.com/ajitpratap0/tdbridge/pkg/source"
)

// DefaultFetchSize is the number of rows requested per fetch.
const DefaultFetchSize = 1000

// ProgressSink observes the number of rows streamed so far.
type ProgressSink interface {
	Progress(written int64)
	Done(total int64)
}

// LogProgress logs every observation.
type LogProgress struct {
	Logger *zap.Logger
}

func (p LogProgress) log() *zap.Logger {
	if p.Logger == nil {
		return logger.Get()
	}
	return p.Logger
}

// Progress implements ProgressSink.
func (p LogProgress) Progress(written int64) {
	p.log().Info("written rows so far", zap.Int64("rows", written))
}

// Done implements ProgressSink.
func (p LogProgress) Done(total int64) {
	p.log().Info("done", zap.Int64("total_rows", total))
}

// StripSQL trims sql and removes trailing statement terminators.
func StripSQL(sql string) string {
	return strings.TrimRight(strings.TrimSpace(sql), "; \t\r\n")
}

// Streamer runs queries and streams their results.
type Streamer struct {
	FetchSize int
	Progress  ProgressSink
	logger    *zap.Logger
}

// New creates a streamer. A fetch size below one means DefaultFetchSize;
// a nil sink logs progress.
func New(fetchSize int, progress ProgressSink, log *zap.Logger) *Streamer {
	if fetchSize < 1 {
		fetchSize = DefaultFetchSize
	}
	if log == nil {
		log = logger.Get()
	}
	if progress == nil {
		progress = LogProgress{Logger: log}
	}
	return &Streamer{FetchSize: fetchSize, Progress: progress, logger: log}
}

// jobIdentifier is implemented by cursors that know the engine job they ran.
type jobIdentifier interface {
	JobID() string
}

// Execute runs query once and returns a stream over its result. Each call
// re-runs the query.
func (s *Streamer) Execute(ctx context.Context, session source.Session, query models.QuerySpec) (*Stream, error) {
	sql := StripSQL(query.SQL)
	logger.WithContext(ctx, s.logger).Info("running query", zap.String("sql", sql))

	cur := session.Cursor()
	if err := cur.Execute(ctx, sql, query.Parameters); err != nil {
		_ = cur.Close()
		return nil, err
	}
	if j, ok := cur.(jobIdentifier); ok && j.JobID() != "" {
		ctx = logger.ContextWithJobID(ctx, j.JobID())
	}
	log := logger.WithContext(ctx, s.logger)

	st := &Stream{
		cursor:    cur,
		fetchSize: s.FetchSize,
		progress:  s.Progress,
		logger:    log,
		total:     cur.RowCount(),
		columns:   cur.Description(),
	}
	if st.fetchSize < 1 {
		st.fetchSize = DefaultFetchSize
	}
	switch p := st.progress.(type) {
	case nil:
		st.progress = LogProgress{Logger: log}
	case LogProgress:
		if p.Logger == s.logger {
			st.progress = LogProgress{Logger: log}
		}
	}
	return st, nil
}

// Stream is a finite sequence of batches. It is not safe for concurrent use.
type Stream struct {
	cursor    source.Cursor
	fetchSize int
	progress  ProgressSink
	logger    *zap.Logger

	total   int64
	written int64
	columns []models.ColumnDescriptor
	batch   models.RowBatch
	err     error
	closed  bool
}

// Next fetches the next batch. It returns false at the end of the result
// or on error; check Err afterwards.
func (s *Stream) Next(ctx context.Context) bool {
	if s.closed || s.err != nil {
		return false
	}

	remaining := s.total - s.written
	if remaining <= 0 {
		s.finish()
		return false
	}
	size := int64(s.fetchSize)
	if remaining < size {
		size = remaining
	}

	rows, err := s.cursor.FetchMany(ctx, int(size))
	if err != nil {
		s.err = err
		s.release()
		return false
	}
	if len(rows) == 0 {
		s.logger.Warn("fetch returned no rows before the expected end of the result",
			zap.Int64("written", s.written), zap.Int64("expected", s.total))
		s.finish()
		return false
	}

	s.written += int64(len(rows))
	s.batch = models.RowBatch{Rows: rows, Columns: s.columns}
	s.progress.Progress(s.written)
	return true
}

func (s *Stream) finish() {
	s.progress.Done(s.written)
	s.release()
}

func (s *Stream) release() {
	if s.closed {
		return
	}
	s.closed = true
	s.batch = models.RowBatch{}
	if err := s.cursor.Close(); err != nil && s.err == nil {
		s.err = err
	}
}

// Batch returns the batch fetched by the last successful Next.
func (s *Stream) Batch() models.RowBatch { return s.batch }

// Columns returns the result columns.
func (s *Stream) Columns() []models.ColumnDescriptor { return s.columns }

// Written returns the rows streamed so far.
func (s *Stream) Written() int64 { return s.written }

// Total returns the row count reported by the engine.
func (s *Stream) Total() int64 { return s.total }

// Err returns the error that stopped the stream, if any.
func (s *Stream) Err() error { return s.err }

// Close releases the cursor. It is safe to call more than once.
func (s *Stream) Close() error {
	s.release()
	return s.err
}

// Run executes query for its side effects, e.g. INSERT INTO or DDL, and
// releases the cursor without fetching the result.
func (s *Streamer) Run(ctx context.Context, session source.Session, query models.QuerySpec) error {
	st, err := s.Execute(ctx, session, query)
	if err != nil {
		return err
	}
	st.logger.Info("statement finished", zap.Int64("result_rows", st.Total()))
	return st.Close()
}

// First returns the first row of query. Any failure, including an empty
// result, is a no-data error wrapping the cause.
func (s *Streamer) First(ctx context.Context, session source.Session, query models.QuerySpec) (models.Row, error) {
	st, err := s.Execute(ctx, session, query)
	if err != nil {
		return nil, noData(err)
	}
	defer st.Close()

	rows, err := st.cursor.FetchMany(ctx, 1)
	if err != nil {
		return nil, noData(err)
	}
	if len(rows) == 0 {
		return nil, bridgeerrors.New(bridgeerrors.ErrorTypeNoData, "query returned no rows")
	}
	return rows[0], nil
}

// All materialises every row of query.
func (s *Streamer) All(ctx context.Context, session source.Session, query models.QuerySpec) ([]models.Row, []models.ColumnDescriptor, error) {
	st, err := s.Execute(ctx, session, query)
	if err != nil {
		return nil, nil, noData(err)
	}
	defer st.Close()

	rows := make([]models.Row, 0, st.Total())
	for st.Next(ctx) {
		rows = append(rows, st.Batch().Rows...)
	}
	if err := st.Err(); err != nil {
		return nil, nil, noData(err)
	}
	return rows, st.Columns(), nil
}

func noData(err error) error {
	return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeNoData, "no data")
}
