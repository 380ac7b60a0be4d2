package treasuredata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// DefaultPollInterval is the pause between two job status polls.
const DefaultPollInterval = 5 * time.Second

// ProgressFunc receives the job status on every poll tick. It has no way
// to fail; a panic inside it is recovered and logged by the cursor.
type ProgressFunc func(status string)

// ConnectOptions configures a Session.
type ConnectOptions struct {
	APIKey   string
	Dialect  models.Dialect
	Database string
	Endpoint string
	// Progress is called with the job status on each poll.
	Progress ProgressFunc
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// WaitTimeout bounds the wait for a job; zero waits forever.
	WaitTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
	// Client replaces the client built from APIKey and Endpoint.
	Client *Client
}

// Session is an authenticated handle on one database. Sessions are cheap;
// all cursors of a session share its client.
type Session struct {
	client *Client
	opts   ConnectOptions
	logger *zap.Logger

	mu      sync.Mutex
	cursors []*Cursor
	closed  bool
}

// Connect opens a session. It performs no network I/O.
func Connect(opts ConnectOptions) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialect == "" {
		opts.Dialect = models.DialectPresto
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	client := opts.Client
	if client == nil {
		var err error
		client, err = NewClient(ClientConfig{
			Endpoint:       opts.Endpoint,
			APIKey:         opts.APIKey,
			RequestTimeout: opts.RequestTimeout,
		}, opts.Logger)
		if err != nil {
			return nil, err
		}
	}

	return &Session{
		client: client,
		opts:   opts,
		logger: opts.Logger.With(zap.String("database", opts.Database), zap.String("sql_type", opts.Dialect.String())),
	}, nil
}

// Database returns the session's database.
func (s *Session) Database() string { return s.opts.Database }

// Cursor returns a new cursor bound to the session.
func (s *Session) Cursor() *Cursor {
	c := &Cursor{session: s, logger: s.logger}
	s.mu.Lock()
	s.cursors = append(s.cursors, c)
	s.mu.Unlock()
	return c
}

// Close closes every cursor opened from the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, c := range s.cursors {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cursors = nil
	return errors.Join(errs...)
}

// Cursor executes one query at a time and fetches its result.
type Cursor struct {
	session *Session
	logger  *zap.Logger

	jobID       string
	status      string
	rowCount    int64
	description []models.ColumnDescriptor
	result      *ResultReader
	executed    bool
	closed      bool
}

// Execute submits sql with params bound to '?' placeholders and blocks
// until the job finishes. A job that ends in error or killed state is
// reported as a query error carrying the job's stderr.
func (c *Cursor) Execute(ctx context.Context, sql string, params []interface{}) error {
	if c.closed {
		return bridgeerrors.New(bridgeerrors.ErrorTypeQuery, "cursor is closed")
	}
	c.reset()

	query, err := BindParameters(sql, params)
	if err != nil {
		return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeQuery, "failed to bind parameters")
	}

	s := c.session
	jobID, err := s.client.IssueQuery(ctx, s.opts.Dialect, s.opts.Database, query)
	if err != nil {
		return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeQuery, "failed to issue query")
	}
	c.jobID = jobID
	c.logger = logger.WithContext(logger.ContextWithJobID(ctx, jobID), s.logger)

	if err := c.wait(ctx); err != nil {
		return err
	}

	job, err := s.client.ShowJob(ctx, jobID)
	if err != nil {
		return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeQuery, "failed to read job").WithDetail("job_id", jobID)
	}
	c.status = job.Status
	if job.Status != StatusSuccess {
		e := bridgeerrors.Newf(bridgeerrors.ErrorTypeQuery, "job %s finished with status %s", jobID, job.Status).
			WithDetail("job_id", jobID)
		if job.Stderr != "" {
			e = e.WithDetail("stderr", job.Stderr)
		}
		return e
	}

	c.rowCount = job.NumRecords
	c.description = job.ResultSchema
	c.executed = true
	c.logger.Info("query job finished", zap.Int64("num_records", c.rowCount), zap.Int("columns", len(c.description)))
	return nil
}

func (c *Cursor) reset() {
	if c.result != nil {
		c.result.Close()
		c.result = nil
	}
	c.jobID = ""
	c.status = ""
	c.rowCount = 0
	c.description = nil
	c.executed = false
}

// wait polls the job until it finishes, paced by the session's poll
// interval. Cancellation or the wait timeout kill the remote job.
func (c *Cursor) wait(ctx context.Context) error {
	s := c.session
	if s.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.WaitTimeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(s.opts.PollInterval), 1)
	limiter.Allow()

	for {
		status, err := s.client.JobStatus(ctx, c.jobID)
		if err != nil {
			if ctx.Err() != nil {
				c.kill()
				return bridgeerrors.Wrap(ctx.Err(), bridgeerrors.ErrorTypeQuery, "wait for job aborted").WithDetail("job_id", c.jobID)
			}
			return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeQuery, "failed to poll job status").WithDetail("job_id", c.jobID)
		}
		c.status = status
		if IsFinished(status) {
			return nil
		}
		c.notify(status)

		if err := limiter.Wait(ctx); err != nil {
			c.kill()
			return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeQuery, "wait for job aborted").WithDetail("job_id", c.jobID)
		}
	}
}

// notify is the only place the progress callback is invoked.
func (c *Cursor) notify(status string) {
	progress := c.session.opts.Progress
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("progress callback panicked", zap.Any("panic", r))
		}
	}()
	progress(status)
}

func (c *Cursor) kill() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.session.client.KillJob(ctx, c.jobID); err != nil {
		c.logger.Warn("failed to kill job", zap.Error(err))
		return
	}
	c.logger.Info("killed job")
}

// JobID returns the id of the last executed job.
func (c *Cursor) JobID() string { return c.jobID }

// JobStatus returns the last observed status of the job.
func (c *Cursor) JobStatus() string { return c.status }

// RowCount returns the number of rows the job produced.
func (c *Cursor) RowCount() int64 { return c.rowCount }

// Description returns the result columns.
func (c *Cursor) Description() []models.ColumnDescriptor { return c.description }

// FetchMany returns up to n rows. An empty slice means the result is exhausted.
func (c *Cursor) FetchMany(ctx context.Context, n int) ([]models.Row, error) {
	if c.closed {
		return nil, bridgeerrors.New(bridgeerrors.ErrorTypeQuery, "cursor is closed")
	}
	if !c.executed {
		return nil, bridgeerrors.New(bridgeerrors.ErrorTypeQuery, "no query has been executed")
	}
	if n <= 0 {
		return nil, fmt.Errorf("fetch size must be positive, got %d", n)
	}
	if c.result == nil {
		r, err := c.session.client.JobResult(ctx, c.jobID)
		if err != nil {
			return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeQuery, "failed to open job result").WithDetail("job_id", c.jobID)
		}
		c.result = r
	}
	rows, err := c.result.Read(n)
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeQuery, "failed to read job result").WithDetail("job_id", c.jobID)
	}
	return rows, nil
}

// Close releases the result stream. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.result != nil {
		err := c.result.Close()
		c.result = nil
		return err
	}
	return nil
}
