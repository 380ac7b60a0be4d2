// Package source opens sessions on the query engine. Credentials come from
// a named connection when it can be resolved, otherwise from a literal API
// key configured on the job.
package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/connections"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
	"github.com/ajitpratap0/tdbridge/pkg/models"
	"github.com/ajitpratap0/tdbridge/pkg/treasuredata"
)

// Resolution strategy names.
const (
	StrategyNamedConnection = "named_connection"
	StrategyLiteralKey      = "literal_key"
)

// Profile describes how to reach the engine for one job.
type Profile struct {
	ConnID         string
	APIKey         string
	Dialect        models.Dialect
	Database       string
	Endpoint       string
	PollInterval   time.Duration
	WaitTimeout    time.Duration
	RequestTimeout time.Duration
	// Progress replaces the default status logger.
	Progress treasuredata.ProgressFunc
}

// Resolution is the outcome of one credential strategy. The zero value
// means unresolved.
type Resolution struct {
	Resolved bool
	Login    string
	Schema   string
	Strategy string
}

// SessionOptions are handed to a SessionOpener.
type SessionOptions struct {
	Credential     string
	Dialect        models.Dialect
	Database       string
	Endpoint       string
	PollInterval   time.Duration
	WaitTimeout    time.Duration
	RequestTimeout time.Duration
	Progress       treasuredata.ProgressFunc
}

// Cursor runs one query at a time and reads its result in chunks.
type Cursor interface {
	Execute(ctx context.Context, sql string, params []interface{}) error
	RowCount() int64
	Description() []models.ColumnDescriptor
	FetchMany(ctx context.Context, n int) ([]models.Row, error)
	Close() error
}

// Session is a live connection to the engine.
type Session interface {
	Cursor() Cursor
	Close() error
}

// SessionOpener opens sessions.
type SessionOpener interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}

// Connector resolves credentials and opens sessions.
type Connector struct {
	resolver connections.Resolver
	opener   SessionOpener
	logger   *zap.Logger
}

// NewConnector creates a connector. A nil resolver makes every lookup fail,
// leaving the literal key as the only strategy.
func NewConnector(resolver connections.Resolver, opener SessionOpener, log *zap.Logger) *Connector {
	if log == nil {
		log = logger.Get()
	}
	return &Connector{
		resolver: resolver,
		opener:   opener,
		logger:   log.With(zap.String("component", "source")),
	}
}

type strategy struct {
	name    string
	resolve func(ctx context.Context, p Profile) (Resolution, error)
}

func (c *Connector) strategies() []strategy {
	return []strategy{
		{name: StrategyNamedConnection, resolve: c.fromNamedConnection},
		{name: StrategyLiteralKey, resolve: fromLiteralKey},
	}
}

func (c *Connector) fromNamedConnection(ctx context.Context, p Profile) (Resolution, error) {
	if c.resolver == nil {
		return Resolution{}, connections.ErrNotFound
	}
	conn, err := c.resolver.Get(ctx, p.ConnID)
	if err != nil {
		return Resolution{}, err
	}
	if conn.Login == "" {
		return Resolution{}, bridgeerrors.Newf(bridgeerrors.ErrorTypeConnection, "connection %q has no login", p.ConnID)
	}
	schema := conn.Schema
	if schema == "" {
		schema = p.Database
	}
	return Resolution{Resolved: true, Login: conn.Login, Schema: schema}, nil
}

func fromLiteralKey(_ context.Context, p Profile) (Resolution, error) {
	if p.APIKey == "" {
		return Resolution{}, nil
	}
	return Resolution{Resolved: true, Login: p.APIKey, Schema: p.Database}, nil
}

// Resolve runs the strategies in order and returns the first resolution.
func (c *Connector) Resolve(ctx context.Context, p Profile) Resolution {
	for _, s := range c.strategies() {
		res, err := s.resolve(ctx, p)
		if err != nil {
			if s.name == StrategyNamedConnection {
				c.logger.Info("switching to non-hook connection mode",
					zap.String("conn_id", p.ConnID), zap.Error(err))
			} else {
				c.logger.Debug("credential strategy failed", zap.String("strategy", s.name), zap.Error(err))
			}
			continue
		}
		if res.Resolved {
			res.Strategy = s.name
			return res
		}
	}
	return Resolution{}
}

// Connect resolves a credential and opens one session. The caller closes it.
func (c *Connector) Connect(ctx context.Context, p Profile) (Session, error) {
	res := c.Resolve(ctx, p)
	if !res.Resolved {
		return nil, bridgeerrors.New(bridgeerrors.ErrorTypeConnection, "no credential available").
			WithDetail("conn_id", p.ConnID)
	}

	progress := p.Progress
	if progress == nil {
		progress = c.logStatus
	}

	session, err := c.opener.Open(ctx, SessionOptions{
		Credential:     res.Login,
		Dialect:        p.Dialect,
		Database:       res.Schema,
		Endpoint:       p.Endpoint,
		PollInterval:   p.PollInterval,
		WaitTimeout:    p.WaitTimeout,
		RequestTimeout: p.RequestTimeout,
		Progress:       progress,
	})
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConnection, "failed to open session").
			WithDetail("strategy", res.Strategy).
			WithDetail("database", res.Schema)
	}

	c.logger.Debug("opened session",
		zap.String("strategy", res.Strategy),
		zap.String("database", res.Schema),
		zap.String("sql_type", p.Dialect.String()))
	return session, nil
}

func (c *Connector) logStatus(status string) {
	c.logger.Info("current job status", zap.String("status", status))
}
