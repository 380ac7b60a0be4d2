// Package transfer runs a query on the engine and loads its result into a
// destination table, or dumps it to delimited text.
//
// A transfer moves through the states
//
//	idle -> extracting -> loading{pre_operator?, copy, post_operator?} -> done | failed
//
// and stops at the first error. Nothing is retried.
package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/load"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
	"github.com/ajitpratap0/tdbridge/pkg/metrics"
	"github.com/ajitpratap0/tdbridge/pkg/models"
	"github.com/ajitpratap0/tdbridge/pkg/observability"
	"github.com/ajitpratap0/tdbridge/pkg/source"
	"github.com/ajitpratap0/tdbridge/pkg/stream"
)

// SourceConnector opens engine sessions. *source.Connector implements it.
type SourceConnector interface {
	Connect(ctx context.Context, p source.Profile) (source.Session, error)
}

// Config wires an Orchestrator.
type Config struct {
	Source       SourceConnector
	Profile      source.Profile
	Streamer     *stream.Streamer
	Loader       *load.Loader
	Destinations load.Provider
	// DestinationConnID names the destination connection.
	DestinationConnID string
	// Transactional runs the pre-statement, copy and post-statement in one
	// destination transaction. Otherwise the copy commits on its own.
	Transactional bool
	Logger        *zap.Logger
	// Observer, if set, sees every state change.
	Observer func(from, to State)
}

// Result summarises a finished run.
type Result struct {
	RunID         string
	RowsExtracted int64
	RowsLoaded    int64
	Duration      time.Duration
}

// Orchestrator runs transfer jobs one at a time.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}
	if cfg.Streamer == nil {
		cfg.Streamer = stream.New(stream.DefaultFetchSize, nil, cfg.Logger)
	}
	if cfg.Loader == nil {
		cfg.Loader = load.NewLoader(cfg.Logger)
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}
}

// State returns the state of the current or last run.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	o.logger.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	if o.cfg.Observer != nil {
		o.cfg.Observer(from, to)
	}
}

// Run executes job. Both connections are released before it returns.
func (o *Orchestrator) Run(ctx context.Context, job models.TransferJob) (res *Result, err error) {
	res = &Result{RunID: uuid.NewString()}
	start := time.Now()

	ctx = logger.ContextWithRunID(ctx, res.RunID)
	ctx = logger.ContextWithTable(ctx, job.DestinationTable)
	log := logger.WithContext(ctx, o.logger)
	ctx, span := observability.StartSpan(ctx, "transfer",
		attribute.String("run_id", res.RunID),
		attribute.String("table", job.DestinationTable))

	o.transition(StateIdle)
	defer func() {
		res.Duration = time.Since(start)
		if err != nil {
			stage := o.State()
			o.transition(StateFailed)
			log.Error("transfer failed", zap.Stringer("stage", stage), zap.Error(err))
		} else {
			o.transition(StateDone)
			log.Info("transfer finished",
				zap.Int64("rows", res.RowsLoaded),
				zap.Duration("duration", res.Duration))
		}
		metrics.RecordRun("transfer", err)
		observability.EndSpan(span, err)
	}()

	o.transition(StateExtracting)
	rows, err := o.extract(ctx, job.Query)
	if err != nil {
		return res, err
	}
	res.RowsExtracted = int64(len(rows))

	o.transition(StateLoading)
	dest, err := o.openDestination(ctx)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := dest.Close(context.Background()); cerr != nil {
			log.Warn("failed to close destination", zap.Error(cerr))
		}
	}()

	if o.cfg.Transactional {
		err = dest.InTransaction(ctx, func(tx load.Destination) error {
			return o.load(ctx, tx, job, rows, res)
		})
		switch {
		case err == nil:
		case bridgeerrors.IsStatement(err):
			if e, ok := asError(err); ok {
				e.WithDetail("copy_committed", false)
			}
		case bridgeerrors.TypeOf(err) == bridgeerrors.ErrorTypeInternal:
			err = bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeLoad, "destination transaction failed")
		}
		return res, err
	}
	return res, o.load(ctx, dest, job, rows, res)
}

func (o *Orchestrator) extract(ctx context.Context, query models.QuerySpec) (rows []models.Row, err error) {
	ctx, span := observability.StartSpan(ctx, metrics.StageExtract)
	defer func() { observability.EndSpan(span, err) }()

	connectTimer := metrics.NewTimer(metrics.StageConnect)
	session, err := o.cfg.Source.Connect(ctx, o.cfg.Profile)
	connectTimer.ObserveDuration(err)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.WithContext(ctx, o.logger).Warn("failed to close source session", zap.Error(cerr))
		}
	}()

	timer := metrics.NewTimer(metrics.StageExtract)
	rows, _, err = o.cfg.Streamer.All(ctx, session, query)
	timer.ObserveDuration(err)
	if err != nil {
		return nil, err
	}
	metrics.RowsProcessed.WithLabelValues(metrics.StageExtract).Add(float64(len(rows)))
	if usage, err := metrics.SampleResources(metrics.StageExtract); err == nil {
		logger.WithContext(ctx, o.logger).Debug("result materialised",
			zap.Int("rows", len(rows)),
			zap.Uint64("rss_bytes", usage.RSS))
	}
	return rows, nil
}

func (o *Orchestrator) openDestination(ctx context.Context) (load.Destination, error) {
	if o.cfg.Destinations == nil {
		return nil, bridgeerrors.New(bridgeerrors.ErrorTypeConfig, "no destination provider configured")
	}
	dest, err := o.cfg.Destinations.Open(ctx, o.cfg.DestinationConnID)
	if err != nil {
		if bridgeerrors.TypeOf(err) == bridgeerrors.ErrorTypeInternal {
			err = bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConnection, "failed to open destination")
		}
		return nil, err
	}
	return dest, nil
}

// load runs the pre-statement, the copy and the post-statement in order.
func (o *Orchestrator) load(ctx context.Context, dest load.Destination, job models.TransferJob, rows []models.Row, res *Result) error {
	if job.HasPreStatement() {
		o.transition(StatePreOp)
		if err := o.runStatement(ctx, dest, metrics.StagePreOp, job.PreStatement); err != nil {
			return err
		}
	}

	o.transition(StateCopy)
	copyCtx, span := observability.StartSpan(ctx, metrics.StageLoad, attribute.Int("rows", len(rows)))
	tracker := metrics.NewThroughputTracker(metrics.StageLoad)
	timer := metrics.NewTimer(metrics.StageLoad)
	n, err := o.cfg.Loader.BulkLoad(copyCtx, dest, job.DestinationTable, rows)
	timer.ObserveDuration(err)
	observability.EndSpan(span, err)
	if err != nil {
		return err
	}
	tracker.Add(n)
	tracker.Finish()
	res.RowsLoaded = n

	if job.HasPostStatement() {
		o.transition(StatePostOp)
		if err := o.runStatement(ctx, dest, metrics.StagePostOp, job.PostStatement); err != nil {
			if e, ok := asError(err); ok && !o.cfg.Transactional {
				e.WithDetail("copy_committed", true)
			}
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runStatement(ctx context.Context, dest load.Destination, stage, sql string) (err error) {
	ctx, span := observability.StartSpan(ctx, stage)
	defer func() { observability.EndSpan(span, err) }()

	logger.WithContext(ctx, o.logger).Info("running statement", zap.String("stage", stage), zap.String("sql", sql))
	timer := metrics.NewTimer(stage)
	err = dest.Run(ctx, sql)
	timer.ObserveDuration(err)
	if err != nil {
		return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeStatement, stage+" failed").
			WithDetail("stage", stage)
	}
	return nil
}

func asError(err error) (*bridgeerrors.Error, bool) {
	var e *bridgeerrors.Error
	ok := errors.As(err, &e)
	return e, ok
}
