package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/config"
	"github.com/ajitpratap0/tdbridge/pkg/connections"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
	"github.com/ajitpratap0/tdbridge/pkg/metrics"
	"github.com/ajitpratap0/tdbridge/pkg/models"
	"github.com/ajitpratap0/tdbridge/pkg/observability"
	"github.com/ajitpratap0/tdbridge/pkg/source"
)

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":        "observability.log_level",
	"td-conn-id":       "source.td_conn_id",
	"td-api-key":       "source.td_api_key",
	"td-database":      "source.td_database",
	"sql-type":         "source.sql_type",
	"sql":              "query.sql",
	"sql-file":         "query.sql_file",
	"fetch-size":       "performance.fetch_size",
	"table":            "destination.table",
	"postgres-conn-id": "destination.postgres_conn_id",
	"pre-operator":     "destination.pre_operator",
	"post-operator":    "destination.post_operator",
	"transactional":    "destination.transactional",
	"output":           "dump.path",
	"delimiter":        "dump.delimiter",
	"line-terminator":  "dump.line_terminator",
	"header":           "dump.write_header",
	"compression":      "dump.compression",
}

// app carries state shared by the subcommands of one invocation.
type app struct {
	jobFile string
	v       *viper.Viper
	cfg     *config.Config
	log     *zap.Logger
	// params holds --param values when the flag was given.
	params []string
	// opener opens engine sessions; nil means the Treasure Data REST API.
	opener source.SessionOpener
}

func newApp() *app {
	return &app{v: config.NewViper()}
}

// bindFlags binds the flags visible to cmd. Only flags set on the command
// line override the job file and the environment.
func (a *app) bindFlags(cmd *cobra.Command) error {
	var bindErr error
	bind := func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = a.v.BindPFlag(key, f)
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	if bindErr != nil {
		return bindErr
	}

	if f := cmd.Flags().Lookup("param"); f != nil && f.Changed {
		values, err := cmd.Flags().GetStringArray("param")
		if err != nil {
			return err
		}
		a.params = values
	}
	return nil
}

// load reads the configuration and installs the logger it asks for.
func (a *app) load() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.LoadJob(a.v, a.jobFile)
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConfig, "failed to load configuration")
	}
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConfig, "failed to initialise logging")
	}
	if a.params != nil {
		cfg.Query.Parameters = config.ParseParameters(a.params)
	}
	a.cfg = cfg
	a.log = logger.Get().With(zap.String("job", cfg.Name))
	return cfg, nil
}

// startTracing installs the span exporter when tracing is enabled. The
// returned function flushes it and never fails the run.
func (a *app) startTracing() (func(), error) {
	obs := a.cfg.Observability
	if !obs.EnableTracing {
		return func() {}, nil
	}
	shutdown, err := observability.Init(observability.Config{
		ServiceName:    a.cfg.Name,
		ServiceVersion: version,
		Output:         obs.TraceOutput,
	})
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConfig, "failed to initialise tracing")
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			a.log.Warn("failed to flush spans", zap.Error(err))
		}
	}, nil
}

// pushMetrics sends the run's series to the Pushgateway, if configured.
func (a *app) pushMetrics(runID string) {
	obs := a.cfg.Observability
	if obs.PushGateway == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Push(ctx, obs.PushGateway, obs.MetricsJob, runID); err != nil {
		a.log.Warn("failed to push metrics", zap.String("gateway", obs.PushGateway), zap.Error(err))
	}
}

func (a *app) connections() connections.Chain {
	return connections.Default(a.cfg.Connections.File, a.cfg.Connections.EnvPrefix)
}

func (a *app) connector(chain connections.Chain) *source.Connector {
	opener := a.opener
	if opener == nil {
		opener = source.TreasureDataOpener{Logger: a.log}
	}
	return source.NewConnector(chain, opener, a.log)
}

// buildProfile maps the source section onto an engine profile.
func buildProfile(cfg *config.Config) (source.Profile, error) {
	dialect, err := cfg.Source.Dialect()
	if err != nil {
		return source.Profile{}, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeValidation, "invalid sql_type")
	}
	return source.Profile{
		ConnID:         cfg.Source.TDConnID,
		APIKey:         cfg.Source.TDAPIKey,
		Dialect:        dialect,
		Database:       cfg.Source.Database(),
		Endpoint:       cfg.Source.Endpoint,
		PollInterval:   cfg.Source.PollInterval,
		WaitTimeout:    cfg.Source.WaitTimeout,
		RequestTimeout: cfg.Source.RequestTimeout,
	}, nil
}

func buildQuery(cfg *config.Config) (models.QuerySpec, error) {
	q, err := cfg.Query.Resolve()
	if err != nil {
		return models.QuerySpec{}, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConfig, "invalid query")
	}
	return q, nil
}

// buildTransferJob maps the query and destination sections onto a job.
func buildTransferJob(cfg *config.Config) (models.TransferJob, error) {
	q, err := buildQuery(cfg)
	if err != nil {
		return models.TransferJob{}, err
	}
	return models.TransferJob{
		Query:            q,
		DestinationTable: cfg.Destination.Table,
		PreStatement:     cfg.Destination.PreOperator,
		PostStatement:    cfg.Destination.PostOperator,
	}, nil
}

func validation(err error) error {
	if err == nil {
		return nil
	}
	return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeValidation, "invalid configuration")
}
