package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/tdbridge/internal/transfer"
	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/compression"
	"github.com/ajitpratap0/tdbridge/pkg/config"
	"github.com/ajitpratap0/tdbridge/pkg/dump"
	"github.com/ajitpratap0/tdbridge/pkg/load"
	"github.com/ajitpratap0/tdbridge/pkg/models"
	"github.com/ajitpratap0/tdbridge/pkg/stream"
)

func newTransferCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Run a query and bulk-load its result into a PostgreSQL table",
		Long: `Run a query on Treasure Data, then load the rows into a PostgreSQL table
with COPY. An optional pre-operator statement runs before the copy and an
optional post-operator statement runs after it.

Example:
  tdbridge transfer --sql "SELECT * FROM www_access" --table public.www_access \
    --pre-operator "TRUNCATE public.www_access"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if err := validation(cfg.ValidateTransfer()); err != nil {
				return err
			}
			profile, err := buildProfile(cfg)
			if err != nil {
				return err
			}
			job, err := buildTransferJob(cfg)
			if err != nil {
				return err
			}

			stopTracing, err := a.startTracing()
			if err != nil {
				return err
			}
			defer stopTracing()

			chain := a.connections()
			loader := load.NewLoader(a.log)
			loader.Delimiter = cfg.Destination.Delimiter
			loader.NullMarker = cfg.Destination.NullMarker

			o := transfer.New(transfer.Config{
				Source:   a.connector(chain),
				Profile:  profile,
				Streamer: stream.New(cfg.Performance.FetchSize, nil, a.log),
				Loader:   loader,
				Destinations: &load.PostgresProvider{
					Resolver:       chain,
					ConnectTimeout: cfg.Destination.ConnectTimeout,
					Logger:         a.log,
				},
				DestinationConnID: cfg.Destination.PostgresConnID,
				Transactional:     cfg.Destination.Transactional,
				Logger:            a.log,
			})

			res, err := o.Run(cmd.Context(), job)
			a.pushMetrics(res.RunID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d rows into %s in %s (run %s)\n",
				res.RowsLoaded, job.DestinationTable, res.Duration.Round(time.Millisecond), res.RunID)
			return nil
		},
	}

	cmd.Flags().String("table", "", "Destination table, optionally schema-qualified")
	cmd.Flags().String("postgres-conn-id", "", "Named connection of the destination database")
	cmd.Flags().String("pre-operator", "", "Statement run before the copy")
	cmd.Flags().String("post-operator", "", "Statement run after the copy")
	cmd.Flags().Bool("transactional", false, "Run pre-operator, copy and post-operator in one transaction")
	return cmd
}

func newDumpCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Run a query and write its result as delimited text",
		Long: `Run a query on Treasure Data and write the rows as delimited text to a
local file, s3://bucket/key or gs://bucket/object, optionally compressed.

Example:
  tdbridge dump --sql "SELECT * FROM www_access" -o s3://exports/www_access.tsv.gz --compression gzip`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if err := validation(cfg.ValidateDump()); err != nil {
				return err
			}
			profile, err := buildProfile(cfg)
			if err != nil {
				return err
			}
			query, err := buildQuery(cfg)
			if err != nil {
				return err
			}
			delim, err := cfg.Dump.DelimiterRune()
			if err != nil {
				return validation(err)
			}
			alg, err := compression.ParseAlgorithm(cfg.Dump.Compression)
			if err != nil {
				return validation(err)
			}

			stopTracing, err := a.startTracing()
			if err != nil {
				return err
			}
			defer stopTracing()

			d := transfer.NewDumper(transfer.DumperConfig{
				Source:   a.connector(a.connections()),
				Profile:  profile,
				Streamer: stream.New(cfg.Performance.FetchSize, nil, a.log),
				Writer: &dump.Writer{
					Delimiter:      delim,
					LineTerminator: cfg.Dump.LineTerminator,
					WriteHeader:    cfg.Dump.WriteHeader,
				},
				Logger: a.log,
			})

			res, err := d.Run(cmd.Context(), query, dump.SinkConfig{
				Path:            cfg.Dump.Path,
				Compression:     alg,
				Region:          cfg.Dump.Region,
				Endpoint:        cfg.Dump.S3Endpoint,
				CredentialsFile: cfg.Dump.CredentialsFile,
			})
			a.pushMetrics(res.RunID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d rows to %s in %s (run %s)\n",
				res.Rows, cfg.Dump.Path, res.Duration.Round(time.Millisecond), res.RunID)
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "", "Output path: local file, s3://bucket/key or gs://bucket/object")
	cmd.Flags().String("delimiter", "", `Field delimiter, e.g. "," or "\t"`)
	cmd.Flags().String("line-terminator", "", `Line terminator, e.g. "\n" or "\r\n"`)
	cmd.Flags().Bool("header", true, "Write a line of column names first")
	cmd.Flags().String("compression", "", "Compression: none, gzip, zstd, lz4, snappy, s2")
	return cmd
}

func newQueryCommand(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a query and print the first row, or every row, as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if err := validation(cfg.Validate()); err != nil {
				return err
			}
			profile, err := buildProfile(cfg)
			if err != nil {
				return err
			}
			query, err := buildQuery(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			session, err := a.connector(a.connections()).Connect(ctx, profile)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := session.Close(); cerr != nil {
					a.log.Warn("failed to close source session", zap.Error(cerr))
				}
			}()

			streamer := stream.New(cfg.Performance.FetchSize, nil, a.log)
			if !all {
				row, err := streamer.First(ctx, session, query)
				if err != nil {
					return err
				}
				return printRows(cmd.OutOrStdout(), nil, []models.Row{row})
			}
			rows, columns, err := streamer.All(ctx, session, query)
			if err != nil {
				return err
			}
			return printRows(cmd.OutOrStdout(), columns, rows)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Print every row instead of the first")
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute a statement on the engine without fetching its result",
		Long: `Execute a statement such as INSERT INTO or CREATE TABLE on Treasure Data
and wait for it to finish. The result, if any, is discarded.

Example:
  tdbridge run --sql "INSERT INTO daily_summary SELECT ..." --td-database analytics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if err := validation(cfg.Validate()); err != nil {
				return err
			}
			profile, err := buildProfile(cfg)
			if err != nil {
				return err
			}
			query, err := buildQuery(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			session, err := a.connector(a.connections()).Connect(ctx, profile)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := session.Close(); cerr != nil {
					a.log.Warn("failed to close source session", zap.Error(cerr))
				}
			}()

			streamer := stream.New(cfg.Performance.FetchSize, nil, a.log)
			if err := streamer.Run(ctx, session, query); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Statement finished")
			return nil
		},
	}
}

// printRows writes one JSON document per line: the column names, when
// known, followed by each row as an array.
func printRows(w io.Writer, columns []models.ColumnDescriptor, rows []models.Row) error {
	enc := json.NewEncoder(w)
	if len(columns) > 0 {
		if err := enc.Encode(models.ColumnNames(columns)); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func newConnectionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Inspect named connections",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List named connections with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.load(); err != nil {
				return err
			}
			return listConnections(cmd, a)
		},
	})
	return cmd
}

func listConnections(cmd *cobra.Command, a *app) error {
	chain := a.connections()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tURI")
	for _, id := range chain.IDs() {
		conn, err := chain.Get(cmd.Context(), id)
		if err != nil {
			a.log.Warn("skipping unreadable connection", zap.String("conn_id", id), zap.Error(err))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", id, conn.Type, conn.Masked())
	}
	return tw.Flush()
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create job configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Source.TDAPIKey != "" {
				shown.Source.TDAPIKey = "********"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(&shown)
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init PATH",
		Short: "Write a job file holding every default",
		Args:  cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return bridgeerrors.Newf(bridgeerrors.ErrorTypeConfig, "%s already exists; use --force to overwrite", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeFile, "failed to write job file")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
