package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(newApp())
}

func newRootCommandWith(app *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tdbridge",
		Short: "tdbridge - move Treasure Data query results into PostgreSQL",
		Long: `tdbridge runs a query on Treasure Data and either bulk-loads the result
into a PostgreSQL table or dumps it to delimited text.

Settings come from a YAML job file, TDBRIDGE_* environment variables and
command-line flags, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.bindFlags(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&app.jobFile, "config", "c", "", "Path to the YAML job file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("td-conn-id", "", "Named connection holding the Treasure Data API key")
	root.PersistentFlags().String("td-api-key", "", "API key used when the named connection cannot be resolved")
	root.PersistentFlags().String("td-database", "", "Database queried with the literal API key")
	root.PersistentFlags().String("sql-type", "", "Engine dialect (presto, hive)")
	root.PersistentFlags().String("sql", "", "Query to run")
	root.PersistentFlags().String("sql-file", "", "File holding the query to run")
	root.PersistentFlags().StringArray("param", nil, "Positional bind parameter; repeat for each '?'. "+
		"Integers, decimals, true/false and null bind as such; quote a value ('5') to bind it as a string")
	root.PersistentFlags().Int("fetch-size", 0, "Rows fetched per round trip")

	root.AddCommand(
		newTransferCommand(app),
		newDumpCommand(app),
		newQueryCommand(app),
		newRunCommand(app),
		newConnectionsCommand(app),
		newConfigCommand(app),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return nil
			},
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "tdbridge v%s\n", version)
				fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
				fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			},
		},
	)
	return root
}

// exitCode maps an error to the process exit status. Configuration mistakes
// exit with 2 so schedulers can tell them apart from runtime failures.
func exitCode(err error) int {
	switch bridgeerrors.TypeOf(err) {
	case bridgeerrors.ErrorTypeConfig, bridgeerrors.ErrorTypeValidation:
		return 2
	default:
		return 1
	}
}
