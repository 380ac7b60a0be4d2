// Package config provides the job configuration for tdbridge.
//
// A job is described by one Config, organised into sections:
//   - Source: how to reach the query engine and which credential to use
//   - Destination: the target table, connection and pre/post statements
//   - Dump: delimited text output settings
//   - Query: the SQL to run and its bind parameters
//   - Performance: fetch size
//   - Connections: where named connections are looked up
//   - Observability: logging, tracing and metrics push
//
// Values come, lowest precedence first, from Default(), the YAML job file
// (with ${VAR} substitution), TDBRIDGE_* environment variables and bound
// command-line flags. See LoadJob.
//
// Example usage:
//
//	v := config.NewViper()
//	cfg, err := config.LoadJob(v, "job.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.ValidateTransfer(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// Config is the complete configuration of one tdbridge job.
type Config struct {
	// Name identifies the job in logs and metrics
	Name string `yaml:"name" json:"name"`

	Source        SourceConfig        `yaml:"source" json:"source"`
	Destination   DestinationConfig   `yaml:"destination" json:"destination"`
	Dump          DumpConfig          `yaml:"dump" json:"dump"`
	Query         QueryConfig         `yaml:"query" json:"query"`
	Performance   PerformanceConfig   `yaml:"performance" json:"performance"`
	Connections   ConnectionsConfig   `yaml:"connections" json:"connections"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// PerformanceConfig contains throughput settings.
type PerformanceConfig struct {
	// FetchSize is the maximum number of rows retrieved per round trip
	FetchSize int `yaml:"fetch_size" json:"fetch_size"`
}

// ConnectionsConfig says where named connections are resolved from.
type ConnectionsConfig struct {
	// File is an optional YAML connections file
	File string `yaml:"file" json:"file"`
	// EnvPrefix prefixes environment variables holding connection URIs
	EnvPrefix string `yaml:"env_prefix" json:"env_prefix"`
}

// ObservabilityConfig contains logging, tracing and metrics settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// EnableTracing exports stage spans
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// TraceOutput is a file to write spans to; empty means stderr
	TraceOutput string `yaml:"trace_output" json:"trace_output"`
	// PushGateway is a Prometheus Pushgateway URL; empty disables the push
	PushGateway string `yaml:"push_gateway" json:"push_gateway"`
	// MetricsJob is the job label used when pushing
	MetricsJob string `yaml:"metrics_job" json:"metrics_job"`
}

// Default returns a Config carrying every default value.
func Default() *Config {
	return &Config{
		Name: "tdbridge",
		Source: SourceConfig{
			TDConnID:       "td_default",
			TDDatabase:     "sample_datasets",
			SQLType:        string(models.DialectPresto),
			Endpoint:       "https://api.treasuredata.com",
			PollInterval:   5 * time.Second,
			WaitTimeout:    0,
			RequestTimeout: time.Minute,
		},
		Destination: DestinationConfig{
			PostgresConnID: "postgres_default",
			Delimiter:      "\t",
			NullMarker:     "",
			ConnectTimeout: 30 * time.Second,
		},
		Dump: DumpConfig{
			Delimiter:      "\t",
			LineTerminator: "\r\n",
			WriteHeader:    true,
			Compression:    "none",
		},
		Performance: PerformanceConfig{
			FetchSize: 1000,
		},
		Connections: ConnectionsConfig{
			EnvPrefix: "TDBRIDGE_CONN_",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "json",
			MetricsJob:  "tdbridge",
		},
	}
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	if c.Performance.FetchSize <= 0 {
		return fmt.Errorf("fetch_size must be positive")
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if strings.TrimSpace(c.Query.SQL) == "" && c.Query.SQLFile == "" {
		return fmt.Errorf("query: sql or sql_file is required")
	}
	return nil
}

// ValidateTransfer checks the settings needed by a table transfer.
func (c *Config) ValidateTransfer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	return nil
}

// ValidateDump checks the settings needed by a text dump.
func (c *Config) ValidateDump() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.Dump.Validate(); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	return nil
}

// normalize unescapes delimiters written as escape sequences, e.g. the
// two characters `\t` given on a command line.
func (c *Config) normalize() {
	c.Destination.Delimiter = Unescape(c.Destination.Delimiter)
	c.Destination.NullMarker = Unescape(c.Destination.NullMarker)
	c.Dump.Delimiter = Unescape(c.Dump.Delimiter)
	c.Dump.LineTerminator = Unescape(c.Dump.LineTerminator)
}

// Unescape interprets Go escape sequences such as \t and \r\n. Strings that
// do not unquote cleanly are returned unchanged.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	u, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return s
	}
	return u
}

// singleRune returns the only rune in s.
func singleRune(s string) (rune, error) {
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("must be a single character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

// Resolve returns the query to run, reading SQLFile when SQL is empty.
func (q QueryConfig) Resolve() (models.QuerySpec, error) {
	sql := q.SQL
	if strings.TrimSpace(sql) == "" && q.SQLFile != "" {
		data, err := os.ReadFile(q.SQLFile) //nolint:gosec // G304: path is supplied by the operator
		if err != nil {
			return models.QuerySpec{}, fmt.Errorf("failed to read sql file: %w", err)
		}
		sql = string(data)
	}
	if strings.TrimSpace(sql) == "" {
		return models.QuerySpec{}, fmt.Errorf("query is empty")
	}
	return models.QuerySpec{SQL: sql, Parameters: q.Parameters}, nil
}

// ParseParameters types bind parameters given as text, e.g. on a command
// line: integers become int64, decimals float64, true/false bool and null
// nil. A value wrapped in single quotes is the string between them; any
// other value stays a string.
func ParseParameters(values []string) []interface{} {
	params := make([]interface{}, len(values))
	for i, v := range values {
		params[i] = parseParameter(v)
	}
	return params
}

func parseParameter(v string) interface{} {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	switch strings.ToLower(v) {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && !strings.ContainsAny(v, "xXnNiI_") {
		return f
	}
	return v
}
