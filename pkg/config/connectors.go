package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// SourceConfig contains the query engine settings.
type SourceConfig struct {
	// TDConnID is the named connection holding the API key (login) and database (schema)
	TDConnID string `yaml:"td_conn_id" json:"td_conn_id"`
	// TDAPIKey is the fallback API key used when the named connection cannot be resolved
	TDAPIKey string `yaml:"td_api_key" json:"-"`
	// TDDatabase is the database queried with the fallback key
	TDDatabase string `yaml:"td_database" json:"td_database"`
	// Schema is an alias of TDDatabase and wins when set
	Schema string `yaml:"schema" json:"schema"`
	// SQLType selects the engine dialect (presto, hive)
	SQLType string `yaml:"sql_type" json:"sql_type"`
	// Endpoint is the REST API base URL
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// PollInterval paces job status polling
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// WaitTimeout bounds the wait for a remote job; zero waits forever
	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout"`
	// RequestTimeout bounds a single REST call
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// Database returns the fallback database, honouring the schema alias.
func (s SourceConfig) Database() string {
	if s.Schema != "" {
		return s.Schema
	}
	return s.TDDatabase
}

// Dialect returns the parsed SQLType.
func (s SourceConfig) Dialect() (models.Dialect, error) {
	return models.ParseDialect(s.SQLType)
}

// Validate checks the source settings.
func (s SourceConfig) Validate() error {
	if _, err := s.Dialect(); err != nil {
		return err
	}
	if s.TDConnID == "" && s.TDAPIKey == "" {
		return fmt.Errorf("td_conn_id or td_api_key is required")
	}
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if s.PollInterval < 0 || s.WaitTimeout < 0 || s.RequestTimeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	return nil
}

// DestinationConfig contains the destination table settings.
type DestinationConfig struct {
	// PostgresConnID is the named connection of the destination database
	PostgresConnID string `yaml:"postgres_conn_id" json:"postgres_conn_id"`
	// Table is the destination table, optionally schema-qualified. Unquoted
	// parts fold to lower case as in SQL; double-quote a part to keep its case
	Table string `yaml:"table" json:"table"`
	// PreOperator runs before the copy
	PreOperator string `yaml:"pre_operator" json:"pre_operator"`
	// PostOperator runs after the copy
	PostOperator string `yaml:"post_operator" json:"post_operator"`
	// Transactional runs pre operator, copy and post operator in one transaction
	Transactional bool `yaml:"transactional" json:"transactional"`
	// Delimiter separates fields in the copy stream
	Delimiter string `yaml:"delimiter" json:"delimiter"`
	// NullMarker represents SQL NULL in the copy stream
	NullMarker string `yaml:"null_marker" json:"null_marker"`
	// ConnectTimeout bounds opening the destination connection
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// Validate checks the destination settings.
func (d DestinationConfig) Validate() error {
	if d.PostgresConnID == "" {
		return fmt.Errorf("postgres_conn_id is required")
	}
	if strings.TrimSpace(d.Table) == "" {
		return fmt.Errorf("table is required")
	}
	if _, err := singleRune(d.Delimiter); err != nil {
		return fmt.Errorf("delimiter %w", err)
	}
	if d.NullMarker == d.Delimiter {
		return fmt.Errorf("null_marker cannot equal the delimiter")
	}
	return nil
}

// DumpConfig contains the delimited text dump settings.
type DumpConfig struct {
	// Path is a local path, s3://bucket/key or gs://bucket/object
	Path string `yaml:"path" json:"path"`
	// Delimiter separates fields
	Delimiter string `yaml:"delimiter" json:"delimiter"`
	// LineTerminator ends every line
	LineTerminator string `yaml:"line_terminator" json:"line_terminator"`
	// WriteHeader writes a line of column names first
	WriteHeader bool `yaml:"write_header" json:"write_header"`
	// Compression is none, gzip, zstd, lz4, snappy or s2
	Compression string `yaml:"compression" json:"compression"`
	// Region is the AWS region for s3:// paths; empty uses the SDK default chain
	Region string `yaml:"region" json:"region"`
	// S3Endpoint overrides the S3 endpoint, e.g. for MinIO
	S3Endpoint string `yaml:"s3_endpoint" json:"s3_endpoint"`
	// CredentialsFile is a service account file for gs:// paths
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// DelimiterRune returns the delimiter as a rune.
func (d DumpConfig) DelimiterRune() (rune, error) {
	return singleRune(d.Delimiter)
}

// Validate checks the dump settings.
func (d DumpConfig) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("path is required")
	}
	r, err := d.DelimiterRune()
	if err != nil {
		return fmt.Errorf("delimiter %w", err)
	}
	if r == '"' || r == '\r' || r == '\n' {
		return fmt.Errorf("delimiter %q is not allowed", r)
	}
	if d.LineTerminator == "" {
		return fmt.Errorf("line_terminator is required")
	}
	switch d.Compression {
	case "", "none", "gzip", "zstd", "lz4", "snappy", "s2":
	default:
		return fmt.Errorf("unsupported compression %q", d.Compression)
	}
	return nil
}

// QueryConfig contains the query to run.
type QueryConfig struct {
	// SQL is the query text
	SQL string `yaml:"sql" json:"sql"`
	// SQLFile is read when SQL is empty
	SQLFile string `yaml:"sql_file" json:"sql_file"`
	// Parameters bind positionally to '?' placeholders
	Parameters []interface{} `yaml:"parameters" json:"parameters"`
}
