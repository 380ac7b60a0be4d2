package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TDBRIDGE_SOURCE_SQL_TYPE.
const EnvPrefix = "TDBRIDGE"

// NewViper returns a viper instance seeded with Default() and reading
// TDBRIDGE_* environment overrides. Callers may bind flags to it before
// calling LoadJob.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

// setDefaults registers every key so AutomaticEnv can find its override.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("name", d.Name)

	v.SetDefault("source.td_conn_id", d.Source.TDConnID)
	v.SetDefault("source.td_api_key", d.Source.TDAPIKey)
	v.SetDefault("source.td_database", d.Source.TDDatabase)
	v.SetDefault("source.schema", d.Source.Schema)
	v.SetDefault("source.sql_type", d.Source.SQLType)
	v.SetDefault("source.endpoint", d.Source.Endpoint)
	v.SetDefault("source.poll_interval", d.Source.PollInterval)
	v.SetDefault("source.wait_timeout", d.Source.WaitTimeout)
	v.SetDefault("source.request_timeout", d.Source.RequestTimeout)

	v.SetDefault("destination.postgres_conn_id", d.Destination.PostgresConnID)
	v.SetDefault("destination.table", d.Destination.Table)
	v.SetDefault("destination.pre_operator", d.Destination.PreOperator)
	v.SetDefault("destination.post_operator", d.Destination.PostOperator)
	v.SetDefault("destination.transactional", d.Destination.Transactional)
	v.SetDefault("destination.delimiter", d.Destination.Delimiter)
	v.SetDefault("destination.null_marker", d.Destination.NullMarker)
	v.SetDefault("destination.connect_timeout", d.Destination.ConnectTimeout)

	v.SetDefault("dump.path", d.Dump.Path)
	v.SetDefault("dump.delimiter", d.Dump.Delimiter)
	v.SetDefault("dump.line_terminator", d.Dump.LineTerminator)
	v.SetDefault("dump.write_header", d.Dump.WriteHeader)
	v.SetDefault("dump.compression", d.Dump.Compression)
	v.SetDefault("dump.region", d.Dump.Region)
	v.SetDefault("dump.s3_endpoint", d.Dump.S3Endpoint)
	v.SetDefault("dump.credentials_file", d.Dump.CredentialsFile)

	v.SetDefault("query.sql", d.Query.SQL)
	v.SetDefault("query.sql_file", d.Query.SQLFile)

	v.SetDefault("performance.fetch_size", d.Performance.FetchSize)

	v.SetDefault("connections.file", d.Connections.File)
	v.SetDefault("connections.env_prefix", d.Connections.EnvPrefix)

	v.SetDefault("observability.log_level", d.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", d.Observability.LogEncoding)
	v.SetDefault("observability.enable_tracing", d.Observability.EnableTracing)
	v.SetDefault("observability.trace_output", d.Observability.TraceOutput)
	v.SetDefault("observability.push_gateway", d.Observability.PushGateway)
	v.SetDefault("observability.metrics_job", d.Observability.MetricsJob)
}

// LoadJob reads the job file at path (optional) into v and decodes the
// merged settings. ${VAR} references in the file are substituted before
// parsing.
func LoadJob(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path is supplied by the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read job file: %w", err)
		}
		if err := v.ReadConfig(bytes.NewBufferString(substituteEnvVars(string(data)))); err != nil {
			return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}
