package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadJobMergesFileEnvAndDefaults(t *testing.T) {
	t.Setenv("PG_TABLE", "analytics.events")
	t.Setenv("TDBRIDGE_PERFORMANCE_FETCH_SIZE", "250")

	path := writeFile(t, "job.yaml", `
name: nightly
source:
  sql_type: hive
  td_api_key: abc
  poll_interval: 2s
destination:
  table: ${PG_TABLE}
  pre_operator: TRUNCATE analytics.events
dump:
  delimiter: ","
  write_header: false
query:
  sql: "SELECT 1;"
  parameters: [1, "two"]
`)

	cfg, err := LoadJob(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "nightly", cfg.Name)
	assert.Equal(t, "hive", cfg.Source.SQLType)
	assert.Equal(t, "abc", cfg.Source.TDAPIKey)
	assert.Equal(t, "td_default", cfg.Source.TDConnID)
	assert.Equal(t, 2*time.Second, cfg.Source.PollInterval)
	assert.Equal(t, "analytics.events", cfg.Destination.Table)
	assert.Equal(t, "TRUNCATE analytics.events", cfg.Destination.PreOperator)
	assert.Equal(t, "postgres_default", cfg.Destination.PostgresConnID)
	assert.Equal(t, "\t", cfg.Destination.Delimiter)
	assert.Equal(t, ",", cfg.Dump.Delimiter)
	assert.False(t, cfg.Dump.WriteHeader)
	assert.Equal(t, "\r\n", cfg.Dump.LineTerminator)
	assert.Equal(t, 250, cfg.Performance.FetchSize)
	assert.Len(t, cfg.Query.Parameters, 2)

	require.NoError(t, cfg.ValidateTransfer())
}

func TestLoadJobWithoutFile(t *testing.T) {
	cfg, err := LoadJob(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, Default().Performance.FetchSize, cfg.Performance.FetchSize)
	assert.Equal(t, "sample_datasets", cfg.Source.Database())
}

func TestLoadJobUnescapesDelimiters(t *testing.T) {
	v := NewViper()
	v.Set("dump.delimiter", `\t`)
	v.Set("dump.line_terminator", `\n`)

	cfg, err := LoadJob(v, "")
	require.NoError(t, err)
	assert.Equal(t, "\t", cfg.Dump.Delimiter)
	assert.Equal(t, "\n", cfg.Dump.LineTerminator)
}

func TestSchemaAliasWins(t *testing.T) {
	s := Default().Source
	s.Schema = "prod"
	assert.Equal(t, "prod", s.Database())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Default()
		c.Query.SQL = "SELECT 1"
		c.Destination.Table = "t"
		c.Dump.Path = "out.tsv"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		check   func(*Config) error
		wantErr bool
	}{
		{"valid transfer", func(*Config) {}, (*Config).ValidateTransfer, false},
		{"valid dump", func(*Config) {}, (*Config).ValidateDump, false},
		{"zero fetch size", func(c *Config) { c.Performance.FetchSize = 0 }, (*Config).Validate, true},
		{"bad dialect", func(c *Config) { c.Source.SQLType = "spark" }, (*Config).Validate, true},
		{"no credential source", func(c *Config) { c.Source.TDConnID = "" }, (*Config).Validate, true},
		{"key without conn id", func(c *Config) { c.Source.TDConnID = ""; c.Source.TDAPIKey = "k" }, (*Config).Validate, false},
		{"missing query", func(c *Config) { c.Query.SQL = " " }, (*Config).Validate, true},
		{"missing table", func(c *Config) { c.Destination.Table = "" }, (*Config).ValidateTransfer, true},
		{"multi-char delimiter", func(c *Config) { c.Destination.Delimiter = "||" }, (*Config).ValidateTransfer, true},
		{"null equals delimiter", func(c *Config) { c.Destination.NullMarker = "\t" }, (*Config).ValidateTransfer, true},
		{"missing dump path", func(c *Config) { c.Dump.Path = "" }, (*Config).ValidateDump, true},
		{"quote delimiter", func(c *Config) { c.Dump.Delimiter = `"` }, (*Config).ValidateDump, true},
		{"bad compression", func(c *Config) { c.Dump.Compression = "rar" }, (*Config).ValidateDump, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := tt.check(c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueryResolveReadsFile(t *testing.T) {
	path := writeFile(t, "q.sql", "SELECT count(1) FROM nasdaq;\n")

	spec, err := QueryConfig{SQLFile: path}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "SELECT count(1) FROM nasdaq;\n", spec.SQL)

	_, err = QueryConfig{}.Resolve()
	assert.Error(t, err)
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("CONN_LOGIN", "key-123")
	path := writeFile(t, "c.yaml", "login: ${CONN_LOGIN}\nschema: ${UNSET_VAR_FOR_TEST}x\n")

	var out struct {
		Login  string `yaml:"login"`
		Schema string `yaml:"schema"`
	}
	require.NoError(t, Load(path, &out))
	assert.Equal(t, "key-123", out.Login)
	assert.Equal(t, "x", out.Schema)
}

func TestUnescape(t *testing.T) {
	assert.Equal(t, "\t", Unescape(`\t`))
	assert.Equal(t, "\r\n", Unescape(`\r\n`))
	assert.Equal(t, `\N`, Unescape(`\N`))
	assert.Equal(t, ",", Unescape(","))
}

func TestParseParameters(t *testing.T) {
	got := ParseParameters([]string{"5", "-2.5", "1e3", "true", "FALSE", "null", "'5'", "o'neil", "NaN", "0x10", ""})
	assert.Equal(t, []interface{}{
		int64(5), -2.5, 1000.0, true, false, nil, "5", "o'neil", "NaN", "0x10", "",
	}, got)
	assert.Empty(t, ParseParameters(nil))
}
