package load

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/connections"
	"github.com/ajitpratap0/tdbridge/pkg/logger"
)

// PostgresProvider opens PostgreSQL destinations from named connections.
type PostgresProvider struct {
	Resolver       connections.Resolver
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Open implements Provider.
func (p *PostgresProvider) Open(ctx context.Context, connID string) (Destination, error) {
	log := p.Logger
	if log == nil {
		log = logger.Get()
	}
	if p.Resolver == nil {
		return nil, bridgeerrors.New(bridgeerrors.ErrorTypeConnection, "no connection resolver configured")
	}

	conn, err := p.Resolver.Get(ctx, connID)
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConnection, "failed to look up destination connection").
			WithDetail("conn_id", connID)
	}

	cfg, err := pgx.ParseConfig(conn.PostgresDSN())
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConfig, "invalid destination connection").
			WithDetail("conn_id", connID)
	}
	if p.ConnectTimeout > 0 {
		cfg.ConnectTimeout = p.ConnectTimeout
	}

	pg, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, bridgeerrors.Wrap(err, bridgeerrors.ErrorTypeConnection, "failed to connect to destination").
			WithDetail("conn_id", connID).
			WithDetail("host", cfg.Host)
	}

	log.Info("connected to PostgreSQL",
		zap.String("conn_id", connID),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.String("server_version", pg.PgConn().ParameterStatus("server_version")))

	return NewPostgresDestination(pg, log.With(zap.String("conn_id", connID))), nil
}

// PostgresDestination runs statements and COPY on one connection, or on a
// transaction of it.
type PostgresDestination struct {
	conn   *pgx.Conn
	tx     pgx.Tx
	logger *zap.Logger
}

// NewPostgresDestination wraps an open connection.
func NewPostgresDestination(conn *pgx.Conn, log *zap.Logger) *PostgresDestination {
	if log == nil {
		log = logger.Get()
	}
	return &PostgresDestination{conn: conn, logger: log}
}

// Run implements Destination.
func (d *PostgresDestination) Run(ctx context.Context, sql string) error {
	var err error
	if d.tx != nil {
		_, err = d.tx.Exec(ctx, sql)
	} else {
		_, err = d.conn.Exec(ctx, sql)
	}
	return err
}

// CopyIn implements Destination.
func (d *PostgresDestination) CopyIn(ctx context.Context, r io.Reader, table string, opts CopyOptions) (int64, error) {
	stmt, err := CopyStatement(table, opts)
	if err != nil {
		return 0, err
	}
	tag, err := d.conn.PgConn().CopyFrom(ctx, r, stmt)
	if err != nil {
		return 0, err
	}
	d.logger.Debug("copy finished", zap.String("table", table), zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// InTransaction implements Destination. Inside a transaction it uses a
// savepoint.
func (d *PostgresDestination) InTransaction(ctx context.Context, fn func(tx Destination) error) error {
	var db interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	} = d.conn
	if d.tx != nil {
		db = d.tx
	}
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		return fn(&PostgresDestination{conn: d.conn, tx: tx, logger: d.logger})
	})
}

// Close closes the connection. A transaction-scoped destination leaves it
// to its parent.
func (d *PostgresDestination) Close(ctx context.Context) error {
	if d.tx != nil {
		return nil
	}
	return d.conn.Close(ctx)
}

// CopyStatement builds COPY ... FROM STDIN for a table name that may be
// schema qualified. Names follow PostgreSQL's rules: unquoted parts fold to
// lower case and double-quoted parts are kept exactly, so Events and events
// name the same table while "Events" does not.
func CopyStatement(table string, opts CopyOptions) (string, error) {
	parts, err := splitTableName(table)
	if err != nil {
		return "", err
	}
	delim := opts.Delimiter
	if delim == "" {
		delim = DefaultDelimiter
	}
	return fmt.Sprintf("COPY %s FROM STDIN WITH (FORMAT text, DELIMITER %s, NULL %s)",
		pgx.Identifier(parts).Sanitize(), quoteLiteral(delim), quoteLiteral(opts.NullMarker)), nil
}

// splitTableName splits a dotted name into its identifiers, unquoting the
// quoted parts and folding the others.
func splitTableName(table string) ([]string, error) {
	name := strings.TrimSpace(table)
	if name == "" {
		return nil, fmt.Errorf("table name is empty")
	}

	var parts []string
	i := 0
	for {
		var part string
		if name[i] == '"' {
			var b strings.Builder
			j := i + 1
			for {
				k := strings.IndexByte(name[j:], '"')
				if k < 0 {
					return nil, fmt.Errorf("unterminated quoted identifier in %q", table)
				}
				b.WriteString(name[j : j+k])
				j += k + 1
				if j < len(name) && name[j] == '"' {
					b.WriteByte('"')
					j++
					continue
				}
				break
			}
			part, i = b.String(), j
			if i < len(name) && name[i] != '.' {
				return nil, fmt.Errorf("invalid table name %q", table)
			}
		} else {
			end := strings.IndexByte(name[i:], '.')
			if end < 0 {
				end = len(name) - i
			}
			raw := name[i : i+end]
			if strings.ContainsRune(raw, '"') {
				return nil, fmt.Errorf("invalid table name %q", table)
			}
			part, i = strings.ToLower(raw), i+end
		}
		if part == "" {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		parts = append(parts, part)

		if i == len(name) {
			return parts, nil
		}
		// skip the dot; a trailing one leaves an empty part
		i++
		if i == len(name) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
