package load

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tdbridge/pkg/bridgeerrors"
	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// openPostgres connects to TDBRIDGE_TEST_POSTGRES_URL and creates a
// session-local table t_events(id bigint, name text).
func openPostgres(t *testing.T) (*PostgresDestination, *pgx.Conn) {
	t.Helper()
	url := os.Getenv("TDBRIDGE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TDBRIDGE_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	dest := NewPostgresDestination(conn, zap.NewNop())
	t.Cleanup(func() { _ = dest.Close(context.Background()) })

	require.NoError(t, dest.Run(ctx, "CREATE TEMP TABLE t_events (id bigint NOT NULL, name text)"))
	return dest, conn
}

func countRows(t *testing.T, conn *pgx.Conn, where string) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow(context.Background(), "SELECT count(*) FROM t_events "+where).Scan(&n))
	return n
}

func TestPostgresCopyKeepsNulls(t *testing.T) {
	dest, conn := openPostgres(t)
	ctx := context.Background()

	n, err := NewLoader(zap.NewNop()).BulkLoad(ctx, dest, "T_Events", []models.Row{
		{int64(1), nil},
		{int64(2), "tab\there"},
		{int64(3), ""},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.Equal(t, 1, countRows(t, conn, "WHERE name IS NULL"))
	assert.Equal(t, 1, countRows(t, conn, "WHERE id = 1 AND name IS NULL"))

	var name string
	require.NoError(t, conn.QueryRow(ctx, "SELECT name FROM t_events WHERE id = 2").Scan(&name))
	assert.Equal(t, "tab\there", name)
}

func TestPostgresFailedCopyLeavesNoRows(t *testing.T) {
	dest, conn := openPostgres(t)

	_, err := NewLoader(zap.NewNop()).BulkLoad(context.Background(), dest, "t_events", []models.Row{
		{int64(1), "a"},
		{"not a number", "b"},
	})
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsLoad(err))
	assert.Equal(t, 0, countRows(t, conn, ""))
}

func TestPostgresTransactionRollsBackCopyOnFailedStatement(t *testing.T) {
	dest, conn := openPostgres(t)
	ctx := context.Background()
	loader := NewLoader(zap.NewNop())

	err := dest.InTransaction(ctx, func(tx Destination) error {
		// BulkLoad nests a savepoint inside this transaction
		if _, err := loader.BulkLoad(ctx, tx, "t_events", []models.Row{{int64(1), "a"}}); err != nil {
			return err
		}
		return tx.Run(ctx, "INSERT INTO t_events (id) VALUES (NULL)")
	})
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, conn, ""))

	// outside a transaction the copy commits on its own
	_, err = loader.BulkLoad(ctx, dest, "t_events", []models.Row{{int64(1), "a"}})
	require.NoError(t, err)
	assert.Error(t, dest.Run(ctx, "INSERT INTO t_events (id) VALUES (NULL)"))
	assert.Equal(t, 1, countRows(t, conn, ""))
}
