package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/repo/postgres"
	"github.com/tendant/simple-records/pkg/simplerecords/repo/repotest"
)

// Tables are truncated between subtests, so point this at a scratch database.
const testDatabaseEnv = "RECORDS_TEST_DATABASE_URL"

func TestRepository(t *testing.T) {
	dsn := os.Getenv(testDatabaseEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))

	repotest.Run(t, func(t *testing.T) simplerecords.Repository {
		_, err := pool.Exec(ctx, `TRUNCATE ensemble, ensemble_update, record_info, record, file,
			staged_block, inline_blob, inline_block CASCADE`)
		require.NoError(t, err)
		return postgres.NewWithPool(pool)
	})
}
