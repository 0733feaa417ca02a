package postgres_test

import (
	"context"
	"testing"

	"github.com/johnayoung/go-ohlcv-ingest/internal/postgres"
	"github.com/johnayoung/go-ohlcv-ingest/internal/postgres/postgrestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationManager(t *testing.T) {
	pool := postgrestest.Setup(t)
	ctx := context.Background()

	manager := postgres.NewMigrationManager(pool, nil)

	status, err := manager.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.LatestVersion, status.CurrentVersion)
	assert.Zero(t, status.PendingMigrations)

	// idempotent
	require.NoError(t, manager.MigrateToLatest(ctx))

	var exists bool
	err = pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_name = 'ingestion_cursors'
	)`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"btcusd_1m"`, postgres.QuoteIdentifier("btcusd_1m"))
	assert.Equal(t, `"a""b"`, postgres.QuoteIdentifier(`a"b`))
}
