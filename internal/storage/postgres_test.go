package storage

import (
	"context"
	"testing"

	"github.com/johnayoung/go-ohlcv-ingest/internal/postgres/postgrestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorage_Registry(t *testing.T) {
	pool := postgrestest.Setup(t)
	ctx := context.Background()
	store := NewPostgresStorage(pool, createTestLogger())

	minute := testSeries("SOL-USD", "1m")
	daily := testSeries("SOL-USD", "1d")
	require.NoError(t, store.Initialize(ctx, minute))
	require.NoError(t, store.Initialize(ctx, daily))
	require.NoError(t, store.Initialize(ctx, minute))

	keys, err := store.RegisteredSeries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSD-1d", "SOLUSD-1m"}, keys)

	require.NoError(t, store.HealthCheck(ctx))
	assert.Contains(t, store.QueryPerformance(), "schema_check")

	require.NoError(t, store.Close())
	require.NoError(t, pool.Ping(ctx), "pool stays open after store close")
}
