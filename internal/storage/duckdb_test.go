package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuckDBStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "candles.duckdb")
	series := testSeries("BTC-USD", "5m")

	store, err := NewDuckDBStorage(dbPath, createTestLogger())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx, series))

	inserted, err := store.Insert(ctx, series, createTestCandles(series, 6, testStart))
	require.NoError(t, err)
	assert.Equal(t, 6, inserted)
	require.NoError(t, store.Close())

	reopened, err := NewDuckDBStorage(dbPath, createTestLogger())
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.CheckSchema(ctx, series))
	count, err := reopened.Count(ctx, series)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}

func TestDuckDBStorage_CheckSchema(t *testing.T) {
	ctx := context.Background()
	store, err := NewDuckDBStorage(":memory:", createTestLogger())
	require.NoError(t, err)
	defer store.Close()

	series := testSeries("BTC-USD", "1m")

	t.Run("missing table", func(t *testing.T) {
		err := store.CheckSchema(ctx, series)
		require.Error(t, err)
		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "schema_check", storageErr.Operation)
	})

	t.Run("table without candle columns", func(t *testing.T) {
		_, err := store.db.ExecContext(ctx, `CREATE TABLE "ethusd_1m" (timestamp TIMESTAMPTZ, price DOUBLE)`)
		require.NoError(t, err)

		err = store.CheckSchema(ctx, testSeries("ETH-USD", "1m"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing columns")
	})
}

func TestDuckDBStorage_Closed(t *testing.T) {
	ctx := context.Background()
	store, err := NewDuckDBStorage(":memory:", createTestLogger())
	require.NoError(t, err)

	series := testSeries("BTC-USD", "1m")
	require.NoError(t, store.Initialize(ctx, series))
	require.NoError(t, store.HealthCheck(ctx))

	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	assert.Error(t, store.HealthCheck(ctx))
	_, err = store.Insert(ctx, series, createTestCandles(series, 1, testStart))
	assert.Error(t, err)
	_, err = store.Count(ctx, series)
	assert.Error(t, err)
}

func TestDuckDBStorage_QueryPerformance(t *testing.T) {
	ctx := context.Background()
	store, err := NewDuckDBStorage(":memory:", createTestLogger())
	require.NoError(t, err)
	defer store.Close()

	series := testSeries("BTC-USD", "1m")
	require.NoError(t, store.Initialize(ctx, series))
	_, err = store.Insert(ctx, series, createTestCandles(series, 3, testStart))
	require.NoError(t, err)
	_, err = store.Latest(ctx, series)
	require.NoError(t, err)

	perf := store.QueryPerformance()
	assert.Contains(t, perf, "insert_batch")
	assert.Contains(t, perf, "get_latest")
	assert.Contains(t, perf, "schema_check")
}
