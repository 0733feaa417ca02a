package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParquetStorage_FileLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewParquetStorage(dir, createTestLogger())
	series := testSeries("BTC-USD", "1h")

	require.NoError(t, store.Initialize(ctx, series))
	assert.Equal(t, filepath.Join(dir, "btcusd_1h.parquet"), store.Path(series))

	_, err := os.Stat(store.Path(series))
	assert.True(t, os.IsNotExist(err), "file is created by the first insert")

	_, err = store.Insert(ctx, series, createTestCandles(series, 3, testStart))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "btcusd_1h.parquet", entries[0].Name())

	records, err := parquet.ReadFile[candleRecord](store.Path(series))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, testStart.UnixMilli(), records[0].Timestamp)
	assert.Equal(t, "50000", records[0].Open)
}

func TestParquetStorage_NoWriteWithoutNewRows(t *testing.T) {
	ctx := context.Background()
	store := NewParquetStorage(t.TempDir(), createTestLogger())
	series := testSeries("BTC-USD", "1m")
	candles := createTestCandles(series, 2, testStart)

	_, err := store.Insert(ctx, series, candles)
	require.NoError(t, err)

	before, err := os.Stat(store.Path(series))
	require.NoError(t, err)

	inserted, err := store.Insert(ctx, series, candles)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	after, err := os.Stat(store.Path(series))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestParquetStorage_CheckSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewParquetStorage(dir, createTestLogger())
	series := testSeries("BTC-USD", "1m")

	type foreignRecord struct {
		Timestamp int64   `parquet:"timestamp"`
		Price     float64 `parquet:"price"`
	}
	require.NoError(t, parquet.WriteFile(store.Path(series), []foreignRecord{{Timestamp: 1, Price: 2}}))

	err := store.Initialize(ctx, series)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing columns")

	require.NoError(t, os.WriteFile(store.Path(series), []byte("not parquet"), 0o644))
	err = store.CheckSchema(ctx, series)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable parquet file")
}
