package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/granularity"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/postgres/postgrestest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSeries(symbol, label string) models.SeriesID {
	series, err := models.NewSeriesID(symbol, granularity.MustResolve(label))
	if err != nil {
		panic(err)
	}
	return series
}

// createTestCandles generates count consecutive candles for series from start
func createTestCandles(series models.SeriesID, count int, start time.Time) []models.Candle {
	step := series.Granularity.Duration()
	candles := make([]models.Candle, count)
	for i := 0; i < count; i++ {
		open := decimal.NewFromInt(50000).Add(decimal.NewFromInt(int64(i * 10)))
		candles[i] = models.Candle{
			Timestamp: start.Add(time.Duration(i) * step),
			Open:      open,
			High:      open.Add(decimal.RequireFromString("12.5")),
			Low:       open.Sub(decimal.RequireFromString("7.25")),
			Close:     open.Add(decimal.NewFromInt(3)),
			Volume:    decimal.RequireFromString("1.5").Add(decimal.NewFromInt(int64(i))),
		}
	}
	return candles
}

// candleStoreSuite runs the CandleStore contract against one backend.
type candleStoreSuite struct {
	suite.Suite

	newStore func(t *testing.T) CandleStore

	ctx    context.Context
	store  CandleStore
	series models.SeriesID
}

func (s *candleStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
	s.series = testSeries("BTC-USD", "1m")
	s.Require().NoError(s.store.Initialize(s.ctx, s.series))
}

func (s *candleStoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *candleStoreSuite) TestEmptySeries() {
	latest, err := s.store.Latest(s.ctx, s.series)
	s.Require().NoError(err)
	s.Nil(latest)

	count, err := s.store.Count(s.ctx, s.series)
	s.Require().NoError(err)
	s.Zero(count)

	candles, err := s.store.Range(s.ctx, s.series, testStart, testStart.Add(time.Hour))
	s.Require().NoError(err)
	s.Empty(candles)
}

func (s *candleStoreSuite) TestUninitializedSeries() {
	other := testSeries("ETH-USD", "1h")

	latest, err := s.store.Latest(s.ctx, other)
	s.Require().NoError(err)
	s.Nil(latest)

	count, err := s.store.Count(s.ctx, other)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *candleStoreSuite) TestInsertAndRange() {
	candles := createTestCandles(s.series, 10, testStart)

	inserted, err := s.store.Insert(s.ctx, s.series, candles)
	s.Require().NoError(err)
	s.Equal(10, inserted)

	count, err := s.store.Count(s.ctx, s.series)
	s.Require().NoError(err)
	s.Equal(int64(10), count)

	// half-open: start included, end excluded
	got, err := s.store.Range(s.ctx, s.series, testStart.Add(2*time.Minute), testStart.Add(5*time.Minute))
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	s.True(got[0].Timestamp.Equal(testStart.Add(2 * time.Minute)))
	s.True(got[2].Timestamp.Equal(testStart.Add(4 * time.Minute)))
	s.True(got[0].Equal(candles[2]), "got %s want %s", got[0], candles[2])

	for i := 1; i < len(got); i++ {
		s.True(got[i].Timestamp.After(got[i-1].Timestamp))
	}
}

func (s *candleStoreSuite) TestInsertKeepsStoredRows() {
	first := createTestCandles(s.series, 1, testStart)
	_, err := s.store.Insert(s.ctx, s.series, first)
	s.Require().NoError(err)

	refetched := createTestCandles(s.series, 2, testStart)
	refetched[0].Close = decimal.NewFromInt(1)

	inserted, err := s.store.Insert(s.ctx, s.series, refetched)
	s.Require().NoError(err)
	s.Equal(1, inserted)

	got, err := s.store.Range(s.ctx, s.series, testStart, testStart.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.True(got[0].Close.Equal(first[0].Close))
}

func (s *candleStoreSuite) TestInsertIsIdempotent() {
	candles := createTestCandles(s.series, 5, testStart)

	_, err := s.store.Insert(s.ctx, s.series, candles)
	s.Require().NoError(err)

	inserted, err := s.store.Insert(s.ctx, s.series, candles)
	s.Require().NoError(err)
	s.Zero(inserted)

	count, err := s.store.Count(s.ctx, s.series)
	s.Require().NoError(err)
	s.Equal(int64(5), count)
}

func (s *candleStoreSuite) TestDuplicateTimestampsInBatch() {
	candles := createTestCandles(s.series, 2, testStart)
	dup := candles[0]
	dup.Close = decimal.NewFromInt(7)
	candles = append(candles, dup)

	inserted, err := s.store.Insert(s.ctx, s.series, candles)
	s.Require().NoError(err)
	s.Equal(2, inserted)

	got, err := s.store.Range(s.ctx, s.series, testStart, testStart.Add(time.Minute))
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.True(got[0].Close.Equal(candles[0].Close))
}

func (s *candleStoreSuite) TestLatest() {
	candles := createTestCandles(s.series, 4, testStart)
	// insertion order must not matter
	_, err := s.store.Insert(s.ctx, s.series, []models.Candle{candles[3], candles[0], candles[2], candles[1]})
	s.Require().NoError(err)

	latest, err := s.store.Latest(s.ctx, s.series)
	s.Require().NoError(err)
	s.Require().NotNil(latest)
	s.True(latest.Timestamp.Equal(candles[3].Timestamp))
	s.True(latest.Volume.Equal(candles[3].Volume))
}

func (s *candleStoreSuite) TestDecimalPrecision() {
	c := models.Candle{
		Timestamp: testStart,
		Open:      decimal.RequireFromString("0.123456789012345678"),
		High:      decimal.RequireFromString("1"),
		Low:       decimal.RequireFromString("0.1"),
		Close:     decimal.RequireFromString("0.75"),
		Volume:    decimal.RequireFromString("12345678901234.000000001"),
	}

	_, err := s.store.Insert(s.ctx, s.series, []models.Candle{c})
	s.Require().NoError(err)

	latest, err := s.store.Latest(s.ctx, s.series)
	s.Require().NoError(err)
	s.Require().NotNil(latest)
	s.True(latest.Open.Equal(c.Open), "open %s", latest.Open)
	s.True(latest.Volume.Equal(c.Volume), "volume %s", latest.Volume)
}

func (s *candleStoreSuite) TestRejectsMisalignedCandles() {
	c := createTestCandles(s.series, 1, testStart.Add(30*time.Second))

	_, err := s.store.Insert(s.ctx, s.series, c)
	s.Require().Error(err)

	var storageErr *StorageError
	s.Require().ErrorAs(err, &storageErr)
	s.Equal("insert", storageErr.Operation)

	count, err := s.store.Count(s.ctx, s.series)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *candleStoreSuite) TestSeriesAreIsolated() {
	hourly := testSeries("BTC-USD", "1h")
	s.Require().NoError(s.store.Initialize(s.ctx, hourly))

	_, err := s.store.Insert(s.ctx, s.series, createTestCandles(s.series, 3, testStart))
	s.Require().NoError(err)
	_, err = s.store.Insert(s.ctx, hourly, createTestCandles(hourly, 1, testStart))
	s.Require().NoError(err)

	count, err := s.store.Count(s.ctx, hourly)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

func (s *candleStoreSuite) TestInitializeIsIdempotent() {
	_, err := s.store.Insert(s.ctx, s.series, createTestCandles(s.series, 2, testStart))
	s.Require().NoError(err)

	s.Require().NoError(s.store.Initialize(s.ctx, s.series))

	count, err := s.store.Count(s.ctx, s.series)
	s.Require().NoError(err)
	s.Equal(int64(2), count)

	if checker, ok := s.store.(SchemaChecker); ok {
		s.NoError(checker.CheckSchema(s.ctx, s.series))
	}
}

func TestMemoryStorageSuite(t *testing.T) {
	suite.Run(t, &candleStoreSuite{newStore: func(t *testing.T) CandleStore {
		return NewMemoryStorage()
	}})
}

func TestDuckDBStorageSuite(t *testing.T) {
	suite.Run(t, &candleStoreSuite{newStore: func(t *testing.T) CandleStore {
		store, err := NewDuckDBStorage(":memory:", createTestLogger())
		require.NoError(t, err)
		return store
	}})
}

func TestParquetStorageSuite(t *testing.T) {
	suite.Run(t, &candleStoreSuite{newStore: func(t *testing.T) CandleStore {
		return NewParquetStorage(t.TempDir(), createTestLogger())
	}})
}

func TestPostgresStorageSuite(t *testing.T) {
	pool := postgrestest.Setup(t)

	suite.Run(t, &candleStoreSuite{newStore: func(t *testing.T) CandleStore {
		_, err := pool.Exec(context.Background(), `
			DROP TABLE IF EXISTS btcusd_1m, btcusd_1h;
			DELETE FROM candle_series;
		`)
		require.NoError(t, err)
		return NewPostgresStorage(pool, createTestLogger())
	}})
}

func TestPrepareBatch(t *testing.T) {
	series := testSeries("BTC-USD", "1m")
	candles := createTestCandles(series, 3, testStart)
	dup := candles[1]
	dup.Close = decimal.NewFromInt(1)

	batch, err := prepareBatch(series, []models.Candle{candles[2], candles[1], dup, candles[0]})
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.True(t, batch[0].Timestamp.Equal(testStart))
	assert.True(t, batch[1].Close.Equal(candles[1].Close))

	negative := candles[0]
	negative.Volume = decimal.NewFromInt(-1)
	_, err = prepareBatch(series, []models.Candle{negative})
	assert.Error(t, err)
}

func TestCheckColumns(t *testing.T) {
	assert.NoError(t, checkColumns([]string{"timestamp", "open", "high", "low", "close", "volume", "extra"}))

	err := checkColumns([]string{"timestamp", "open", "close"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high")
	assert.Contains(t, err.Error(), "volume")
}

func TestQueryStats(t *testing.T) {
	stats := newQueryStats()
	stats.record("insert", 10*time.Millisecond)
	stats.record("insert", 30*time.Millisecond)
	for i := 0; i < 150; i++ {
		stats.record("range", time.Millisecond)
	}

	averages := stats.averages()
	assert.Equal(t, 20*time.Millisecond, averages["insert"])
	assert.Equal(t, time.Millisecond, averages["range"])
	assert.Len(t, stats.times["range"], 100)
}

func TestStorageError(t *testing.T) {
	base := assert.AnError
	err := NewInsertError("btcusd_1m", base)
	assert.EqualError(t, err, "storage operation insert on table btcusd_1m failed: "+base.Error())
	assert.ErrorIs(t, err, base)

	assert.EqualError(t, NewStorageError("close", "", "", base), "storage operation close failed: "+base.Error())
}
