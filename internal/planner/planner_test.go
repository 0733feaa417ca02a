package planner

import (
	"testing"
	"time"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/granularity"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSeries(t *testing.T, s string) models.SeriesID {
	t.Helper()
	series, err := models.ParseSeries(s)
	require.NoError(t, err)
	return series
}

func collect(p *Plan) []models.Chunk {
	var chunks []models.Chunk
	for c := range p.All() {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestPlanner_Plan(t *testing.T) {
	p := New(DefaultMaxCandles, DefaultFloors())
	series := mustSeries(t, "BTC-USD:1m")

	t.Run("floor clamp for one minute candles", func(t *testing.T) {
		start := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2017, 1, 1, 10, 0, 0, 0, time.UTC)

		plan, err := p.Plan(series, start, end)
		require.NoError(t, err)

		chunks := collect(plan)
		require.Len(t, chunks, 2)
		assert.Equal(t, time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), chunks[0].Start)
		assert.Equal(t, time.Date(2017, 1, 1, 5, 0, 0, 0, time.UTC), chunks[0].End)
		assert.Equal(t, chunks[0].End, chunks[1].Start)
		assert.Equal(t, end, chunks[1].End)
	})

	t.Run("start is aligned down to the granularity", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 37, 0, time.UTC)
		end := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)

		plan, err := p.Plan(series, start, end)
		require.NoError(t, err)

		chunk, ok := plan.Next()
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), chunk.Start)
		assert.Equal(t, end, chunk.End)

		_, ok = plan.Next()
		assert.False(t, ok)
	})

	t.Run("chunks cover the window without overlap", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.Add(1234 * time.Minute)

		plan, err := p.Plan(series, start, end)
		require.NoError(t, err)
		assert.Equal(t, 5, plan.Len())

		chunks := collect(plan)
		require.Len(t, chunks, 5)
		assert.Equal(t, start, chunks[0].Start)
		for i, c := range chunks {
			assert.Equal(t, i, c.Index)
			assert.LessOrEqual(t, c.Duration(), 300*time.Minute)
			if i > 0 {
				assert.Equal(t, chunks[i-1].End, c.Start)
			}
		}
		assert.Equal(t, end, chunks[len(chunks)-1].End)
	})

	t.Run("empty window yields no chunks", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		plan, err := p.Plan(series, start, start)
		require.NoError(t, err)
		assert.Equal(t, 0, plan.Len())
		assert.Empty(t, collect(plan))
	})

	t.Run("window entirely before the floor yields no chunks", func(t *testing.T) {
		plan, err := p.Plan(series,
			time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Empty(t, collect(plan))
	})

	t.Run("end before start is an invalid range", func(t *testing.T) {
		start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		_, err := p.Plan(series, start, start.Add(-time.Hour))
		require.Error(t, err)
		assert.True(t, ierrors.IsType(err, ierrors.ErrorTypeInvalidRange))
	})

	t.Run("chunk span overflowing a duration is rejected", func(t *testing.T) {
		start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		_, err := p.Plan(mustSeries(t, "BTC-USD:400d"), start, start.AddDate(3, 0, 0))
		require.Error(t, err)
		assert.True(t, ierrors.IsType(err, ierrors.ErrorTypeInvalidGranularity))
	})

	t.Run("wide granularity stays finite and ordered", func(t *testing.T) {
		start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(3, 0, 0)

		plan, err := p.Plan(mustSeries(t, "BTC-USD:30d"), start, end)
		require.NoError(t, err)
		assert.Equal(t, 1, plan.Len())

		chunks := collect(plan)
		require.Len(t, chunks, 1)
		assert.False(t, chunks[0].Start.After(start))
		assert.Equal(t, end, chunks[0].End)
	})

	t.Run("early stop from range loop", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		plan, err := p.Plan(series, start, start.Add(24*time.Hour))
		require.NoError(t, err)

		for c := range plan.All() {
			assert.Equal(t, 0, c.Index)
			break
		}
		next, ok := plan.Next()
		require.True(t, ok)
		assert.Equal(t, 1, next.Index)
	})
}

func TestFloors_For(t *testing.T) {
	floors := DefaultFloors()

	assert.Equal(t, 2017, floors.For(granularity.OneMinute).Year())
	assert.Equal(t, 2016, floors.For(granularity.FiveMinutes).Year())
	assert.Equal(t, 2015, floors.For(granularity.OneHour).Year())
	assert.Equal(t, 2015, floors.For(granularity.OneDay).Year())
}

func TestPlanner_ClampStart(t *testing.T) {
	p := New(0, DefaultFloors())
	assert.Equal(t, DefaultMaxCandles, p.MaxCandles())

	series := mustSeries(t, "ETH-USD:5m")
	early := time.Date(2014, 6, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC), p.ClampStart(series, early))
	assert.Equal(t, late, p.ClampStart(series, late))
}
