package ingest

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_ObserveRequest(t *testing.T) {
	m := NewMetrics()

	m.ObserveRequest(http.StatusOK, 10*time.Millisecond, nil)
	m.ObserveRequest(http.StatusServiceUnavailable, 20*time.Millisecond, nil)
	m.ObserveRequest(http.StatusTooManyRequests, 30*time.Millisecond, nil)
	m.ObserveRequest(0, 0, errors.New("connection reset"))

	s := m.Snapshot()
	assert.EqualValues(t, 4, s.Requests)
	assert.EqualValues(t, 3, s.RequestErrors)
	assert.EqualValues(t, 1, s.RateLimitHits)
	assert.Equal(t, 15*time.Millisecond, s.AvgResponseTime)
}

func TestMetrics_ConcurrentUpdates(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.recordChunksPlanned(2)
			m.recordChunkFetched(10, 1)
			m.recordChunkSkipped()
			m.recordCandlesStored(9)
			m.recordSeries(nil)
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.EqualValues(t, 100, s.ChunksPlanned)
	assert.EqualValues(t, 50, s.ChunksFetched)
	assert.EqualValues(t, 50, s.ChunksSkipped)
	assert.EqualValues(t, 500, s.CandlesFetched)
	assert.EqualValues(t, 50, s.CandlesDropped)
	assert.EqualValues(t, 450, s.CandlesStored)
	assert.EqualValues(t, 50, s.SeriesSucceeded)

	m.recordSeries(errors.New("boom"))
	assert.EqualValues(t, 1, m.Snapshot().SeriesFailed)

	m.Reset()
	assert.Zero(t, m.Snapshot().ChunksPlanned)
	assert.Zero(t, m.Snapshot().SeriesFailed)
}
