package ingest

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks ingestion counters across runs. It is safe for concurrent
// use and doubles as the upstream client's RequestObserver.
type Metrics struct {
	// Upstream round trips, retries included
	requests          int64
	requestErrors     int64
	rateLimitHits     int64
	totalResponseTime int64 // nanoseconds

	chunksPlanned int64
	chunksFetched int64
	chunksSkipped int64

	candlesFetched int64
	candlesDropped int64
	candlesStored  int64

	seriesSucceeded int64
	seriesFailed    int64

	startTime time.Time
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Requests        int64         `json:"requests"`
	RequestErrors   int64         `json:"request_errors"`
	RateLimitHits   int64         `json:"rate_limit_hits"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ChunksPlanned   int64         `json:"chunks_planned"`
	ChunksFetched   int64         `json:"chunks_fetched"`
	ChunksSkipped   int64         `json:"chunks_skipped"`
	CandlesFetched  int64         `json:"candles_fetched"`
	CandlesDropped  int64         `json:"candles_dropped"`
	CandlesStored   int64         `json:"candles_stored"`
	SeriesSucceeded int64         `json:"series_succeeded"`
	SeriesFailed    int64         `json:"series_failed"`
	Uptime          time.Duration `json:"uptime"`
}

// NewMetrics creates zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// ObserveRequest records one upstream round trip.
func (m *Metrics) ObserveRequest(status int, latency time.Duration, err error) {
	atomic.AddInt64(&m.requests, 1)
	atomic.AddInt64(&m.totalResponseTime, latency.Nanoseconds())
	if err != nil || status >= http.StatusBadRequest {
		atomic.AddInt64(&m.requestErrors, 1)
	}
	if status == http.StatusTooManyRequests {
		atomic.AddInt64(&m.rateLimitHits, 1)
	}
}

func (m *Metrics) recordChunksPlanned(n int) {
	atomic.AddInt64(&m.chunksPlanned, int64(n))
}

func (m *Metrics) recordChunkFetched(candles, dropped int) {
	atomic.AddInt64(&m.chunksFetched, 1)
	atomic.AddInt64(&m.candlesFetched, int64(candles))
	atomic.AddInt64(&m.candlesDropped, int64(dropped))
}

func (m *Metrics) recordChunkSkipped() {
	atomic.AddInt64(&m.chunksSkipped, 1)
}

func (m *Metrics) recordCandlesStored(n int) {
	atomic.AddInt64(&m.candlesStored, int64(n))
}

func (m *Metrics) recordSeries(err error) {
	if err != nil {
		atomic.AddInt64(&m.seriesFailed, 1)
		return
	}
	atomic.AddInt64(&m.seriesSucceeded, 1)
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	requests := atomic.LoadInt64(&m.requests)
	totalResponseTime := atomic.LoadInt64(&m.totalResponseTime)

	var avgResponseTime time.Duration
	if requests > 0 {
		avgResponseTime = time.Duration(totalResponseTime / requests)
	}

	return MetricsSnapshot{
		Requests:        requests,
		RequestErrors:   atomic.LoadInt64(&m.requestErrors),
		RateLimitHits:   atomic.LoadInt64(&m.rateLimitHits),
		AvgResponseTime: avgResponseTime,
		ChunksPlanned:   atomic.LoadInt64(&m.chunksPlanned),
		ChunksFetched:   atomic.LoadInt64(&m.chunksFetched),
		ChunksSkipped:   atomic.LoadInt64(&m.chunksSkipped),
		CandlesFetched:  atomic.LoadInt64(&m.candlesFetched),
		CandlesDropped:  atomic.LoadInt64(&m.candlesDropped),
		CandlesStored:   atomic.LoadInt64(&m.candlesStored),
		SeriesSucceeded: atomic.LoadInt64(&m.seriesSucceeded),
		SeriesFailed:    atomic.LoadInt64(&m.seriesFailed),
		Uptime:          time.Since(m.startTime),
	}
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	for _, counter := range []*int64{
		&m.requests, &m.requestErrors, &m.rateLimitHits, &m.totalResponseTime,
		&m.chunksPlanned, &m.chunksFetched, &m.chunksSkipped,
		&m.candlesFetched, &m.candlesDropped, &m.candlesStored,
		&m.seriesSucceeded, &m.seriesFailed,
	} {
		atomic.StoreInt64(counter, 0)
	}
}
