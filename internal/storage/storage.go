// Package storage defines the candle store used by the ingestion engine and
// its backends. Every backend keeps one table or file per series with the
// timestamp as primary key, and inserts ignore rows whose timestamp is
// already stored.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// CandleStore persists candles per series.
type CandleStore interface {
	// Initialize creates the series table or file when missing and verifies
	// its schema. It is idempotent.
	Initialize(ctx context.Context, series models.SeriesID) error

	// Range returns candles with start <= timestamp < end, ascending.
	Range(ctx context.Context, series models.SeriesID, start, end time.Time) ([]models.Candle, error)

	// Latest returns the newest stored candle, or nil when the series is empty.
	Latest(ctx context.Context, series models.SeriesID) (*models.Candle, error)

	// Count returns the number of stored candles.
	Count(ctx context.Context, series models.SeriesID) (int64, error)

	// Insert stores candles whose timestamps are not stored yet and returns
	// how many rows were actually written. Existing rows are never replaced.
	Insert(ctx context.Context, series models.SeriesID, candles []models.Candle) (int, error)

	// Close releases backend resources.
	Close() error
}

// SchemaChecker is implemented by stores that can verify a series schema
// without writing.
type SchemaChecker interface {
	CheckSchema(ctx context.Context, series models.SeriesID) error
}

// HealthChecker provides health monitoring capabilities for storage backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// candleColumns is the column set every table-backed series must carry.
var candleColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the table or file involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// NewSchemaError creates a StorageError for a failed schema check.
func NewSchemaError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "schema_check",
		Table:     table,
		Err:       err,
	}
}

// prepareBatch validates candles against the series granularity and drops
// repeated timestamps, keeping the first occurrence. The result is ascending.
func prepareBatch(series models.SeriesID, candles []models.Candle) ([]models.Candle, error) {
	seen := make(map[int64]struct{}, len(candles))
	batch := make([]models.Candle, 0, len(candles))

	for i := range candles {
		c := candles[i]
		if err := c.Validate(series.Granularity); err != nil {
			return nil, fmt.Errorf("invalid candle at index %d: %w", i, err)
		}
		key := c.Timestamp.Unix()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		c.Timestamp = c.Timestamp.UTC()
		batch = append(batch, c)
	}

	models.SortCandles(batch)
	return batch, nil
}

// checkColumns reports the required candle columns missing from found.
func checkColumns(found []string) error {
	present := make(map[string]bool, len(found))
	for _, name := range found {
		present[name] = true
	}

	var missing []string
	for _, name := range candleColumns {
		if !present[name] {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing columns %v", missing)
	}
	return nil
}

// queryStats tracks recent query durations per operation.
type queryStats struct {
	mu    sync.Mutex
	times map[string][]time.Duration
}

func newQueryStats() *queryStats {
	return &queryStats{times: make(map[string][]time.Duration)}
}

// record keeps the last 100 measurements per operation.
func (q *queryStats) record(operation string, duration time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	times := q.times[operation]
	if len(times) >= 100 {
		times = times[1:]
	}
	q.times[operation] = append(times, duration)
}

// track returns a func that records the time elapsed since track was called.
func (q *queryStats) track(operation string) func() {
	start := time.Now()
	return func() {
		q.record(operation, time.Since(start))
	}
}

// averages returns the mean duration per operation.
func (q *queryStats) averages() map[string]time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make(map[string]time.Duration, len(q.times))
	for operation, times := range q.times {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		result[operation] = total / time.Duration(len(times))
	}
	return result
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
