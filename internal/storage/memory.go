package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// MemoryStorage is an in-memory CandleStore for tests and dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// series key -> unix seconds -> candle
	candles map[string]map[int64]models.Candle

	closed bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[string]map[int64]models.Candle),
	}
}

// Initialize implements CandleStore.
func (m *MemoryStorage) Initialize(_ context.Context, series models.SeriesID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", series.TableName(), "", errors.New("storage is closed"))
	}
	if _, ok := m.candles[series.Key()]; !ok {
		m.candles[series.Key()] = make(map[int64]models.Candle)
	}
	return nil
}

// Insert implements CandleStore.
func (m *MemoryStorage) Insert(_ context.Context, series models.SeriesID, candles []models.Candle) (int, error) {
	table := series.TableName()
	batch, err := prepareBatch(series, candles)
	if err != nil {
		return 0, NewInsertError(table, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewInsertError(table, errors.New("storage is closed"))
	}

	rows, ok := m.candles[series.Key()]
	if !ok {
		rows = make(map[int64]models.Candle)
		m.candles[series.Key()] = rows
	}

	inserted := 0
	for _, c := range batch {
		key := c.Timestamp.Unix()
		if _, exists := rows[key]; exists {
			continue
		}
		rows[key] = c
		inserted++
	}
	return inserted, nil
}

// Range implements CandleStore.
func (m *MemoryStorage) Range(_ context.Context, series models.SeriesID, start, end time.Time) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.candles[series.Key()]
	var result []models.Candle
	for _, key := range sortedKeys(rows) {
		c := rows[key]
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

// Latest implements CandleStore.
func (m *MemoryStorage) Latest(_ context.Context, series models.SeriesID) (*models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.candles[series.Key()]
	if len(rows) == 0 {
		return nil, nil
	}

	keys := sortedKeys(rows)
	latest := rows[keys[len(keys)-1]]
	return &latest, nil
}

// Count implements CandleStore.
func (m *MemoryStorage) Count(_ context.Context, series models.SeriesID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.candles[series.Key()])), nil
}

// Close implements CandleStore.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck implements HealthChecker.
func (m *MemoryStorage) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("health_check", "", "", errors.New("storage is closed"))
	}
	return nil
}

var (
	_ CandleStore   = (*MemoryStorage)(nil)
	_ HealthChecker = (*MemoryStorage)(nil)
)
