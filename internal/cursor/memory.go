package cursor

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// MemoryStore keeps cursors in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]time.Time
}

// NewMemoryStore creates an empty in-memory cursor store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]time.Time)}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, series models.SeriesID) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.cursors[series.Key()]
	return last, ok, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, series models.SeriesID, last time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[series.Key()] = last.UTC()
	return nil
}

// Snapshot implements Snapshotter.
func (s *MemoryStore) Snapshot(ctx context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.cursors), nil
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ Snapshotter = (*MemoryStore)(nil)
)
