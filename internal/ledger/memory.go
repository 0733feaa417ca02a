package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// MemoryLedger is an in-process Ledger for tests and dry runs.
type MemoryLedger struct {
	mu     sync.Mutex
	chunks map[string]*models.SkippedChunk // by id
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{chunks: make(map[string]*models.SkippedChunk)}
}

// Record implements Ledger.
func (l *MemoryLedger) Record(_ context.Context, chunk models.SkippedChunk) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if chunk.RecordedAt.IsZero() {
		chunk.RecordedAt = time.Now().UTC()
	}

	for _, existing := range l.chunks {
		if existing.SeriesKey == chunk.SeriesKey && existing.Start.Equal(chunk.Start) {
			existing.Attempts += chunk.Attempts
			existing.RunID = chunk.RunID
			existing.End = chunk.End
			existing.Reason = chunk.Reason
			existing.RecordedAt = chunk.RecordedAt
			existing.ResolvedAt = nil
			return nil
		}
	}

	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	chunk.ResolvedAt = nil
	l.chunks[chunk.ID] = &chunk
	return nil
}

// Pending implements Ledger.
func (l *MemoryLedger) Pending(_ context.Context, seriesKey string) ([]models.SkippedChunk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.SkippedChunk
	for _, c := range l.chunks {
		if c.IsResolved() || (seriesKey != "" && c.SeriesKey != seriesKey) {
			continue
		}
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SeriesKey != out[j].SeriesKey {
			return out[i].SeriesKey < out[j].SeriesKey
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// Resolve implements Ledger.
func (l *MemoryLedger) Resolve(_ context.Context, id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chunks[id]
	if !ok {
		return fmt.Errorf("resolve skipped chunk %s: %w", id, ErrNotFound)
	}
	at = at.UTC()
	c.ResolvedAt = &at
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
