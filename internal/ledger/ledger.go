// Package ledger persists chunks that were abandoned after retry exhaustion so
// a later backfill can re-request them.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// ErrNotFound is returned by Resolve for an unknown id.
var ErrNotFound = errors.New("skipped chunk not found")

// Ledger records skipped chunks. A chunk is identified by its series and
// start; recording it again adds to its attempts and reopens it.
type Ledger interface {
	Record(ctx context.Context, chunk models.SkippedChunk) error

	// Pending returns unresolved chunks for seriesKey ordered by start, or
	// for every series when seriesKey is empty.
	Pending(ctx context.Context, seriesKey string) ([]models.SkippedChunk, error)

	Resolve(ctx context.Context, id string, at time.Time) error
}
