// Package cursor persists the per-series ingestion cursor: the timestamp of
// the newest candle known to be durably stored. It also provides the leases
// that keep two runs from advancing the same series at once.
package cursor

import (
	"context"
	"errors"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// ErrSeriesBusy is returned by a Locker when another run holds the series.
var ErrSeriesBusy = errors.New("series is being ingested by another run")

// Store loads and saves cursor records. Save is last-write-wins and atomic
// per series; a reader never observes a partially written record.
type Store interface {
	// Load returns the cursor of series. ok is false when no record exists.
	Load(ctx context.Context, series models.SeriesID) (last time.Time, ok bool, err error)

	// Save replaces the cursor of series with last.
	Save(ctx context.Context, series models.SeriesID, last time.Time) error
}

// Snapshotter lists every cursor record, keyed by SeriesID.Key().
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]time.Time, error)
}

// Lease is a held claim on a series.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases per series without blocking.
type Locker interface {
	// Acquire claims series or returns ErrSeriesBusy when it is held.
	Acquire(ctx context.Context, series models.SeriesID) (Lease, error)
}

// NextStart returns the first timestamp after the cursor.
func NextStart(series models.SeriesID, last time.Time) time.Time {
	return last.Add(series.Granularity.Duration()).UTC()
}
