// Package merge reconciles freshly fetched candles with rows already stored
// for a series. Stored rows always win: a timestamp, once persisted, is never
// replaced by a later fetch.
package merge

import (
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Result is the outcome of reconciling one batch.
type Result struct {
	// Merged is existing plus New, ascending and unique by timestamp
	Merged []models.Candle

	// New holds the batch rows whose timestamps were not stored, ascending
	New []models.Candle

	// NewCount is len(New); zero means the caller must not write
	NewCount int

	// Duplicates counts batch rows dropped because their timestamp repeated
	// inside the batch or already existed
	Duplicates int

	// Gaps lists missing expected timestamps inside the merged range
	Gaps []models.Gap
}

// Reconciler merges batches into stored rows.
type Reconciler struct {
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger}
}

// Reconcile merges batch into existing. Within the batch the first row for a
// timestamp wins; against existing the stored row wins. Neither input needs
// to be sorted and neither is modified.
func (r *Reconciler) Reconcile(series models.SeriesID, existing, batch []models.Candle) Result {
	merged, fresh, duplicates := Union(existing, batch)

	result := Result{
		Merged:     merged,
		New:        fresh,
		NewCount:   len(fresh),
		Duplicates: duplicates,
		Gaps:       DetectGaps(series, merged),
	}

	if len(result.Gaps) > 0 {
		missing := 0
		for _, g := range result.Gaps {
			missing += g.Missing
		}
		r.logger.Warn("gaps detected in merged range",
			"series", series.Key(),
			"gaps", len(result.Gaps),
			"missing_candles", missing)
	}

	r.logger.Debug("batch reconciled",
		"series", series.Key(),
		"existing", len(existing),
		"batch", len(batch),
		"new", result.NewCount,
		"duplicates", duplicates)

	return result
}

// Union returns existing plus the batch rows whose timestamps are not in
// existing, ascending and unique, along with those added rows and the number
// of batch rows dropped as duplicates. The first batch row for a timestamp
// wins over later ones.
func Union(existing, batch []models.Candle) (merged, fresh []models.Candle, duplicates int) {
	stored := make(map[int64]struct{}, len(existing)+len(batch))
	merged = make([]models.Candle, 0, len(existing)+len(batch))

	for _, c := range existing {
		key := c.Timestamp.Unix()
		if _, dup := stored[key]; dup {
			continue
		}
		stored[key] = struct{}{}
		merged = append(merged, c)
	}

	for _, c := range batch {
		key := c.Timestamp.Unix()
		if _, dup := stored[key]; dup {
			duplicates++
			continue
		}
		stored[key] = struct{}{}
		fresh = append(fresh, c)
	}

	models.SortCandles(fresh)
	merged = append(merged, fresh...)
	models.SortCandles(merged)
	return merged, fresh, duplicates
}

// Verify checks that a reloaded row count matches what was written.
func Verify(merged []models.Candle, reloadedCount int) error {
	if reloadedCount != len(merged) {
		return fmt.Errorf("verification failed: expected %d rows, found %d", len(merged), reloadedCount)
	}
	return nil
}

// CheckOrdered returns an error unless candles are strictly ascending.
func CheckOrdered(candles []models.Candle) error {
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return fmt.Errorf("candles not strictly ascending at index %d: %s after %s",
				i, candles[i].Timestamp, candles[i-1].Timestamp)
		}
	}
	return nil
}
