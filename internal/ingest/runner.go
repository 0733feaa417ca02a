package ingest

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	applog "github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// DefaultConcurrency is the number of series ingested at once.
const DefaultConcurrency = 2

// Status summarises a batch of series runs.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// RunSummary collects the reports of one batch, in the order the series
// were given.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Reports    []*SeriesReport `json:"reports"`
}

// Status is success when every series completed without skipped chunks,
// failed when every series failed and partial otherwise.
func (s *RunSummary) Status() Status {
	failed, degraded := 0, 0
	for _, r := range s.Reports {
		switch {
		case r.Failed():
			failed++
		case len(r.Skipped) > 0:
			degraded++
		}
	}

	switch {
	case len(s.Reports) > 0 && failed == len(s.Reports):
		return StatusFailed
	case failed > 0 || degraded > 0:
		return StatusPartial
	default:
		return StatusSuccess
	}
}

// Interrupted reports whether any series stopped because of cancellation.
func (s *RunSummary) Interrupted() bool {
	for _, r := range s.Reports {
		if r.Failed() && ierrors.IsType(r.Err, ierrors.ErrorTypeCanceled) {
			return true
		}
	}
	return false
}

// Totals adds up the per-series counts.
func (s *RunSummary) Totals() (fetched, stored, skipped, gaps int) {
	for _, r := range s.Reports {
		fetched += r.Fetched
		stored += r.Stored
		skipped += len(r.Skipped)
		gaps += len(r.Gaps)
	}
	return fetched, stored, skipped, gaps
}

// Runner fans series out to an Engine with bounded concurrency. A failing
// series never stops the others.
type Runner struct {
	engine      *Engine
	concurrency int
	logger      *slog.Logger
}

// NewRunner creates a runner. A non-positive concurrency falls back to
// DefaultConcurrency.
func NewRunner(engine *Engine, concurrency int, logger *slog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{engine: engine, concurrency: concurrency, logger: logger}
}

// RunAll ingests every series once with opts. All series share one run ID.
func (r *Runner) RunAll(ctx context.Context, series []models.SeriesID, opts RunOptions) *RunSummary {
	return r.each(ctx, series, opts.RunID, "run", func(ctx context.Context, s models.SeriesID, runID string) (*SeriesReport, error) {
		o := opts
		o.RunID = runID
		return r.engine.Run(ctx, s, o)
	})
}

// BackfillAll re-requests the skipped chunks of every series.
func (r *Runner) BackfillAll(ctx context.Context, series []models.SeriesID, runID string) *RunSummary {
	return r.each(ctx, series, runID, "backfill", r.engine.Backfill)
}

func (r *Runner) each(
	ctx context.Context,
	series []models.SeriesID,
	runID string,
	operation string,
	do func(ctx context.Context, s models.SeriesID, runID string) (*SeriesReport, error),
) *RunSummary {
	if runID == "" {
		runID = applog.NewRunID()
	}
	summary := &RunSummary{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Reports:   make([]*SeriesReport, len(series)),
	}

	logCtx := applog.WithOperation(applog.WithRunID(ctx, runID), operation)
	r.logger.InfoContext(logCtx, "starting batch",
		"series", len(series),
		"concurrency", r.concurrency)

	var group errgroup.Group
	group.SetLimit(r.concurrency)

	for i, s := range series {
		group.Go(func() error {
			// series not yet started when the batch is canceled are reported, not run
			if err := ctx.Err(); err != nil {
				summary.Reports[i] = &SeriesReport{
					RunID:  runID,
					Series: s,
					State:  StateFailed,
					Err:    ierrors.New(ierrors.ErrorTypeCanceled, "runner", operation, err),
					Error:  err.Error(),
				}
				return nil
			}
			report, _ := do(ctx, s, runID)
			summary.Reports[i] = report
			return nil
		})
	}
	_ = group.Wait()

	summary.FinishedAt = time.Now().UTC()
	fetched, stored, skipped, gaps := summary.Totals()
	r.logger.InfoContext(logCtx, "batch completed",
		"status", summary.Status(),
		"fetched", fetched,
		"stored", stored,
		"skipped_chunks", skipped,
		"gaps", gaps,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))

	return summary
}
