// Package ingest drives one ingestion run per series: it loads the cursor,
// plans the window into bounded chunks, fetches them one at a time, merges
// the result with stored rows and advances the cursor only over data that is
// durably stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-ohlcv-ingest/internal/cursor"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingest/internal/ledger"
	applog "github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/merge"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/planner"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// DefaultMaxWindow bounds how far one run reaches past the cursor.
const DefaultMaxWindow = 7 * 24 * time.Hour

// ErrLedgerDisabled is returned by Backfill when no ledger is configured.
var ErrLedgerDisabled = errors.New("skipped-chunk ledger is disabled")

// Config configures window selection.
type Config struct {
	// MaxWindow caps the span of one run; zero means unlimited
	MaxWindow time.Duration

	// Lookback is the window used for a series without a cursor. Zero starts
	// at the historical floor.
	Lookback time.Duration

	// BootstrapFromStore seeds a missing cursor from the newest stored candle
	BootstrapFromStore bool

	// Now returns the current time; nil uses time.Now
	Now func() time.Time
}

// Deps are the collaborators of an Engine. Fetcher, Store and Cursors are
// required.
type Deps struct {
	Fetcher    exchange.CandleFetcher
	Store      storage.CandleStore
	Cursors    cursor.Store
	Locker     cursor.Locker    // defaults to a process-local locker
	Ledger     ledger.Ledger    // nil disables skip recording and backfill
	Planner    *planner.Planner // defaults to planner.New(0, planner.DefaultFloors())
	Reconciler *merge.Reconciler
	Metrics    *Metrics
	Logger     *slog.Logger
}

// RunOptions adjust a single run.
type RunOptions struct {
	// RunID tags logs, reports and ledger entries; generated when empty
	RunID string

	// Lookback overrides Config.Lookback when positive
	Lookback time.Duration

	// Start replaces the cursor-derived start when set
	Start time.Time

	// End replaces the current interval boundary when set. It never reaches
	// past the last closed interval.
	End time.Time
}

// SeriesReport describes the outcome of one run or backfill of a series.
type SeriesReport struct {
	RunID  string          `json:"run_id"`
	Series models.SeriesID `json:"series"`

	// Requested window after clamping and capping
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Capped   bool      `json:"capped,omitempty"`
	UpToDate bool      `json:"up_to_date,omitempty"`

	ChunksPlanned int                   `json:"chunks_planned"`
	ChunksFetched int                   `json:"chunks_fetched"`
	Skipped       []models.SkippedChunk `json:"skipped,omitempty"`
	Resolved      int                   `json:"resolved,omitempty"`

	Fetched    int          `json:"fetched"`
	Dropped    int          `json:"dropped"`
	Duplicates int          `json:"duplicates"`
	Stored     int          `json:"stored"`
	Gaps       []models.Gap `json:"gaps,omitempty"`

	PreviousCursor time.Time `json:"previous_cursor,omitempty"`
	Cursor         time.Time `json:"cursor,omitempty"`
	CursorMoved    bool      `json:"cursor_moved"`
	Bootstrapped   bool      `json:"bootstrapped,omitempty"`

	State    State         `json:"state"`
	Path     []State       `json:"path"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// Failed reports whether the series ended in StateFailed.
func (r *SeriesReport) Failed() bool {
	return r.Err != nil
}

// Engine runs the ingestion state machine for individual series.
type Engine struct {
	config     Config
	fetcher    exchange.CandleFetcher
	store      storage.CandleStore
	cursors    cursor.Store
	locker     cursor.Locker
	ledger     ledger.Ledger
	planner    *planner.Planner
	reconciler *merge.Reconciler
	metrics    *Metrics
	logger     *slog.Logger
}

// NewEngine creates an engine. It returns an error when a required
// dependency is missing.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("ingest: fetcher is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("ingest: candle store is required")
	}
	if deps.Cursors == nil {
		return nil, fmt.Errorf("ingest: cursor store is required")
	}
	if cfg.MaxWindow < 0 || cfg.Lookback < 0 {
		return nil, fmt.Errorf("ingest: max window and lookback must not be negative")
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = cursor.NewLocalLocker()
	}
	if deps.Planner == nil {
		deps.Planner = planner.New(0, planner.DefaultFloors())
	}
	if deps.Reconciler == nil {
		deps.Reconciler = merge.NewReconciler(deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	return &Engine{
		config:     cfg,
		fetcher:    deps.Fetcher,
		store:      deps.Store,
		cursors:    deps.Cursors,
		locker:     deps.Locker,
		ledger:     deps.Ledger,
		planner:    deps.Planner,
		reconciler: deps.Reconciler,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}, nil
}

// Metrics returns the engine counters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// run holds the state shared by the steps of one Run or Backfill.
type run struct {
	engine  *Engine
	ctx     context.Context
	series  models.SeriesID
	machine *machine
	report  *SeriesReport
	started time.Time
	lease   cursor.Lease
}

func (e *Engine) begin(ctx context.Context, series models.SeriesID, runID string) *run {
	if runID == "" {
		runID = applog.NewRunID()
	}
	ctx = applog.WithSeries(applog.WithRunID(ctx, runID), series.Key())

	return &run{
		engine:  e,
		ctx:     ctx,
		series:  series,
		machine: newMachine(),
		report:  &SeriesReport{RunID: runID, Series: series},
		started: time.Now(),
	}
}

// finish stamps the report and releases the lease.
func (r *run) finish(err error) (*SeriesReport, error) {
	if err != nil {
		r.machine.fail()
		r.report.Err = err
		r.report.Error = err.Error()
		r.engine.logger.ErrorContext(r.ctx, "series ingestion failed",
			"state", r.machine.path[len(r.machine.path)-2],
			"error_type", ierrors.GetErrorType(err),
			"error", err)
	}

	if r.lease != nil {
		// release even when the run was canceled
		if releaseErr := r.lease.Release(context.WithoutCancel(r.ctx)); releaseErr != nil {
			r.engine.logger.WarnContext(r.ctx, "failed to release series lease", "error", releaseErr)
		}
	}

	r.report.State = r.machine.state
	r.report.Path = r.machine.path
	r.report.Duration = time.Since(r.started)
	r.engine.metrics.recordSeries(err)
	return r.report, err
}

// acquire takes the series lease, prepares storage and loads the cursor.
func (r *run) acquire() (last time.Time, ok bool, err error) {
	e, key := r.engine, r.series.Key()

	if err := r.series.Granularity.Validate(); err != nil {
		return time.Time{}, false, err
	}

	lease, err := e.locker.Acquire(r.ctx, r.series)
	if err != nil {
		return time.Time{}, false, ierrors.NewCursorError("acquire", key, err)
	}
	r.lease = lease

	if err := e.store.Initialize(r.ctx, r.series); err != nil {
		return time.Time{}, false, ierrors.NewStorageWriteError(key, err)
	}

	last, ok, err = e.cursors.Load(r.ctx, r.series)
	if err != nil {
		return time.Time{}, false, ierrors.NewCursorError("load", key, err)
	}

	if !ok && e.config.BootstrapFromStore {
		latest, err := e.store.Latest(r.ctx, r.series)
		if err != nil {
			return time.Time{}, false, ierrors.NewStorageWriteError(key, fmt.Errorf("bootstrap cursor: %w", err))
		}
		if latest != nil {
			last, ok = latest.Timestamp.UTC(), true
			r.report.Bootstrapped = true
			e.logger.InfoContext(r.ctx, "cursor bootstrapped from stored data", "cursor", last)
		}
	}

	if ok {
		r.report.PreviousCursor = last
		r.report.Cursor = last
	}
	r.machine.to(StateCursorLoaded)
	return last, ok, nil
}

// Run ingests the window after the series cursor. The returned report is
// never nil; the error is non-nil when the series failed, in which case the
// cursor was not moved past anything the run did not store.
func (e *Engine) Run(ctx context.Context, series models.SeriesID, opts RunOptions) (*SeriesReport, error) {
	r := e.begin(ctx, series, opts.RunID)

	last, hasCursor, err := r.acquire()
	if err != nil {
		return r.finish(err)
	}

	start, end, capped, err := e.window(series, last, hasCursor, opts)
	if err != nil {
		return r.finish(err)
	}
	r.report.Start, r.report.End, r.report.Capped = start, end, capped
	r.machine.to(StateChunking)

	if !start.Before(end) {
		r.report.UpToDate = true
		e.logger.InfoContext(r.ctx, "series is up to date", "cursor", last)
		r.machine.to(StateReconciling)
		r.machine.to(StateCursorAdvanced)
		return r.finish(nil)
	}

	horizon := e.horizon(series, opts)
	for {
		plan, err := e.planner.Plan(series, start, end)
		if err != nil {
			return r.finish(err)
		}
		r.report.ChunksPlanned += plan.Len()
		e.metrics.recordChunksPlanned(plan.Len())

		e.logger.InfoContext(r.ctx, "starting series ingestion",
			"start", plan.Start,
			"end", plan.End,
			"chunks", plan.Len(),
			"capped", capped)

		fetched, _, err := r.fetchAll(plan.All())
		if err != nil {
			return r.finish(err)
		}

		// a capped window the provider has no rows for (before the listing
		// date or inside a long outage) would otherwise be planned again by
		// every later run
		if len(fetched) == 0 && capped && len(r.report.Skipped) == 0 && end.Before(horizon) {
			e.logger.InfoContext(r.ctx, "capped window is empty upstream, moving on",
				"start", start, "end", end)
			start = end
			end, capped = e.capWindow(series, start, horizon)
			r.report.End, r.report.Capped = end, capped
			continue
		}

		if err := r.persist(plan.Start, plan.End, fetched, last, hasCursor); err != nil {
			return r.finish(err)
		}
		break
	}

	e.logger.InfoContext(r.ctx, "series ingestion completed",
		"fetched", r.report.Fetched,
		"stored", r.report.Stored,
		"skipped_chunks", len(r.report.Skipped),
		"gaps", len(r.report.Gaps),
		"cursor", r.report.Cursor)

	return r.finish(nil)
}

// Backfill re-requests the unresolved skipped chunks of series and resolves
// those whose candles are stored. Chunks that fail again stay pending with
// their attempts increased. The cursor only ever moves forward.
func (e *Engine) Backfill(ctx context.Context, series models.SeriesID, runID string) (*SeriesReport, error) {
	r := e.begin(ctx, series, runID)

	if e.ledger == nil {
		return r.finish(ierrors.New(ierrors.ErrorTypeConfiguration, "engine", "backfill", ErrLedgerDisabled))
	}

	last, hasCursor, err := r.acquire()
	if err != nil {
		return r.finish(err)
	}

	pending, err := e.ledger.Pending(r.ctx, series.Key())
	if err != nil {
		return r.finish(ierrors.New(ierrors.ErrorTypeInternal, "ledger", "pending", err))
	}
	r.machine.to(StateChunking)
	r.report.ChunksPlanned = len(pending)
	e.metrics.recordChunksPlanned(len(pending))

	if len(pending) == 0 {
		r.report.UpToDate = true
		r.machine.to(StateReconciling)
		r.machine.to(StateCursorAdvanced)
		return r.finish(nil)
	}

	e.logger.InfoContext(r.ctx, "starting backfill", "pending_chunks", len(pending))

	chunks := func(yield func(models.Chunk) bool) {
		for i, p := range pending {
			chunk := p.Chunk()
			chunk.Index = i
			if !yield(chunk) {
				return
			}
		}
	}

	fetched, succeeded, err := r.fetchAll(chunks)
	if err != nil {
		return r.finish(err)
	}

	windowStart, windowEnd := pending[0].Start, pending[0].End
	for _, i := range succeeded {
		if pending[i].Start.Before(windowStart) {
			windowStart = pending[i].Start
		}
		if pending[i].End.After(windowEnd) {
			windowEnd = pending[i].End
		}
	}
	r.report.Start, r.report.End = windowStart, windowEnd

	if err := r.persist(windowStart, windowEnd, fetched, last, hasCursor); err != nil {
		return r.finish(err)
	}

	// the candles are durable, so every fetched chunk is resolved even if
	// the provider returned nothing for it
	resolvedAt := e.config.Now().UTC()
	for _, i := range succeeded {
		if err := e.ledger.Resolve(r.ctx, pending[i].ID, resolvedAt); err != nil {
			e.logger.WarnContext(r.ctx, "failed to resolve skipped chunk",
				"id", pending[i].ID, "error", err)
			continue
		}
		r.report.Resolved++
	}

	e.logger.InfoContext(r.ctx, "backfill completed",
		"resolved", r.report.Resolved,
		"still_pending", len(pending)-r.report.Resolved,
		"stored", r.report.Stored)

	return r.finish(nil)
}

// window derives the half-open request window of a run. start and end are
// equal or start is after end when the series is up to date.
func (e *Engine) window(series models.SeriesID, last time.Time, hasCursor bool, opts RunOptions) (start, end time.Time, capped bool, err error) {
	g := series.Granularity
	now := e.config.Now().UTC()
	end = e.horizon(series, opts)

	lookback := e.config.Lookback
	if opts.Lookback > 0 {
		lookback = opts.Lookback
	}

	switch {
	case !opts.Start.IsZero():
		start = opts.Start.UTC()
		if !opts.End.IsZero() && opts.End.Before(opts.Start) {
			return time.Time{}, time.Time{}, false, ierrors.NewInvalidRange(opts.Start, opts.End)
		}
	case hasCursor:
		start = cursor.NextStart(series, last)
	case lookback > 0:
		start = now.Add(-lookback)
	default:
		start = e.planner.Floor(series)
	}

	start = g.Floor(e.planner.ClampStart(series, start))
	end, capped = e.capWindow(series, start, end)
	return start, end, capped, nil
}

// horizon is the uncapped end of a run: the start of the candle in progress,
// or the explicit end when that is earlier.
func (e *Engine) horizon(series models.SeriesID, opts RunOptions) time.Time {
	end := series.Granularity.Floor(e.config.Now().UTC())
	if !opts.End.IsZero() && opts.End.Before(end) {
		end = opts.End.UTC()
	}
	return end
}

// capWindow limits [start, end) to MaxWindow. A capped window always covers
// at least one interval.
func (e *Engine) capWindow(series models.SeriesID, start, end time.Time) (time.Time, bool) {
	if e.config.MaxWindow <= 0 || end.Sub(start) <= e.config.MaxWindow {
		return end, false
	}

	g := series.Granularity
	limit := g.Floor(start.Add(e.config.MaxWindow))
	if !limit.After(start) {
		limit = start.Add(g.Duration())
	}
	return limit, true
}

// fetchAll requests chunks strictly in order. Chunks whose retries are
// exhausted are skipped and recorded; any other upstream failure stops the
// series. It returns the accepted candles and the indices of the chunks
// that succeeded.
func (r *run) fetchAll(chunks iter.Seq[models.Chunk]) ([]models.Candle, []int, error) {
	e := r.engine
	var (
		fetched   []models.Candle
		succeeded []int
	)

	for chunk := range chunks {
		if err := r.ctx.Err(); err != nil {
			return nil, nil, ierrors.New(ierrors.ErrorTypeCanceled, "engine", "fetch", err)
		}
		r.machine.to(StateFetching)

		chunkCtx := applog.WithChunk(r.ctx, chunk.Index)
		candles, err := e.fetcher.FetchChunk(chunkCtx, r.series, chunk)
		if err != nil {
			if r.ctx.Err() != nil || ierrors.IsType(err, ierrors.ErrorTypeCanceled) {
				return nil, nil, ierrors.New(ierrors.ErrorTypeCanceled, "engine", "fetch", err)
			}
			if ierrors.IsRetryable(err) {
				r.machine.to(StateAbortedChunk)
				r.skip(chunkCtx, chunk, err)
				continue
			}
			return nil, nil, err
		}

		kept, dropped := r.accept(chunkCtx, chunk, candles)
		e.metrics.recordChunkFetched(len(kept), dropped)
		r.report.ChunksFetched++
		r.report.Fetched += len(kept)
		r.report.Dropped += dropped
		fetched = append(fetched, kept...)
		succeeded = append(succeeded, chunk.Index)

		e.logger.DebugContext(chunkCtx, "chunk fetched",
			"start", chunk.Start,
			"end", chunk.End,
			"candles", len(kept),
			"dropped", dropped)
	}

	if err := r.ctx.Err(); err != nil {
		return nil, nil, ierrors.New(ierrors.ErrorTypeCanceled, "engine", "fetch", err)
	}
	return fetched, succeeded, nil
}

// accept drops rows outside the chunk and rows that cannot be stored.
func (r *run) accept(ctx context.Context, chunk models.Chunk, candles []models.Candle) ([]models.Candle, int) {
	kept := make([]models.Candle, 0, len(candles))
	for i := range candles {
		c := candles[i]
		if !chunk.Contains(c.Timestamp) {
			r.engine.logger.WarnContext(ctx, "dropping candle outside requested chunk",
				"timestamp", c.Timestamp, "chunk_start", chunk.Start, "chunk_end", chunk.End)
			continue
		}
		if err := c.Validate(r.series.Granularity); err != nil {
			r.engine.logger.WarnContext(ctx, "dropping invalid candle",
				"timestamp", c.Timestamp, "error", err)
			continue
		}
		kept = append(kept, c)
	}
	return kept, len(candles) - len(kept)
}

// skip records a chunk abandoned after its retries were exhausted.
func (r *run) skip(ctx context.Context, chunk models.Chunk, cause error) {
	e := r.engine
	attempts := ierrors.Attempts(cause)
	if attempts == 0 {
		attempts = 1
	}

	skipped := models.SkippedChunk{
		ID:         uuid.NewString(),
		RunID:      r.report.RunID,
		SeriesKey:  r.series.Key(),
		Start:      chunk.Start,
		End:        chunk.End,
		Attempts:   attempts,
		Reason:     cause.Error(),
		RecordedAt: e.config.Now().UTC(),
	}
	r.report.Skipped = append(r.report.Skipped, skipped)
	e.metrics.recordChunkSkipped()

	e.logger.WarnContext(ctx, "chunk skipped after retries exhausted",
		"start", chunk.Start,
		"end", chunk.End,
		"attempts", attempts,
		"status", ierrors.StatusCode(cause),
		"error", cause)

	if e.ledger == nil {
		return
	}
	if err := e.ledger.Record(context.WithoutCancel(ctx), skipped); err != nil {
		e.logger.ErrorContext(ctx, "failed to record skipped chunk", "error", err)
	}
}

// persist merges fetched with the rows stored in [start, end), writes only
// the new rows, verifies the write and moves the cursor forward to the
// newest fetched timestamp.
func (r *run) persist(start, end time.Time, fetched []models.Candle, last time.Time, hasCursor bool) error {
	e, key := r.engine, r.series.Key()
	r.machine.to(StateReconciling)

	if len(fetched) == 0 {
		e.logger.InfoContext(r.ctx, "no candles fetched, cursor unchanged")
		r.machine.to(StateCursorAdvanced)
		return nil
	}

	existing, err := e.store.Range(r.ctx, r.series, start, end)
	if err != nil {
		return ierrors.NewStorageWriteError(key, fmt.Errorf("load stored window: %w", err))
	}

	result := e.reconciler.Reconcile(r.series, existing, fetched)
	r.report.Duplicates = result.Duplicates
	r.report.Gaps = result.Gaps

	if result.NewCount > 0 {
		inserted, err := e.store.Insert(r.ctx, r.series, result.New)
		if err != nil {
			return ierrors.NewStorageWriteError(key, err)
		}

		reloaded, err := e.store.Range(r.ctx, r.series, start, end)
		if err != nil {
			return ierrors.NewStorageWriteError(key, fmt.Errorf("reload stored window: %w", err))
		}
		if err := merge.Verify(result.Merged, len(reloaded)); err != nil {
			return ierrors.NewStorageWriteError(key, err)
		}

		r.report.Stored = inserted
		e.metrics.recordCandlesStored(inserted)
		r.machine.to(StatePersisted)
	}

	// every fetched timestamp is now stored, either by this write or before it
	target, _ := models.MaxTimestamp(fetched)
	if !hasCursor || target.After(last) {
		if err := e.cursors.Save(r.ctx, r.series, target); err != nil {
			return ierrors.NewCursorError("save", key, err)
		}
		r.report.Cursor = target
		r.report.CursorMoved = true
	}

	r.machine.to(StateCursorAdvanced)
	return nil
}
