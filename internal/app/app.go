// Package app assembles the ingestion engine and its backends from an
// AppConfig.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/cursor"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingest/internal/ingest"
	"github.com/johnayoung/go-ohlcv-ingest/internal/ledger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/merge"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/planner"
	"github.com/johnayoung/go-ohlcv-ingest/internal/postgres"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// App holds the wired components. Close releases them in reverse order of
// creation.
type App struct {
	Config   *config.AppConfig
	Logger   *slog.Logger
	Store    storage.CandleStore
	Cursors  cursor.Store
	Locker   cursor.Locker
	Ledger   ledger.Ledger
	Exchange exchange.Exchange
	Metrics  *ingest.Metrics
	Engine   *ingest.Engine
	Runner   *ingest.Runner

	logs    *logger.LoggerManager
	fetcher exchange.CandleFetcher
	now     func() time.Time
	pool    *postgres.Pool
	closers []func() error
}

// Option customises Build.
type Option func(*App)

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.Logger = l }
}

// WithFetcher replaces the upstream client used by the engine.
func WithFetcher(f exchange.CandleFetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithClock replaces the engine clock.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// Build creates every backend named by cfg. On error, whatever was already
// opened is closed again.
func Build(ctx context.Context, cfg *config.AppConfig, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}

	a := &App{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}

	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Logger == nil {
		logs, err := logger.NewLoggerManager(cfg.Logging)
		if err != nil {
			return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "logging", err)
		}
		a.logs = logs
		a.closers = append(a.closers, logs.Close)
		a.Logger = logs.GetLogger()
	}

	if a.Store, err = a.buildStore(ctx); err != nil {
		return nil, err
	}
	if a.Cursors, err = a.buildCursors(ctx); err != nil {
		return nil, err
	}
	if a.Locker, err = a.buildLocker(ctx); err != nil {
		return nil, err
	}
	if a.Ledger, err = a.buildLedger(); err != nil {
		return nil, err
	}

	a.Metrics = ingest.NewMetrics()
	client := exchange.NewCoinbaseClient(exchange.ClientConfig{
		BaseURL:         cfg.Exchange.BaseURL,
		RequestInterval: cfg.Exchange.RequestInterval,
		RequestTimeout:  cfg.Exchange.RequestTimeout,
		Retry: ierrors.RetryPolicy{
			MaxAttempts: cfg.Exchange.RetryPolicy.MaxAttempts,
			BaseDelay:   cfg.Exchange.RetryPolicy.BaseDelay,
			MaxDelay:    cfg.Exchange.RetryPolicy.MaxDelay,
		},
		RetryableStatuses: cfg.Exchange.RetryableStatuses,
		Credentials:       exchange.NewStaticCredentials(cfg.Exchange.APIKey),
		Observer:          a.Metrics,
	}, a.component("exchange"))
	a.Exchange = client
	if a.fetcher == nil {
		a.fetcher = client
	}

	floors, defaultFloor, err := cfg.Ingest.HistoricalFloors()
	if err != nil {
		return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "floors", err)
	}

	a.Engine, err = ingest.NewEngine(ingest.Config{
		MaxWindow:          cfg.Ingest.MaxWindow,
		Lookback:           cfg.Ingest.Lookback,
		BootstrapFromStore: cfg.Ingest.BootstrapFromStore,
		Now:                a.now,
	}, ingest.Deps{
		Fetcher:    a.fetcher,
		Store:      a.Store,
		Cursors:    a.Cursors,
		Locker:     a.Locker,
		Ledger:     a.Ledger,
		Planner:    planner.New(cfg.Ingest.MaxCandlesPerRequest, planner.Floors{ByGranularity: floors, Default: defaultFloor}),
		Reconciler: merge.NewReconciler(a.component("merge")),
		Metrics:    a.Metrics,
		Logger:     a.component("engine"),
	})
	if err != nil {
		return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "engine", err)
	}
	a.Runner = ingest.NewRunner(a.Engine, cfg.Ingest.Concurrency, a.component("runner"))

	a.Logger.Debug("application assembled", "config", cfg.String())
	return a, nil
}

// component returns a logger tagged with the component name.
func (a *App) component(name string) *slog.Logger {
	if a.logs != nil {
		return a.logs.GetComponentLogger(name)
	}
	return a.Logger.With("component", name)
}

func (a *App) postgresPool(ctx context.Context) (*postgres.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}

	pool, err := postgres.NewPool(ctx, a.Config.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if err := postgres.NewMigrationManager(pool, a.component("migrations")).MigrateToLatest(ctx); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	a.pool = pool
	return pool, nil
}

func (a *App) buildStore(ctx context.Context) (storage.CandleStore, error) {
	cfg := a.Config.Storage
	log := a.component("storage")

	var store storage.CandleStore
	switch cfg.Type {
	case "duckdb":
		duck, err := storage.NewDuckDBStorage(cfg.DatabaseURL, log)
		if err != nil {
			return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "storage", err)
		}
		store = duck
	case "postgres":
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "storage", err)
		}
		store = storage.NewPostgresStorage(pool, log)
	case "parquet":
		store = storage.NewParquetStorage(cfg.ParquetDir, log)
	case "memory":
		store = storage.NewMemoryStorage()
	default:
		return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "storage",
			fmt.Errorf("unsupported storage type: %s", cfg.Type))
	}

	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) buildCursors(ctx context.Context) (cursor.Store, error) {
	cfg := a.Config.Cursor
	switch cfg.Type {
	case "file":
		return cursor.NewFileStore(cfg.Path, a.component("cursor")), nil
	case "postgres":
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "cursor", err)
		}
		return cursor.NewPostgresStore(pool, a.component("cursor")), nil
	case "memory":
		return cursor.NewMemoryStore(), nil
	default:
		return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "cursor",
			fmt.Errorf("unsupported cursor store: %s", cfg.Type))
	}
}

func (a *App) buildLocker(ctx context.Context) (cursor.Locker, error) {
	cfg := a.Config.Lease
	switch cfg.Type {
	case "redis":
		client, err := cursor.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "lease", err)
		}
		a.closers = append(a.closers, client.Close)
		return cursor.NewRedisLocker(client, cfg.Prefix, cfg.TTL, a.component("lease")), nil
	default:
		return cursor.NewLocalLocker(), nil
	}
}

func (a *App) buildLedger() (ledger.Ledger, error) {
	cfg := a.Config.Ledger
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Path == "" {
		return ledger.NewMemoryLedger(), nil
	}

	l, err := ledger.OpenSQLite(cfg.Path, a.component("ledger"))
	if err != nil {
		return nil, ierrors.New(ierrors.ErrorTypeConfiguration, "app", "ledger", err)
	}
	a.closers = append(a.closers, l.Close)
	return l, nil
}

// Series returns the configured series, or only those in override when it
// is not empty.
func (a *App) Series(override []string) ([]models.SeriesID, error) {
	cfg := *a.Config
	if len(override) > 0 {
		cfg.Series = override
	}
	if len(cfg.Series) == 0 {
		return nil, config.ErrNoSeries
	}
	return cfg.ParsedSeries()
}

// SeriesStatus is the persisted progress of one series.
type SeriesStatus struct {
	Series  models.SeriesID `json:"series"`
	Cursor  *time.Time      `json:"cursor,omitempty"`
	Latest  *time.Time      `json:"latest,omitempty"`
	Stored  int64           `json:"stored"`
	Pending int             `json:"pending_chunks"`
	Error   string          `json:"error,omitempty"`
}

// Status reports the cursor, newest stored candle, stored row count and
// pending skipped chunks of every series.
func (a *App) Status(ctx context.Context, series []models.SeriesID) []SeriesStatus {
	out := make([]SeriesStatus, 0, len(series))
	for _, s := range series {
		st := SeriesStatus{Series: s}
		if err := a.status(ctx, &st); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Series.Key() < out[j].Series.Key() })
	return out
}

func (a *App) status(ctx context.Context, st *SeriesStatus) error {
	last, ok, err := a.Cursors.Load(ctx, st.Series)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if ok {
		st.Cursor = &last
	}

	latest, err := a.Store.Latest(ctx, st.Series)
	if err != nil {
		return fmt.Errorf("latest candle: %w", err)
	}
	if latest != nil {
		ts := latest.Timestamp
		st.Latest = &ts
	}

	if st.Stored, err = a.Store.Count(ctx, st.Series); err != nil {
		return fmt.Errorf("count candles: %w", err)
	}

	if a.Ledger != nil {
		pending, err := a.Ledger.Pending(ctx, st.Series.Key())
		if err != nil {
			return fmt.Errorf("pending chunks: %w", err)
		}
		st.Pending = len(pending)
	}
	return nil
}

// CheckResult is the outcome of checking one series before a run.
type CheckResult struct {
	Series  models.SeriesID `json:"series"`
	Schema  string          `json:"schema"`
	Product string          `json:"product,omitempty"`
	Err     error           `json:"-"`
}

// OK reports whether every check passed.
func (c CheckResult) OK() bool {
	return c.Err == nil
}

// Check verifies the stored schema of each series without writing. With
// remote set it also asks the upstream whether the product exists.
func (a *App) Check(ctx context.Context, series []models.SeriesID, remote bool) []CheckResult {
	out := make([]CheckResult, 0, len(series))
	checker, canCheck := a.Store.(storage.SchemaChecker)

	var healthErr error
	if hc, ok := a.Store.(storage.HealthChecker); ok {
		healthErr = hc.HealthCheck(ctx)
	}

	for _, s := range series {
		result := CheckResult{Series: s, Schema: "skipped"}

		switch {
		case healthErr != nil:
			result.Schema = "unavailable"
			result.Err = healthErr
		case canCheck:
			if err := checker.CheckSchema(ctx, s); err != nil {
				result.Schema = "invalid"
				result.Err = err
			} else {
				result.Schema = "ok"
			}
		}

		if remote && result.Err == nil {
			product, err := a.Exchange.CheckProduct(ctx, s.Symbol)
			switch {
			case err != nil:
				result.Product = "unavailable"
				result.Err = err
			case !product.Active():
				result.Product = product.Status
				result.Err = fmt.Errorf("product %s is not tradable (status %q)", s.Symbol, product.Status)
			default:
				result.Product = "ok"
			}
		}

		out = append(out, result)
	}
	return out
}

// Close releases every backend. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
