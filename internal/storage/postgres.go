package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/postgres"
)

// PostgresStorage implements CandleStore on PostgreSQL with one NUMERIC table
// per series, registered in candle_series. The pool is owned by the caller.
type PostgresStorage struct {
	pool   *postgres.Pool
	logger *slog.Logger
	stats  *queryStats
}

// NewPostgresStorage creates a store over pool. The registry table is created
// by postgres.MigrationManager.
func NewPostgresStorage(pool *postgres.Pool, logger *slog.Logger) *PostgresStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStorage{pool: pool, logger: logger, stats: newQueryStats()}
}

// Initialize implements CandleStore.
func (p *PostgresStorage) Initialize(ctx context.Context, series models.SeriesID) error {
	table := series.TableName()
	ident := postgres.QuoteIdentifier(table)

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp TIMESTAMPTZ PRIMARY KEY,
			open NUMERIC NOT NULL,
			high NUMERIC NOT NULL,
			low NUMERIC NOT NULL,
			close NUMERIC NOT NULL,
			volume NUMERIC NOT NULL
		)`, ident)
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return NewStorageError("initialize", table, query, fmt.Errorf("failed to create series table: %w", err))
	}

	register := `
		INSERT INTO candle_series (series_key, symbol, granularity_seconds, table_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (series_key) DO NOTHING`
	if _, err := p.pool.Exec(ctx, register, series.Key(), series.Symbol, series.Granularity.Seconds(), table); err != nil {
		return NewStorageError("initialize", "candle_series", register, fmt.Errorf("failed to register series: %w", err))
	}

	p.logger.Info("postgres series table ready", "table", table)
	return p.CheckSchema(ctx, series)
}

// CheckSchema implements SchemaChecker.
func (p *PostgresStorage) CheckSchema(ctx context.Context, series models.SeriesID) error {
	defer p.stats.track("schema_check")()

	table := series.TableName()
	rows, err := p.pool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return NewSchemaError(table, err)
	}

	columns, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return NewSchemaError(table, err)
	}

	if len(columns) == 0 {
		return NewSchemaError(table, errors.New("table does not exist"))
	}
	if err := checkColumns(columns); err != nil {
		return NewSchemaError(table, err)
	}
	return nil
}

// Insert implements CandleStore. Prices travel as text arrays and are cast to
// NUMERIC server side.
func (p *PostgresStorage) Insert(ctx context.Context, series models.SeriesID, candles []models.Candle) (int, error) {
	table := series.TableName()
	batch, err := prepareBatch(series, candles)
	if err != nil {
		return 0, NewInsertError(table, err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	start := time.Now()
	defer func() {
		p.stats.record("insert_batch", time.Since(start))
	}()

	timestamps := make([]time.Time, len(batch))
	opens := make([]string, len(batch))
	highs := make([]string, len(batch))
	lows := make([]string, len(batch))
	closes := make([]string, len(batch))
	volumes := make([]string, len(batch))
	for i, c := range batch {
		timestamps[i] = c.Timestamp
		opens[i] = c.Open.String()
		highs[i] = c.High.String()
		lows[i] = c.Low.String()
		closes[i] = c.Close.String()
		volumes[i] = c.Volume.String()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (timestamp, open, high, low, close, volume)
		SELECT ts, o::numeric, h::numeric, l::numeric, c::numeric, v::numeric
		FROM unnest($1::timestamptz[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[])
			AS u(ts, o, h, l, c, v)
		ON CONFLICT (timestamp) DO NOTHING`, postgres.QuoteIdentifier(table))

	tag, err := p.pool.Exec(ctx, query, timestamps, opens, highs, lows, closes, volumes)
	if err != nil {
		return 0, NewInsertError(table, err)
	}

	inserted := int(tag.RowsAffected())
	p.logger.Debug("stored candles batch",
		"table", table,
		"offered", len(batch),
		"inserted", inserted,
		"duration", time.Since(start))

	return inserted, nil
}

// Range implements CandleStore.
func (p *PostgresStorage) Range(ctx context.Context, series models.SeriesID, start, end time.Time) ([]models.Candle, error) {
	defer p.stats.track("range")()

	table := series.TableName()
	query := fmt.Sprintf(`
		SELECT timestamp, open::text, high::text, low::text, close::text, volume::text
		FROM %s
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp`, postgres.QuoteIdentifier(table))

	rows, err := p.pool.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		if postgres.IsUndefinedTableError(err) {
			return nil, nil
		}
		return nil, NewQueryError(table, query, err)
	}

	candles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Candle, error) {
		return scanPostgresCandle(row)
	})
	if err != nil {
		if postgres.IsUndefinedTableError(err) {
			return nil, nil
		}
		return nil, NewQueryError(table, query, err)
	}
	return candles, nil
}

// Latest implements CandleStore.
func (p *PostgresStorage) Latest(ctx context.Context, series models.SeriesID) (*models.Candle, error) {
	defer p.stats.track("get_latest")()

	table := series.TableName()
	query := fmt.Sprintf(`
		SELECT timestamp, open::text, high::text, low::text, close::text, volume::text
		FROM %s
		ORDER BY timestamp DESC
		LIMIT 1`, postgres.QuoteIdentifier(table))

	c, err := scanPostgresCandle(p.pool.QueryRow(ctx, query))
	if err != nil {
		if postgres.IsNotFoundError(err) || postgres.IsUndefinedTableError(err) {
			return nil, nil
		}
		return nil, NewQueryError(table, query, fmt.Errorf("failed to get latest candle: %w", err))
	}
	return &c, nil
}

// Count implements CandleStore.
func (p *PostgresStorage) Count(ctx context.Context, series models.SeriesID) (int64, error) {
	defer p.stats.track("count")()

	table := series.TableName()
	query := "SELECT COUNT(*) FROM " + postgres.QuoteIdentifier(table)

	var count int64
	if err := p.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		if postgres.IsUndefinedTableError(err) {
			return 0, nil
		}
		return 0, NewQueryError(table, query, err)
	}
	return count, nil
}

// RegisteredSeries lists the series keys known to the registry, ascending.
func (p *PostgresStorage) RegisteredSeries(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT series_key FROM candle_series ORDER BY series_key`)
	if err != nil {
		return nil, NewQueryError("candle_series", "select series", err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, NewQueryError("candle_series", "select series", err)
	}
	return keys, nil
}

// HealthCheck implements HealthChecker.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	defer p.stats.track("health_check")()

	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// QueryPerformance returns the average duration per operation.
func (p *PostgresStorage) QueryPerformance() map[string]time.Duration {
	return p.stats.averages()
}

// Close implements CandleStore. The pool stays open for its owner.
func (p *PostgresStorage) Close() error {
	p.logger.Debug("postgres storage closed", "query_performance", p.stats.averages())
	return nil
}

func scanPostgresCandle(row pgx.Row) (models.Candle, error) {
	var c models.Candle
	var open, high, low, closePrice, volume string
	if err := row.Scan(&c.Timestamp, &open, &high, &low, &closePrice, &volume); err != nil {
		return models.Candle{}, err
	}
	c.Timestamp = c.Timestamp.UTC()

	values, err := parseDecimals(open, high, low, closePrice, volume)
	if err != nil {
		return models.Candle{}, err
	}
	c.Open, c.High, c.Low, c.Close, c.Volume = values[0], values[1], values[2], values[3], values[4]
	return c, nil
}

var (
	_ CandleStore   = (*PostgresStorage)(nil)
	_ SchemaChecker = (*PostgresStorage)(nil)
	_ HealthChecker = (*PostgresStorage)(nil)
)
