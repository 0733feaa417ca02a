package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

// duckDecimal is wide enough for exchange prices and volumes without rounding
// the literals received upstream.
const duckDecimal = "DECIMAL(38,18)"

// DuckDBStorage implements CandleStore on DuckDB with one table per series.
// Inserts go through the DuckDB Appender into a staging table and are then
// merged into the series table with ON CONFLICT DO NOTHING.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
	stats  *queryStats
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// The dbPath can be ":memory:" for in-memory database or a file path for persistent storage.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
		stats:  newQueryStats(),
	}, nil
}

// Initialize implements CandleStore.
func (d *DuckDBStorage) Initialize(ctx context.Context, series models.SeriesID) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	table := series.TableName()
	d.logger.Info("initializing DuckDB series table", "db_path", d.dbPath, "table", table)

	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		timestamp TIMESTAMPTZ PRIMARY KEY,
		open %[2]s NOT NULL,
		high %[2]s NOT NULL,
		low %[2]s NOT NULL,
		close %[2]s NOT NULL,
		volume %[2]s NOT NULL
	)`, quoteIdent(table), duckDecimal)
	if _, err := db.ExecContext(ctx, query); err != nil {
		return NewStorageError("initialize", table, query, fmt.Errorf("failed to create series table: %w", err))
	}

	// Prices are appended as text and cast on merge so no float conversion happens
	staging := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		timestamp TIMESTAMPTZ,
		open VARCHAR,
		high VARCHAR,
		low VARCHAR,
		close VARCHAR,
		volume VARCHAR
	)`, quoteIdent(stagingTable(table)))
	if _, err := db.ExecContext(ctx, staging); err != nil {
		return NewStorageError("initialize", stagingTable(table), staging, fmt.Errorf("failed to create staging table: %w", err))
	}

	return d.CheckSchema(ctx, series)
}

// CheckSchema implements SchemaChecker.
func (d *DuckDBStorage) CheckSchema(ctx context.Context, series models.SeriesID) error {
	defer d.stats.track("schema_check")()

	db, err := d.conn()
	if err != nil {
		return err
	}

	table := series.TableName()
	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`

	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return NewSchemaError(table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return NewSchemaError(table, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
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

// Insert implements CandleStore.
func (d *DuckDBStorage) Insert(ctx context.Context, series models.SeriesID, candles []models.Candle) (int, error) {
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
		d.stats.record("insert_batch", time.Since(start))
	}()

	db, err := d.conn()
	if err != nil {
		return 0, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, NewInsertError(table, fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM "+quoteIdent(stagingTable(table))); err != nil {
		return 0, NewInsertError(table, fmt.Errorf("failed to clear staging table: %w", err))
	}

	if err := d.appendStaging(conn, table, batch); err != nil {
		return 0, NewInsertError(table, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError(table, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	countQuery := "SELECT COUNT(*) FROM " + quoteIdent(table)
	var before, after int64
	if err := tx.QueryRowContext(ctx, countQuery).Scan(&before); err != nil {
		return 0, NewQueryError(table, countQuery, err)
	}

	insert := fmt.Sprintf(`
		INSERT INTO %[1]s (timestamp, open, high, low, close, volume)
		SELECT timestamp,
			CAST(open AS %[3]s), CAST(high AS %[3]s), CAST(low AS %[3]s),
			CAST(close AS %[3]s), CAST(volume AS %[3]s)
		FROM %[2]s
		ON CONFLICT DO NOTHING`, quoteIdent(table), quoteIdent(stagingTable(table)), duckDecimal)
	if _, err := tx.ExecContext(ctx, insert); err != nil {
		return 0, NewInsertError(table, fmt.Errorf("failed to merge staged candles: %w", err))
	}

	if err := tx.QueryRowContext(ctx, countQuery).Scan(&after); err != nil {
		return 0, NewQueryError(table, countQuery, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(table, fmt.Errorf("failed to commit: %w", err))
	}

	inserted := int(after - before)
	d.logger.Debug("stored candles batch",
		"table", table,
		"offered", len(batch),
		"inserted", inserted,
		"duration", time.Since(start))

	return inserted, nil
}

// appendStaging bulk loads batch into the staging table with the Appender API.
func (d *DuckDBStorage) appendStaging(conn *sql.Conn, table string, batch []models.Candle) error {
	var driverConn *duckdb.Conn
	err := conn.Raw(func(dc interface{}) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get DuckDB connection: %w", err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", stagingTable(table))
	if err != nil {
		return fmt.Errorf("failed to create appender: %w", err)
	}
	defer appender.Close()

	for _, c := range batch {
		if err := appender.AppendRow(
			c.Timestamp,
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
		); err != nil {
			return fmt.Errorf("failed to append candle %s: %w", c.String(), err)
		}
	}

	if err := appender.Flush(); err != nil {
		return fmt.Errorf("failed to flush appender: %w", err)
	}
	return nil
}

// Range implements CandleStore.
func (d *DuckDBStorage) Range(ctx context.Context, series models.SeriesID, start, end time.Time) ([]models.Candle, error) {
	defer d.stats.track("range")()

	table := series.TableName()
	db, exists, err := d.tableExists(ctx, table)
	if err != nil || !exists {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT timestamp, %s
		FROM %s
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp`, castColumns(), quoteIdent(table))

	rows, err := db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, NewQueryError(table, query, err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		c, err := scanDuckCandle(rows)
		if err != nil {
			return nil, NewQueryError(table, query, err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(table, query, err)
	}

	return candles, nil
}

// Latest implements CandleStore.
func (d *DuckDBStorage) Latest(ctx context.Context, series models.SeriesID) (*models.Candle, error) {
	defer d.stats.track("get_latest")()

	table := series.TableName()
	db, exists, err := d.tableExists(ctx, table)
	if err != nil || !exists {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT timestamp, %s
		FROM %s
		ORDER BY timestamp DESC
		LIMIT 1`, castColumns(), quoteIdent(table))

	c, err := scanDuckCandle(db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError(table, query, fmt.Errorf("failed to get latest candle: %w", err))
	}
	return &c, nil
}

// Count implements CandleStore.
func (d *DuckDBStorage) Count(ctx context.Context, series models.SeriesID) (int64, error) {
	defer d.stats.track("count")()

	table := series.TableName()
	db, exists, err := d.tableExists(ctx, table)
	if err != nil || !exists {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM " + quoteIdent(table)
	var count int64
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, NewQueryError(table, query, err)
	}
	return count, nil
}

// Close implements CandleStore.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB storage", "query_performance", d.stats.averages())
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}

	return nil
}

// HealthCheck implements HealthChecker.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	defer d.stats.track("health_check")()

	db, err := d.conn()
	if err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}

	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}

	return nil
}

// QueryPerformance returns the average duration per operation.
func (d *DuckDBStorage) QueryPerformance() map[string]time.Duration {
	return d.stats.averages()
}

func (d *DuckDBStorage) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewStorageError("connect", "", "", errors.New("database connection is closed"))
	}
	return d.db, nil
}

// tableExists also returns the open handle so callers query the same pool.
func (d *DuckDBStorage) tableExists(ctx context.Context, table string) (*sql.DB, bool, error) {
	db, err := d.conn()
	if err != nil {
		return nil, false, err
	}

	query := "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1"
	var n int
	if err := db.QueryRowContext(ctx, query, table).Scan(&n); err != nil {
		return nil, false, NewQueryError(table, query, err)
	}
	return db, n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanDuckCandle reads a row selected with castColumns.
func scanDuckCandle(row rowScanner) (models.Candle, error) {
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

func parseDecimals(raw ...string) ([]decimal.Decimal, error) {
	values := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		values[i] = v
	}
	return values, nil
}

func castColumns() string {
	return "CAST(open AS VARCHAR), CAST(high AS VARCHAR), CAST(low AS VARCHAR), " +
		"CAST(close AS VARCHAR), CAST(volume AS VARCHAR)"
}

func stagingTable(table string) string {
	return table + "_staging"
}

// quoteIdent quotes a table name for DuckDB. Series table names are built
// from validated symbols so they never contain quotes.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// Compile-time interface compliance check
var (
	_ CandleStore   = (*DuckDBStorage)(nil)
	_ SchemaChecker = (*DuckDBStorage)(nil)
	_ HealthChecker = (*DuckDBStorage)(nil)
)
