package cursor

import (
	"context"
	"log/slog"
	"time"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/postgres"
)

// PostgresStore keeps cursors in the ingestion_cursors table, one row per series.
type PostgresStore struct {
	pool   *postgres.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a cursor store over pool. The schema is created
// by postgres.MigrationManager.
func NewPostgresStore(pool *postgres.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, series models.SeriesID) (time.Time, bool, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT last_timestamp
		FROM ingestion_cursors
		WHERE series_key = $1
	`, series.Key()).Scan(&last)
	if err != nil {
		if postgres.IsNotFoundError(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, ierrors.NewCursorError("load", series.Key(), err)
	}
	return last.UTC(), true, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, series models.SeriesID, last time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_cursors (series_key, last_timestamp, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (series_key) DO UPDATE
		SET last_timestamp = EXCLUDED.last_timestamp,
		    updated_at = NOW()
	`, series.Key(), last.UTC())
	if err != nil {
		return ierrors.NewCursorError("save", series.Key(), err)
	}

	s.logger.Debug("cursor saved", "series", series.Key(), "last_timestamp", last.UTC())
	return nil
}

// Snapshot implements Snapshotter.
func (s *PostgresStore) Snapshot(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT series_key, last_timestamp FROM ingestion_cursors`)
	if err != nil {
		return nil, ierrors.NewCursorError("snapshot", "", err)
	}
	defer rows.Close()

	snapshot := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var last time.Time
		if err := rows.Scan(&key, &last); err != nil {
			return nil, ierrors.NewCursorError("snapshot", "", err)
		}
		snapshot[key] = last.UTC()
	}

	if err := rows.Err(); err != nil {
		return nil, ierrors.NewCursorError("snapshot", "", err)
	}
	return snapshot, nil
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ Snapshotter = (*PostgresStore)(nil)
)
