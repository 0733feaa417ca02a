package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single schema migration with version and SQL body
type Migration struct {
	Version     int
	Description string
	Up          string
}

// MigrationStatus reports which migrations have been applied
type MigrationStatus struct {
	CurrentVersion    int
	LatestVersion     int
	PendingMigrations int
}

// MigrationManager applies the shared schema: the cursor table and the
// registry of per-series candle tables.
type MigrationManager struct {
	pool    *Pool
	logger  *slog.Logger
	migrate []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(pool *Pool, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		pool:    pool,
		logger:  logger,
		migrate: allMigrations(),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			execution_time BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// MigrateToLatest runs all pending migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, migration := range m.migrate {
		if migration.Version <= currentVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	if applied > 0 {
		m.logger.Info("postgres migrations completed", "migrations_run", applied)
	}
	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{CurrentVersion: currentVersion}
	for _, migration := range m.migrate {
		status.LatestVersion = migration.Version
		if migration.Version > currentVersion {
			status.PendingMigrations++
		}
	}
	return status, nil
}

// runMigration executes a single migration inside a transaction
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, migration.Up); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version) DO NOTHING`,
		migration.Version, migration.Description, start, time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied successfully",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))

	return nil
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create ingestion cursor table",
			Up: `
				CREATE TABLE IF NOT EXISTS ingestion_cursors (
					series_key TEXT PRIMARY KEY,
					last_timestamp TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`,
		},
		{
			Version:     2,
			Description: "create candle series registry",
			Up: `
				CREATE TABLE IF NOT EXISTS candle_series (
					series_key TEXT PRIMARY KEY,
					symbol TEXT NOT NULL,
					granularity_seconds BIGINT NOT NULL,
					table_name TEXT NOT NULL UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`,
		},
	}
}
