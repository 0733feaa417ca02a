package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SkippedChunkModel is the ledger row.
type SkippedChunkModel struct {
	ID         string     `gorm:"primaryKey;size:36"`
	RunID      string     `gorm:"size:36;not null"`
	SeriesKey  string     `gorm:"size:64;not null;uniqueIndex:skipped_series_start,priority:1"`
	StartTime  time.Time  `gorm:"not null;uniqueIndex:skipped_series_start,priority:2"`
	EndTime    time.Time  `gorm:"not null"`
	Attempts   int        `gorm:"not null;default:0"`
	Reason     string     `gorm:"type:text"`
	RecordedAt time.Time  `gorm:"not null"`
	ResolvedAt *time.Time `gorm:"index"`
}

func (SkippedChunkModel) TableName() string {
	return "skipped_chunks"
}

func toModel(c models.SkippedChunk) SkippedChunkModel {
	return SkippedChunkModel{
		ID:         c.ID,
		RunID:      c.RunID,
		SeriesKey:  c.SeriesKey,
		StartTime:  c.Start.UTC(),
		EndTime:    c.End.UTC(),
		Attempts:   c.Attempts,
		Reason:     c.Reason,
		RecordedAt: c.RecordedAt.UTC(),
		ResolvedAt: c.ResolvedAt,
	}
}

func (m SkippedChunkModel) toEntity() models.SkippedChunk {
	c := models.SkippedChunk{
		ID:         m.ID,
		RunID:      m.RunID,
		SeriesKey:  m.SeriesKey,
		Start:      m.StartTime.UTC(),
		End:        m.EndTime.UTC(),
		Attempts:   m.Attempts,
		Reason:     m.Reason,
		RecordedAt: m.RecordedAt.UTC(),
	}
	if m.ResolvedAt != nil {
		at := m.ResolvedAt.UTC()
		c.ResolvedAt = &at
	}
	return c
}

// GormLedger keeps the ledger in a SQL database through gorm.
type GormLedger struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) a SQLite ledger at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string, log *slog.Logger) (*GormLedger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	// a single connection keeps ":memory:" databases shared
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewGormLedger(db, log)
}

// NewGormLedger migrates the ledger table on db.
func NewGormLedger(db *gorm.DB, log *slog.Logger) (*GormLedger, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&SkippedChunkModel{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &GormLedger{db: db, logger: log}, nil
}

// Record implements Ledger.
func (l *GormLedger) Record(ctx context.Context, chunk models.SkippedChunk) error {
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.RecordedAt.IsZero() {
		chunk.RecordedAt = time.Now().UTC()
	}
	row := toModel(chunk)
	row.ResolvedAt = nil

	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "series_key"}, {Name: "start_time"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempts":    gorm.Expr("skipped_chunks.attempts + excluded.attempts"),
			"run_id":      gorm.Expr("excluded.run_id"),
			"end_time":    gorm.Expr("excluded.end_time"),
			"reason":      gorm.Expr("excluded.reason"),
			"recorded_at": gorm.Expr("excluded.recorded_at"),
			"resolved_at": nil,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record skipped chunk %s %s: %w", chunk.SeriesKey, chunk.Start.Format(time.RFC3339), err)
	}

	l.logger.Debug("skipped chunk recorded",
		"series", chunk.SeriesKey,
		"start", chunk.Start,
		"end", chunk.End,
		"attempts", chunk.Attempts)
	return nil
}

// Pending implements Ledger.
func (l *GormLedger) Pending(ctx context.Context, seriesKey string) ([]models.SkippedChunk, error) {
	q := l.db.WithContext(ctx).Where("resolved_at IS NULL")
	if seriesKey != "" {
		q = q.Where("series_key = ?", seriesKey)
	}

	var rows []SkippedChunkModel
	if err := q.Order("series_key").Order("start_time").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pending chunks: %w", err)
	}

	out := make([]models.SkippedChunk, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toEntity())
	}
	return out, nil
}

// Resolve implements Ledger.
func (l *GormLedger) Resolve(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	res := l.db.WithContext(ctx).
		Model(&SkippedChunkModel{}).
		Where("id = ?", id).
		Update("resolved_at", &at)
	if res.Error != nil {
		return fmt.Errorf("resolve skipped chunk %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resolve skipped chunk %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the underlying connection.
func (l *GormLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Ledger = (*GormLedger)(nil)
