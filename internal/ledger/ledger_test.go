package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func skipped(series string, offset time.Duration, attempts int) models.SkippedChunk {
	return models.SkippedChunk{
		RunID:     "run-1",
		SeriesKey: series,
		Start:     base.Add(offset),
		End:       base.Add(offset + 5*time.Hour),
		Attempts:  attempts,
		Reason:    "upstream status 503",
	}
}

func setupGormLedger(t *testing.T) *GormLedger {
	t.Helper()

	l, err := OpenSQLite(":memory:", createTestLogger())
	require.NoError(t, err, "failed to open ledger")
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgers(t *testing.T) {
	backends := map[string]func(t *testing.T) Ledger{
		"memory": func(t *testing.T) Ledger { return NewMemoryLedger() },
		"gorm":   func(t *testing.T) Ledger { return setupGormLedger(t) },
	}

	for name, newLedger := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("records and lists pending chunks in order", func(t *testing.T) {
				l := newLedger(t)
				require.NoError(t, l.Record(ctx, skipped("BTCUSD-1m", 10*time.Hour, 5)))
				require.NoError(t, l.Record(ctx, skipped("BTCUSD-1m", 0, 5)))
				require.NoError(t, l.Record(ctx, skipped("ETHUSD-1m", 0, 5)))

				pending, err := l.Pending(ctx, "BTCUSD-1m")
				require.NoError(t, err)
				require.Len(t, pending, 2)
				assert.True(t, pending[0].Start.Equal(base))
				assert.True(t, pending[1].Start.Equal(base.Add(10*time.Hour)))
				assert.NotEmpty(t, pending[0].ID)
				assert.Equal(t, "upstream status 503", pending[0].Reason)
				assert.False(t, pending[0].RecordedAt.IsZero())

				all, err := l.Pending(ctx, "")
				require.NoError(t, err)
				assert.Len(t, all, 3)
			})

			t.Run("recording the same chunk again accumulates attempts", func(t *testing.T) {
				l := newLedger(t)
				require.NoError(t, l.Record(ctx, skipped("BTCUSD-1m", 0, 5)))
				again := skipped("BTCUSD-1m", 0, 5)
				again.RunID = "run-2"
				require.NoError(t, l.Record(ctx, again))

				pending, err := l.Pending(ctx, "BTCUSD-1m")
				require.NoError(t, err)
				require.Len(t, pending, 1)
				assert.Equal(t, 10, pending[0].Attempts)
				assert.Equal(t, "run-2", pending[0].RunID)
			})

			t.Run("resolve removes from pending and re-record reopens", func(t *testing.T) {
				l := newLedger(t)
				require.NoError(t, l.Record(ctx, skipped("BTCUSD-1m", 0, 5)))

				pending, err := l.Pending(ctx, "BTCUSD-1m")
				require.NoError(t, err)
				require.Len(t, pending, 1)

				require.NoError(t, l.Resolve(ctx, pending[0].ID, base.Add(24*time.Hour)))

				pending, err = l.Pending(ctx, "BTCUSD-1m")
				require.NoError(t, err)
				assert.Empty(t, pending)

				require.NoError(t, l.Record(ctx, skipped("BTCUSD-1m", 0, 5)))
				pending, err = l.Pending(ctx, "BTCUSD-1m")
				require.NoError(t, err)
				assert.Len(t, pending, 1)
			})

			t.Run("resolving an unknown id fails", func(t *testing.T) {
				l := newLedger(t)
				err := l.Resolve(ctx, "missing", base)
				assert.ErrorIs(t, err, ErrNotFound)
			})
		})
	}
}

func TestGormLedger_ResolvedAtPersisted(t *testing.T) {
	ctx := context.Background()
	l := setupGormLedger(t)
	require.NoError(t, l.Record(ctx, skipped("BTCUSD-1m", 0, 5)))

	pending, err := l.Pending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	at := base.Add(48 * time.Hour)
	require.NoError(t, l.Resolve(ctx, pending[0].ID, at))

	var row SkippedChunkModel
	require.NoError(t, l.db.First(&row, "id = ?", pending[0].ID).Error)
	require.NotNil(t, row.ResolvedAt)
	assert.True(t, row.ResolvedAt.Equal(at))
	assert.True(t, row.toEntity().IsResolved())
}
