package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Timestamp layouts accepted when reading a snapshot. Older snapshots were
// written without a zone designator and are read as UTC.
var legacyLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
}

// lockRetryDelay is how often Save polls for the snapshot lock held by
// another process.
const lockRetryDelay = 10 * time.Millisecond

// FileStore keeps every cursor in one JSON object mapping series keys to
// RFC3339 timestamps, e.g. {"BTCUSD-1m": "2024-01-01T00:00:00Z"}. Each save
// rewrites the whole snapshot through a temp file and a rename while holding
// an exclusive lock on <path>.lock, so processes sharing the file never drop
// each other's keys.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a store backed by path. The file and its directory
// are created on first save.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, series models.SeriesID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.read()
	if err != nil {
		return time.Time{}, false, ierrors.NewCursorError("load", series.Key(), err)
	}

	last, ok := snapshot[series.Key()]
	return last, ok, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, series models.SeriesID, last time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return ierrors.NewCursorError("save", series.Key(), err)
	}
	defer unlock()

	snapshot, err := s.read()
	if err != nil {
		return ierrors.NewCursorError("save", series.Key(), err)
	}

	snapshot[series.Key()] = last.UTC()

	if err := s.write(snapshot); err != nil {
		return ierrors.NewCursorError("save", series.Key(), err)
	}

	s.logger.Debug("cursor saved", "series", series.Key(), "last_timestamp", last.UTC())
	return nil
}

// Snapshot implements Snapshotter.
func (s *FileStore) Snapshot(ctx context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.read()
	if err != nil {
		return nil, ierrors.NewCursorError("snapshot", "", err)
	}
	return snapshot, nil
}

// lock takes the cross-process snapshot lock. Readers need no lock because
// the snapshot is only ever replaced by rename.
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create cursor directory: %w", err)
	}

	fl := flock.New(s.path + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock cursor file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock cursor file: %s is held elsewhere", fl.Path())
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to unlock cursor file", "path", fl.Path(), "error", err)
		}
	}, nil
}

func (s *FileStore) read() (map[string]time.Time, error) {
	snapshot := make(map[string]time.Time)

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return snapshot, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor file: %w", err)
	}
	if len(data) == 0 {
		return snapshot, nil
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode cursor file %s: %w", s.path, err)
	}

	for key, value := range raw {
		ts, err := parseTimestamp(value)
		if err != nil {
			return nil, fmt.Errorf("cursor %s: %w", key, err)
		}
		snapshot[key] = ts
	}

	return snapshot, nil
}

func (s *FileStore) write(snapshot map[string]time.Time) error {
	raw := make(map[string]string, len(snapshot))
	for key, ts := range snapshot {
		raw[key] = ts.UTC().Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cursor file: %w", err)
	}

	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data next to path and renames it into place so the
// previous content survives a crash mid-write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cursor directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}
	return nil
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range legacyLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

var (
	_ Store       = (*FileStore)(nil)
	_ Snapshotter = (*FileStore)(nil)
)
