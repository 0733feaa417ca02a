package cursor

import (
	"context"
	"fmt"
	"sync"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// LocalLocker serialises runs of the same series within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, series models.SeriesID) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := series.Key()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%s: %w", key, ErrSeriesBusy)
	}
	l.held[key] = struct{}{}

	return &localLease{locker: l, key: key}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	once   sync.Once
}

// Release implements Lease. Releasing twice is a no-op.
func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.key)
		l.locker.mu.Unlock()
	})
	return nil
}

var _ Locker = (*LocalLocker)(nil)
