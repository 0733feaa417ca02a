package cursor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL bounds how long a crashed run can block a series.
const DefaultLeaseTTL = 10 * time.Minute

// releaseScript deletes the lease only if it still carries our token, so a
// lease that expired and was taken by another run is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out leases shared by every process using the same Redis,
// so scheduled runs on several hosts never ingest one series concurrently.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker storing leases under prefix.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if prefix == "" {
		prefix = "ohlcv:lease"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func (l *RedisLocker) key(series models.SeriesID) string {
	return l.prefix + ":" + series.Key()
}

// Acquire implements Locker using SET NX with a TTL.
func (l *RedisLocker) Acquire(ctx context.Context, series models.SeriesID) (Lease, error) {
	key := l.key(series)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", series.Key(), ErrSeriesBusy)
	}

	l.logger.Debug("lease acquired", "series", series.Key(), "ttl", l.ttl)
	return &redisLease{locker: l, key: key, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

// Release implements Lease.
func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)
