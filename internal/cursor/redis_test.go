package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis instance for testing.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	return client, mr
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	btc := mustSeries(t, "BTC-USD:1m")

	t.Run("exclusive until released", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		locker := NewRedisLocker(client, "test", time.Minute, createTestLogger())

		lease, err := locker.Acquire(ctx, btc)
		require.NoError(t, err)
		assert.True(t, mr.Exists("test:BTCUSD-1m"))

		_, err = locker.Acquire(ctx, btc)
		assert.ErrorIs(t, err, ErrSeriesBusy)

		require.NoError(t, lease.Release(ctx))
		assert.False(t, mr.Exists("test:BTCUSD-1m"))

		again, err := locker.Acquire(ctx, btc)
		require.NoError(t, err)
		require.NoError(t, again.Release(ctx))
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		locker := NewRedisLocker(client, "test", time.Minute, createTestLogger())

		stale, err := locker.Acquire(ctx, btc)
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)

		fresh, err := locker.Acquire(ctx, btc)
		require.NoError(t, err)

		// the stale holder must not drop the new lease
		require.NoError(t, stale.Release(ctx))
		assert.True(t, mr.Exists("test:BTCUSD-1m"))

		require.NoError(t, fresh.Release(ctx))
		assert.False(t, mr.Exists("test:BTCUSD-1m"))
	})

	t.Run("defaults", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		locker := NewRedisLocker(client, "", 0, nil)

		lease, err := locker.Acquire(ctx, btc)
		require.NoError(t, err)
		assert.True(t, mr.Exists("ohlcv:lease:BTCUSD-1m"))
		assert.Equal(t, DefaultLeaseTTL, mr.TTL("ohlcv:lease:BTCUSD-1m"))
		require.NoError(t, lease.Release(ctx))
	})
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisClient(context.Background(), addr, "", 0)
	assert.Error(t, err)
}
