package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockExclusive(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	release, ok, err := l.TryAcquire(ctx, "automation:a1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	owner, err := mr.Get("lock:automation:a1")
	require.NoError(t, err)
	_, err = uuid.Parse(owner)
	assert.NoError(t, err, "lock value is a uuid owner token")

	_, ok, err = l.TryAcquire(ctx, "automation:a1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	require.NoError(t, release(ctx))
	_, ok, err = l.TryAcquire(ctx, "automation:a1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockReleaseIgnoresForeignOwner(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	release, ok, err := l.TryAcquire(ctx, "tick", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("lock:tick"), "stale release must not delete the new owner's lock")
}
