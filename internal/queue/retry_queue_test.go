package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RetryQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return NewRetryQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestClaimDueOnlyReturnsDueEntries(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := q.Schedule(ctx, RetryEntry{AutomationID: "a1", Attempt: 1, LastErrorCode: "CONVERSION_FAILED", DueAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = q.Schedule(ctx, RetryEntry{AutomationID: "a2", Attempt: 1, DueAt: now.Add(time.Hour)})
	require.NoError(t, err)

	claimed, err := q.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "a1", claimed[0].AutomationID)
	assert.Equal(t, 1, claimed[0].Attempt)
	assert.Equal(t, "CONVERSION_FAILED", claimed[0].LastErrorCode)

	again, err := q.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed entries must not be handed out twice")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestClaimDueRespectsLimit(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		_, err := q.Schedule(ctx, RetryEntry{AutomationID: "a", DueAt: now.Add(-time.Second)})
		require.NoError(t, err)
	}
	claimed, err := q.ClaimDue(ctx, now, 3)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.DeadLetter(ctx, RetryEntry{ID: "r1", AutomationID: "a1", Attempt: 3}))

	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a1", items[0].AutomationID)
	assert.Equal(t, 3, items[0].Attempt)
}

func TestClaimDueReturnsLoadedEntriesOnPartialFailure(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	q := NewRetryQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	good, err := q.Schedule(ctx, RetryEntry{AutomationID: "good", Attempt: 1, DueAt: now.Add(-2 * time.Minute)})
	require.NoError(t, err)
	bad, err := q.Schedule(ctx, RetryEntry{AutomationID: "bad", Attempt: 1, DueAt: now.Add(-time.Minute)})
	require.NoError(t, err)

	// A string under the entry key makes HGETALL fail with WRONGTYPE.
	mr.Del(q.entryKey(bad.ID))
	require.NoError(t, mr.Set(q.entryKey(bad.ID), "corrupt"))

	claimed, err := q.ClaimDue(ctx, now, 10)
	assert.Error(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, good.ID, claimed[0].ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "the unreadable entry stays claimable")
}
