package limiters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{Kind: RollingWindow, Window: 24 * time.Hour, Limit: 3}
}

func TestEvaluateFreshDevice(t *testing.T) {
	ctx := context.Background()
	limiter := NewGuestLimiter(NewMemoryStore())

	decision, err := limiter.Evaluate(ctx, "device-1", testPolicy())
	require.NoError(t, err)

	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(3), decision.Remaining)
}

func TestEvaluateInitializesWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limiter := NewGuestLimiter(store)

	_, err := limiter.Evaluate(ctx, "device-1", testPolicy())
	require.NoError(t, err)

	raw, err := store.Get(ctx, guestKey("device-1", keyWindowStart))
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	start, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), start, 5*time.Second)
}

func TestConsumeUntilExhausted(t *testing.T) {
	ctx := context.Background()
	limiter := NewGuestLimiter(NewMemoryStore())
	policy := testPolicy()

	for i := 0; i < 3; i++ {
		decision, err := limiter.CheckAndIncrement(ctx, "device-1", policy)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "consume %d should be allowed", i+1)
		assert.Equal(t, int64(2-i), decision.Remaining)
	}

	decision, err := limiter.Evaluate(ctx, "device-1", policy)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(0), decision.Remaining)

	// A 4th consume must not mutate state.
	decision, err = limiter.CheckAndIncrement(ctx, "device-1", policy)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestLimitReachedFlagIsSticky(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limiter := NewGuestLimiter(store)
	policy := testPolicy()

	for i := 0; i < 3; i++ {
		_, err := limiter.CheckAndIncrement(ctx, "device-1", policy)
		require.NoError(t, err)
	}

	flag, err := store.Get(ctx, guestKey("device-1", keyLimitReached))
	require.NoError(t, err)
	assert.Equal(t, "true", flag)
}

func TestWindowResetAfterElapsed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limiter := NewGuestLimiter(store)
	policy := testPolicy()

	for i := 0; i < 3; i++ {
		_, err := limiter.CheckAndIncrement(ctx, "device-1", policy)
		require.NoError(t, err)
	}

	// Backdate the window start beyond the 24h boundary.
	elapsed := time.Now().Add(-25 * time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, store.Set(ctx, guestKey("device-1", keyWindowStart), elapsed, 0))

	decision, err := limiter.Evaluate(ctx, "device-1", policy)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(3), decision.Remaining)

	// A subsequent consume anchors a fresh window start.
	_, err = limiter.CheckAndIncrement(ctx, "device-1", policy)
	require.NoError(t, err)

	raw, err := store.Get(ctx, guestKey("device-1", keyWindowStart))
	require.NoError(t, err)
	start, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), start, 5*time.Second)
}

func TestWindowDoesNotResetMidWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limiter := NewGuestLimiter(store)
	policy := testPolicy()

	for i := 0; i < 3; i++ {
		_, err := limiter.CheckAndIncrement(ctx, "device-1", policy)
		require.NoError(t, err)
	}

	// 23 hours in: still inside the window, still exhausted.
	midWindow := time.Now().Add(-23 * time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, store.Set(ctx, guestKey("device-1", keyWindowStart), midWindow, 0))

	decision, err := limiter.Evaluate(ctx, "device-1", policy)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.LessOrEqual(t, decision.ResetIn, time.Hour)
}

func TestMalformedStateTreatedAsFresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limiter := NewGuestLimiter(store)
	policy := testPolicy()

	require.NoError(t, store.Set(ctx, guestKey("device-1", keyWindowStart), "not-a-timestamp", 0))
	require.NoError(t, store.Set(ctx, guestKey("device-1", keyCount), "99", 0))

	decision, err := limiter.Evaluate(ctx, "device-1", policy)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(3), decision.Remaining)
}

func TestMalformedCountTreatedAsFresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limiter := NewGuestLimiter(store)

	require.NoError(t, store.Set(ctx, guestKey("device-1", keyWindowStart), time.Now().UTC().Format(time.RFC3339), 0))
	require.NoError(t, store.Set(ctx, guestKey("device-1", keyCount), "three", 0))

	decision, err := limiter.Evaluate(ctx, "device-1", testPolicy())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(3), decision.Remaining)
}

func TestDevicesAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := NewGuestLimiter(NewMemoryStore())
	policy := testPolicy()

	for i := 0; i < 3; i++ {
		_, err := limiter.CheckAndIncrement(ctx, "device-1", policy)
		require.NoError(t, err)
	}

	decision, err := limiter.Evaluate(ctx, "device-2", policy)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(3), decision.Remaining)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	limiter := NewGuestLimiter(NewMemoryStore())
	policy := testPolicy()

	for i := 0; i < 3; i++ {
		_, err := limiter.CheckAndIncrement(ctx, "device-1", policy)
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Reset(ctx, "device-1"))

	decision, err := limiter.Evaluate(ctx, "device-1", policy)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(3), decision.Remaining)
}

func TestMemoryStoreSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := store.SetIfAbsent(ctx, "lock", "1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "lock", "1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	ok, err = store.SetIfAbsent(ctx, "lock", "1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}
