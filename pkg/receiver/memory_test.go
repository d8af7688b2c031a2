package receiver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

func TestMemoryIdempotencyStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(10, time.Hour)

	result, err := store.Reserve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, webhooks.Reserved, result)

	result, err = store.Reserve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, webhooks.InProgress, result, "reserved key must not be claimed twice")

	require.NoError(t, store.Commit(ctx, "k"))
	require.NoError(t, store.Release(ctx, "k"))

	result, err = store.Reserve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, webhooks.Processed, result, "release must not forget a committed key")
}

func TestMemoryIdempotencyStore_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(10, time.Hour)

	result, _ := store.Reserve(ctx, "k")
	require.Equal(t, webhooks.Reserved, result)
	require.NoError(t, store.Release(ctx, "k"))

	result, err := store.Reserve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, webhooks.Reserved, result)
}

func TestMemoryIdempotencyStore_StaleReservation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(10, time.Hour)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	result, _ := store.Reserve(ctx, "k")
	require.Equal(t, webhooks.Reserved, result)

	now = now.Add(DefaultStaleAfter - time.Second)
	result, _ = store.Reserve(ctx, "k")
	assert.Equal(t, webhooks.InProgress, result)

	now = now.Add(2 * time.Second)
	result, _ = store.Reserve(ctx, "k")
	assert.Equal(t, webhooks.Reserved, result, "abandoned reservation should be taken over")

	require.NoError(t, store.Commit(ctx, "k"))
	now = now.Add(DefaultStaleAfter * 10)
	result, _ = store.Reserve(ctx, "k")
	assert.Equal(t, webhooks.Processed, result, "committed keys never go stale")
}

func TestMemoryIdempotencyStore_Bounded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore(3, time.Hour)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		result, err := store.Reserve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, webhooks.Reserved, result)
		require.NoError(t, store.Commit(ctx, key))
	}

	assert.Equal(t, 3, store.Len())

	// the oldest key was evicted and can be claimed again
	result, _ := store.Reserve(ctx, "k0")
	assert.Equal(t, webhooks.Reserved, result)
	result, _ = store.Reserve(ctx, "k4")
	assert.Equal(t, webhooks.Processed, result)
}

func TestNewMemoryIdempotencyStore_Defaults(t *testing.T) {
	store := NewMemoryIdempotencyStore(0, 0)
	assert.Equal(t, DefaultStaleAfter, store.staleAfter)
	assert.Zero(t, store.Len())
}
