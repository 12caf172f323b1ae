package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to the Redis instance named by
// LISTINGS_TEST_REDIS_ADDR, skipping when none is configured so the
// suite stays runnable without infrastructure.
func newTestStore(t *testing.T) *IdentityStore {
	t.Helper()

	addr := os.Getenv("LISTINGS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LISTINGS_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := fmt.Sprintf("test:%s:", uuid.NewString())
	store, err := NewIdentityStoreWithClient(client, prefix, time.Minute)
	require.NoError(t, err)
	return store
}

func TestUpsertNewThenDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	url := "https://example.com/listings/42"
	first := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

	record, inserted, err := store.Upsert(ctx, url, "run-1", first)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, url, record.CanonicalURL)
	require.Equal(t, 1, record.TimesSeen)
	require.Equal(t, "run-1", record.OwningRunID)
	require.True(t, record.FirstSeenAt.Equal(first))

	later := first.Add(2 * time.Hour)
	record, inserted, err = store.Upsert(ctx, url, "run-2", later)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, 2, record.TimesSeen)
	require.Equal(t, "run-1", record.OwningRunID)
	require.True(t, record.FirstSeenAt.Equal(first))
	require.True(t, record.LastSeenAt.Equal(later))
}

func TestGetDoesNotCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "https://example.com/listings/404")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = store.Get(ctx, "https://example.com/listings/404")
	require.NoError(t, err)
	require.False(t, found)
}

func TestConstructorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewIdentityStoreWithClient(nil, "", 0)
	require.Error(t, err)

	_, err = NewIdentityStore(IdentityStoreConfig{})
	require.Error(t, err)
}
