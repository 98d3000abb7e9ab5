package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

func setupMessageCache(t *testing.T, ttl time.Duration) (*MessageCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewMessageCacheWithClient(client, ttl)
	t.Cleanup(func() { cache.Close() })

	return cache, mr
}

func TestMessageCache_PutGet(t *testing.T) {
	cache, _ := setupMessageCache(t, time.Minute)
	ctx := testContext(t)

	msg := &models.Message{
		ID:        "msg1",
		ThreadID:  "t1",
		HistoryID: 1005,
		LabelIDs:  []string{"INBOX", "UNREAD"},
		Snippet:   "hello",
		SizeBytes: 2048,
		Internal:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, cache.Put(ctx, "gmail", msg))

	got, err := cache.Get(ctx, "gmail", "msg1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.HistoryID, got.HistoryID)
	assert.Equal(t, msg.LabelIDs, got.LabelIDs)
	assert.True(t, msg.Internal.Equal(got.Internal))
}

func TestMessageCache_MissReturnsNil(t *testing.T) {
	cache, _ := setupMessageCache(t, time.Minute)
	ctx := testContext(t)

	got, err := cache.Get(ctx, "gmail", "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessageCache_SourcesDoNotCollide(t *testing.T) {
	cache, _ := setupMessageCache(t, time.Minute)
	ctx := testContext(t)

	require.NoError(t, cache.Put(ctx, "gmail", &models.Message{ID: "msg1", Snippet: "a"}))

	got, err := cache.Get(ctx, "gmail-archive", "msg1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessageCache_CorruptEntryIsAMiss(t *testing.T) {
	cache, mr := setupMessageCache(t, time.Minute)
	ctx := testContext(t)

	require.NoError(t, mr.Set("msg:gmail:bad", "{not json"))

	got, err := cache.Get(ctx, "gmail", "bad")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessageCache_TTLExpiry(t *testing.T) {
	cache, mr := setupMessageCache(t, time.Minute)
	ctx := testContext(t)

	require.NoError(t, cache.Put(ctx, "gmail", &models.Message{ID: "msg1"}))

	mr.FastForward(2 * time.Minute)

	got, err := cache.Get(ctx, "gmail", "msg1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessageCache_GetMany(t *testing.T) {
	cache, _ := setupMessageCache(t, time.Minute)
	ctx := testContext(t)

	require.NoError(t, cache.Put(ctx, "gmail", &models.Message{ID: "a"}))
	require.NoError(t, cache.Put(ctx, "gmail", &models.Message{ID: "c"}))

	hits, misses, err := cache.GetMany(ctx, "gmail", []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.Contains(t, hits, "a")
	assert.Contains(t, hits, "c")
	assert.Equal(t, []string{"b", "d"}, misses, "miss order follows input order")
}

func TestMessageCache_Invalidate(t *testing.T) {
	cache, _ := setupMessageCache(t, time.Minute)
	ctx := testContext(t)

	require.NoError(t, cache.Put(ctx, "gmail", &models.Message{ID: "a"}))
	require.NoError(t, cache.Put(ctx, "gmail", &models.Message{ID: "b"}))

	require.NoError(t, cache.Invalidate(ctx, "gmail", "a", "b"))
	// no-op with no ids
	require.NoError(t, cache.Invalidate(ctx, "gmail"))

	got, err := cache.Get(ctx, "gmail", "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}
