package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/circuitbreaker"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/history"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/storage"
)

// fakeRetryQueue hands out ready items and records outcomes.
type fakeRetryQueue struct {
	recordingSink

	ready     []*models.DeadLetterItem
	resolved  map[int64]string
	resolveMu sync.Mutex
}

func newFakeRetryQueue(items ...*models.DeadLetterItem) *fakeRetryQueue {
	return &fakeRetryQueue{ready: items, resolved: make(map[int64]string)}
}

func (f *fakeRetryQueue) GetReadyForRetry(ctx context.Context, limit int) ([]*models.DeadLetterItem, error) {
	if limit < len(f.ready) {
		return f.ready[:limit], nil
	}
	return f.ready, nil
}

func (f *fakeRetryQueue) MarkResolved(ctx context.Context, id int64, reason string) error {
	f.resolveMu.Lock()
	defer f.resolveMu.Unlock()
	f.resolved[id] = reason
	return nil
}

func deadLetter(id int64, messageID string, failureType models.FailureType) *models.DeadLetterItem {
	now := time.Now()
	return &models.DeadLetterItem{
		ID:           id,
		MessageID:    messageID,
		FailureType:  failureType,
		AttemptCount: 1,
		FirstFailure: now,
		LastFailure:  now,
		NextRetry:    &now,
	}
}

func newRetryService(t *testing.T, api *fakeMailAPI, queue RetryQueue, cache *storage.MessageCache, outputDir string) *RetryService {
	t.Helper()

	engine, err := history.NewEngine(&history.EngineConfig{
		API:     api,
		Breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("test")),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	service, err := NewRetryService(&RetryServiceConfig{
		Engine:      engine,
		DeadLetters: queue,
		Cache:       cache,
		Source:      "gmail",
		OutputDir:   outputDir,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return service
}

func TestNewRetryServiceValidation(t *testing.T) {
	_, err := NewRetryService(&RetryServiceConfig{})
	assert.Error(t, err)
}

func TestSweepEmptyQueue(t *testing.T) {
	service := newRetryService(t, &fakeMailAPI{}, newFakeRetryQueue(), nil, "")

	result, err := service.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
}

func TestSweepResolvesRecoveredMessage(t *testing.T) {
	api := &fakeMailAPI{
		messages: map[string]*models.Message{
			"msg1": testMessage("msg1", 1001),
		},
	}
	queue := newFakeRetryQueue(deadLetter(7, "msg1", models.FailureFetch))
	outputDir := t.TempDir()
	service := newRetryService(t, api, queue, nil, outputDir)

	result, err := service.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Resolved)
	assert.Zero(t, result.Requeued)
	assert.Equal(t, "retry succeeded", queue.resolved[7])

	_, err = os.Stat(filepath.Join(outputDir, "msg1.json"))
	assert.NoError(t, err)
}

func TestSweepRequeuesStillFailingMessage(t *testing.T) {
	api := &fakeMailAPI{
		failIDs: map[string]error{
			"msg1": fmt.Errorf("still broken"),
		},
	}
	queue := newFakeRetryQueue(deadLetter(7, "msg1", models.FailureFetch))
	service := newRetryService(t, api, queue, nil, "")

	result, err := service.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Attempted)
	assert.Zero(t, result.Resolved)
	assert.Equal(t, 1, result.Requeued)
	assert.Empty(t, queue.resolved)

	// re-filed under the same (message, failure type) pair so the attempt
	// count keeps advancing on the existing row
	require.Len(t, queue.failures, 1)
	assert.Equal(t, "msg1", queue.failures[0].MessageID)
	assert.Equal(t, models.FailureFetch, queue.failures[0].FailureType)
}

func TestSweepRequeuesWhenRemoteOmitsMessage(t *testing.T) {
	// GetMessages succeeds but the id is not in the response
	api := &fakeMailAPI{messages: map[string]*models.Message{}}
	queue := newFakeRetryQueue(deadLetter(3, "ghost", models.FailureFetch))
	service := newRetryService(t, api, queue, nil, "")

	result, err := service.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)
}

func TestSweepDeleteRetryInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := storage.NewMessageCacheWithClient(client, time.Minute)

	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, "gmail", testMessage("gone", 900)))

	api := &fakeMailAPI{}
	queue := newFakeRetryQueue(deadLetter(9, "gone", models.FailureDelete))
	service := newRetryService(t, api, queue, cache, "")

	result, err := service.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Resolved)
	assert.Zero(t, api.getCalls)

	cached, err := cache.Get(ctx, "gmail", "gone")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	api := &fakeMailAPI{
		messages: map[string]*models.Message{"msg1": testMessage("msg1", 1)},
	}
	queue := newFakeRetryQueue(
		deadLetter(1, "msg1", models.FailureFetch),
		deadLetter(2, "msg2", models.FailureFetch),
	)
	service := newRetryService(t, api, queue, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := service.Sweep(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Attempted)
}
