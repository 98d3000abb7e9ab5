package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/circuitbreaker"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// fakeMailAPI serves scripted history pages and messages.
type fakeMailAPI struct {
	currentID   uint64
	currentErr  error
	pages       map[string]fakePage // keyed by page token, "" is the first page
	listErr     error
	listCalls   int
	getCalls    int
	getErr      error
	messages    map[string]*models.Message
	failListOn  int // fail on the Nth ListHistory call (1-based), 0 disables
}

type fakePage struct {
	records   []models.HistoryRecord
	nextToken string
}

func (f *fakeMailAPI) CurrentHistoryID(ctx context.Context) (uint64, error) {
	if f.currentErr != nil {
		return 0, f.currentErr
	}
	return f.currentID, nil
}

func (f *fakeMailAPI) ListHistory(ctx context.Context, sinceID uint64, pageToken string) ([]models.HistoryRecord, string, error) {
	f.listCalls++
	if f.failListOn > 0 && f.listCalls == f.failListOn {
		return nil, "", errors.New("transient remote failure")
	}
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	page, ok := f.pages[pageToken]
	if !ok {
		return nil, "", fmt.Errorf("unknown page token %q", pageToken)
	}
	return page.records, page.nextToken, nil
}

func (f *fakeMailAPI) GetMessages(ctx context.Context, ids []string) ([]*models.Message, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := f.messages[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, api MailAPI) *Engine {
	t.Helper()

	engine, err := NewEngine(&EngineConfig{
		API:     api,
		Breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("test")),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return engine
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(&EngineConfig{Breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("x"))})
	assert.Error(t, err)

	_, err = NewEngine(&EngineConfig{API: &fakeMailAPI{}})
	assert.Error(t, err)
}

func TestCheckSyncRequired(t *testing.T) {
	api := &fakeMailAPI{currentID: 1005}
	engine := newTestEngine(t, api)
	ctx := context.Background()

	required, currentID, err := engine.CheckSyncRequired(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, required)
	assert.Equal(t, uint64(1005), currentID)

	required, currentID, err = engine.CheckSyncRequired(ctx, 1005)
	require.NoError(t, err)
	assert.False(t, required)
	assert.Equal(t, uint64(1005), currentID)
}

func TestSyncFromHistory_ClassifiesDelta(t *testing.T) {
	api := &fakeMailAPI{
		pages: map[string]fakePage{
			"": {
				records: []models.HistoryRecord{
					{
						ID: 1001,
						MessagesAdded: []models.AddedMessage{
							{MessageID: "msg123", LabelIDs: []string{"INBOX"}},
						},
					},
					{
						ID:              1003,
						MessagesDeleted: []string{"msg456"},
					},
					{
						ID: 1005,
						LabelsAdded: []models.LabelChange{
							{MessageID: "msg789", LabelIDs: []string{"STARRED"}, Added: true},
						},
						LabelsRemoved: []models.LabelChange{
							{MessageID: "msg789", LabelIDs: []string{"UNREAD"}, Added: false},
						},
					},
				},
			},
		},
	}
	engine := newTestEngine(t, api)

	result := engine.SyncFromHistory(context.Background(), 1000)

	assert.True(t, result.Success)
	assert.Equal(t, uint64(1000), result.StartHistoryID)
	assert.Equal(t, uint64(1005), result.NewHistoryID)
	assert.Equal(t, []string{"msg123"}, result.AddedMessageIDs)
	assert.Equal(t, []string{"msg456"}, result.DeletedMessageIDs)
	require.Len(t, result.LabelChanges, 2)
	assert.True(t, result.LabelChanges[0].Added)
	assert.False(t, result.LabelChanges[1].Added)
	assert.Equal(t, 1, result.PagesProcessed)
	assert.False(t, result.FullResyncRequired)
}

func TestSyncFromHistory_FollowsPages(t *testing.T) {
	api := &fakeMailAPI{
		pages: map[string]fakePage{
			"": {
				records: []models.HistoryRecord{
					{ID: 1001, MessagesAdded: []models.AddedMessage{{MessageID: "a"}}},
				},
				nextToken: "p2",
			},
			"p2": {
				records: []models.HistoryRecord{
					{ID: 1002, MessagesAdded: []models.AddedMessage{{MessageID: "b"}}},
					// repeated add collapses
					{ID: 1003, MessagesAdded: []models.AddedMessage{{MessageID: "a"}}},
				},
			},
		},
	}
	engine := newTestEngine(t, api)

	result := engine.SyncFromHistory(context.Background(), 1000)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.PagesProcessed)
	assert.Equal(t, []string{"a", "b"}, result.AddedMessageIDs)
	assert.Equal(t, uint64(1003), result.NewHistoryID)
}

func TestSyncFromHistory_EmptyDelta(t *testing.T) {
	api := &fakeMailAPI{pages: map[string]fakePage{"": {}}}
	engine := newTestEngine(t, api)

	result := engine.SyncFromHistory(context.Background(), 1000)

	assert.True(t, result.Success)
	assert.Equal(t, uint64(1000), result.NewHistoryID, "watermark holds when no records arrive")
	assert.Empty(t, result.AddedMessageIDs)
	assert.Empty(t, result.DeletedMessageIDs)
}

func TestSyncFromHistory_PartialFailureKeepsReachedID(t *testing.T) {
	api := &fakeMailAPI{
		pages: map[string]fakePage{
			"": {
				records: []models.HistoryRecord{
					{ID: 1002, MessagesAdded: []models.AddedMessage{{MessageID: "a"}}},
				},
				nextToken: "p2",
			},
		},
		failListOn: 2,
	}
	engine := newTestEngine(t, api)

	result := engine.SyncFromHistory(context.Background(), 1000)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, uint64(1002), result.NewHistoryID, "id reached before the failure is kept")
	assert.Equal(t, []string{"a"}, result.AddedMessageIDs)
}

func TestSyncFromHistory_ExpiredHistoryID(t *testing.T) {
	api := &fakeMailAPI{listErr: fmt.Errorf("history since 1000: %w", ErrHistoryExpired)}
	engine := newTestEngine(t, api)

	result := engine.SyncFromHistory(context.Background(), 1000)

	assert.False(t, result.Success)
	assert.True(t, result.FullResyncRequired)
	assert.Equal(t, uint64(1000), result.NewHistoryID)
}

func TestSyncFromHistory_PageCap(t *testing.T) {
	api := &fakeMailAPI{
		pages: map[string]fakePage{
			"":   {records: []models.HistoryRecord{{ID: 1001}}, nextToken: "p2"},
			"p2": {records: []models.HistoryRecord{{ID: 1002}}, nextToken: "p3"},
			"p3": {records: []models.HistoryRecord{{ID: 1003}}},
		},
	}
	engine, err := NewEngine(&EngineConfig{
		API:      api,
		Breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig("test")),
		Logger:   zerolog.Nop(),
		MaxPages: 2,
	})
	require.NoError(t, err)

	result := engine.SyncFromHistory(context.Background(), 1000)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.PagesProcessed)
	assert.Equal(t, uint64(1002), result.NewHistoryID)
}

func TestFetchAddedMessages(t *testing.T) {
	api := &fakeMailAPI{
		messages: map[string]*models.Message{
			"a": {ID: "a", Snippet: "first"},
			"b": {ID: "b", Snippet: "second"},
		},
	}
	engine := newTestEngine(t, api)
	ctx := context.Background()

	messages, err := engine.FetchAddedMessages(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "a", messages[0].ID)

	// empty input makes no remote call
	before := api.getCalls
	messages, err = engine.FetchAddedMessages(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, messages)
	assert.Equal(t, before, api.getCalls)
}

func TestEngine_BreakerRejectsWhenOpen(t *testing.T) {
	api := &fakeMailAPI{currentErr: errors.New("remote down")}
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:             "test",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	})
	engine, err := NewEngine(&EngineConfig{API: api, Breaker: breaker, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.GetCurrentHistoryID(ctx)
	require.Error(t, err)
	_, err = engine.GetCurrentHistoryID(ctx)
	require.Error(t, err)

	// breaker is open now; the remote is no longer consulted
	_, err = engine.GetCurrentHistoryID(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	result := engine.SyncFromHistory(ctx, 1000)
	assert.False(t, result.Success)
	assert.False(t, result.FullResyncRequired)
	assert.Equal(t, 0, api.listCalls)
}
