// Package gmail implements the remote mail API collaborator over the Gmail
// REST API. The sync engine consumes it through the history.MailAPI
// interface; all requests pass through a client-side rate limiter.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/config"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/history"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// Client wraps the Gmail API service for one mailbox.
type Client struct {
	svc     *gmail.Service
	userID  string
	limiter *rate.Limiter
}

// NewClient builds a Gmail client from OAuth credential and token files.
func NewClient(ctx context.Context, cfg *config.GmailConfig) (*Client, error) {
	credBytes, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	oauthCfg, err := google.ConfigFromJSON(credBytes, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	tokenBytes, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(tokenBytes, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauthCfg.TokenSource(ctx, &token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "me"
	}

	return &Client{
		svc:     svc,
		userID:  userID,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// CurrentHistoryID returns the mailbox's current high-water history id.
func (c *Client) CurrentHistoryID(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	profile, err := c.svc.Users.GetProfile(c.userID).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to get mailbox profile: %w", err)
	}

	return profile.HistoryId, nil
}

// ListHistory fetches one page of history records starting after sinceID.
// A stored id the remote has already evicted surfaces as
// history.ErrHistoryExpired.
func (c *Client) ListHistory(ctx context.Context, sinceID uint64, pageToken string) ([]models.HistoryRecord, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	call := c.svc.Users.History.List(c.userID).StartHistoryId(sinceID).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		var apiErr *googleapi.Error
		// Gmail answers 404 when the start id has fallen out of history
		// retention.
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, "", fmt.Errorf("history since %d: %w", sinceID, history.ErrHistoryExpired)
		}
		return nil, "", fmt.Errorf("failed to list history since %d: %w", sinceID, err)
	}

	records := make([]models.HistoryRecord, 0, len(resp.History))
	for _, h := range resp.History {
		records = append(records, convertHistory(h))
	}

	return records, resp.NextPageToken, nil
}

// GetMessages bulk-fetches full message records. An empty input returns an
// empty result without touching the remote.
func (c *Client) GetMessages(ctx context.Context, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	messages := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		if err := c.limiter.Wait(ctx); err != nil {
			return messages, err
		}

		msg, err := c.svc.Users.Messages.Get(c.userID, id).Format("full").Context(ctx).Do()
		if err != nil {
			return messages, fmt.Errorf("failed to get message %s: %w", id, err)
		}

		messages = append(messages, convertMessage(msg))
	}

	return messages, nil
}

// convertHistory maps a Gmail history entry onto the engine's record type.
func convertHistory(h *gmail.History) models.HistoryRecord {
	rec := models.HistoryRecord{ID: h.Id}

	for _, added := range h.MessagesAdded {
		if added.Message == nil {
			continue
		}
		rec.MessagesAdded = append(rec.MessagesAdded, models.AddedMessage{
			MessageID: added.Message.Id,
			LabelIDs:  added.Message.LabelIds,
		})
	}

	for _, deleted := range h.MessagesDeleted {
		if deleted.Message == nil {
			continue
		}
		rec.MessagesDeleted = append(rec.MessagesDeleted, deleted.Message.Id)
	}

	for _, la := range h.LabelsAdded {
		if la.Message == nil {
			continue
		}
		rec.LabelsAdded = append(rec.LabelsAdded, models.LabelChange{
			MessageID: la.Message.Id,
			LabelIDs:  la.LabelIds,
			Added:     true,
		})
	}

	for _, lr := range h.LabelsRemoved {
		if lr.Message == nil {
			continue
		}
		rec.LabelsRemoved = append(rec.LabelsRemoved, models.LabelChange{
			MessageID: lr.Message.Id,
			LabelIDs:  lr.LabelIds,
			Added:     false,
		})
	}

	return rec
}

// convertMessage maps a Gmail message onto the engine's message type.
func convertMessage(m *gmail.Message) *models.Message {
	return &models.Message{
		ID:        m.Id,
		ThreadID:  m.ThreadId,
		HistoryID: m.HistoryId,
		LabelIDs:  m.LabelIds,
		Snippet:   m.Snippet,
		SizeBytes: m.SizeEstimate,
		Internal:  time.UnixMilli(m.InternalDate).UTC(),
	}
}
