// Package notify delivers notifications for insights and reminders,
// at most once per dedupe key.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hansei-ai/hansei/internal/fault"
)

// Message is what a channel delivers.
type Message struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	DedupeKey string    `json:"dedupe_key"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
}

// Channel sends a message somewhere. Errors must be classified with the
// fault package: a permanent error dead-letters the dispatch job.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookChannel POSTs messages as JSON to a configured endpoint.
type WebhookChannel struct {
	url        string
	httpClient *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, httpClient: &http.Client{}}
}

// Send delivers the message. 4xx responses mean the request itself is
// unacceptable and will never succeed; everything else is retryable.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fault.Permanentf("notify: marshal webhook payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fault.Permanentf("notify: create webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Transient(fmt.Errorf("notify: webhook post: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fault.Permanentf("notify: webhook rejected with status %d", resp.StatusCode)
	default:
		return fault.Transientf("notify: webhook status %d", resp.StatusCode)
	}
}

// LogChannel writes notifications to the log. The default when no webhook
// is configured; keeps the dispatch path exercisable in development.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Send logs the message.
func (c *LogChannel) Send(_ context.Context, msg Message) error {
	c.logger.Info("notification",
		"owner_id", msg.OwnerID, "dedupe_key", msg.DedupeKey, "title", msg.Title, "body", msg.Body)
	return nil
}
