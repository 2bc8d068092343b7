package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const webhookAttempts = 3

// WebhookNotifier posts job events to a callback URL.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	backoff time.Duration
	logger  *slog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		backoff: time.Second,
		logger:  logger.With("component", "webhook"),
	}
}

// Notify delivers the event, retrying failed attempts with a linear
// backoff. It has the signature of Handler.
func (n *WebhookNotifier) Notify(ctx context.Context, event *JobFinishedPayload) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if lastErr = n.post(ctx, event.EventType, body); lastErr == nil {
			n.logger.Info("event delivered", "job_id", event.JobID, "event_type", event.EventType, "attempt", attempt)
			return nil
		}
		n.logger.Warn("webhook attempt failed", "job_id", event.JobID, "attempt", attempt, "error", lastErr)

		if attempt < webhookAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * n.backoff):
			}
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", webhookAttempts, lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", eventType)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
