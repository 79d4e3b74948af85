package notifier

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/care/fallguard/internal/types"
)

// Sink delivers a surfaced event to one destination
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n types.Notification) error
}

// WebhookSink POSTs each notification as JSON
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink for url. A nil client uses http.DefaultClient;
// per-attempt deadlines come from the dispatcher context.
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{url: url, client: client}
}

// Name identifies the sink in logs and stats
func (s *WebhookSink) Name() string {
	return "webhook"
}

// Deliver posts n to the webhook. Any non-2xx status is an error.
func (s *WebhookSink) Deliver(ctx context.Context, n types.Notification) error {
	payload, err := n.ToJSON()
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
