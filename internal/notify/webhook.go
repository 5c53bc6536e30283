package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Webhook POSTs events as JSON to a configured URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook channel.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{}}
}

func (w *Webhook) Name() string { return "webhook" }

// Send posts the event.
func (w *Webhook) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(map[string]string{
		"id":      ev.ID,
		"kind":    string(ev.Kind),
		"title":   ev.Title,
		"message": ev.Message,
		"at":      ev.At.Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

var _ Channel = (*Webhook)(nil)
