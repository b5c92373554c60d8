package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"moonlander/internal/alerts"
)

// postTimeout bounds a single delivery attempt for the HTTP backends.
const postTimeout = 10 * time.Second

// WebhookNotifier POSTs each alert as JSON to a configured endpoint.
// The body is the alerts.Alert wire form, so receivers can share decode
// code with the pub:alerts Redis channel.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier targeting url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: postTimeout},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert alerts.Alert) error {
	if alert.TS.IsZero() {
		alert.TS = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Keep a snippet of the response so a misconfigured receiver is
		// diagnosable from the missiond log alone.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)

	log.Printf("[webhook] delivered %s/%s to %s", alert.Level, alert.Rule, w.url)
	return nil
}
