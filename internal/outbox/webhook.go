package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// WebhookTransport POSTs entries to an HTTP endpoint with the event id as the
// Idempotency-Key header. Any non-2xx response is a transport failure.
type WebhookTransport struct {
	client *http.Client
	url    string
}

// NewWebhookTransport creates the webhook transport.
func NewWebhookTransport(url string, timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

// Name implements Transport.
func (t *WebhookTransport) Name() string { return "webhook" }

// Deliver implements Transport.
func (t *WebhookTransport) Deliver(ctx context.Context, entry model.OutboxEntry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(entry.Payload))
	if err != nil {
		return &TransportError{Transport: t.Name(), EventID: entry.EventID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.EventID)
	req.Header.Set("X-Agentsync-Attempt", fmt.Sprint(entry.AttemptCount))

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Transport: t.Name(), EventID: entry.EventID, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Transport: t.Name(), EventID: entry.EventID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}
