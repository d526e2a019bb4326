// Package webhook delivers alerts as JSON to generic HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/notify"
)

const defaultTimeout = 10 * time.Second

// Payload is the body POSTed to the endpoint.
type Payload struct {
	Destination string       `json:"destination"`
	Alert       *alert.Alert `json:"alert"`
	SentAt      time.Time    `json:"sent_at"`
}

// Notifier posts alerts to webhook destinations.
type Notifier struct {
	client *http.Client
}

// New creates a webhook notifier. Per-destination timeouts are applied via
// the request context.
func New() *Notifier {
	return &Notifier{client: &http.Client{}}
}

// Type implements notify.Notifier.
func (n *Notifier) Type() string { return "webhook" }

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, dest *notify.Destination, a *alert.Alert) (int, error) {
	timeout := dest.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(Payload{Destination: dest.ID, Alert: a, SentAt: time.Now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req) //nolint:gosec // url comes from the catalog, not user input
	if err != nil {
		return 0, fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &notify.StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return resp.StatusCode, nil
}
