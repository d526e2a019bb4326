package playbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxOutputLen = 4096

// Webhook executes a playbook by POSTing the request to an automation
// endpoint. A 2xx response is success and the body becomes the output.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook creates a webhook executor. timeout bounds each call.
func NewWebhook(url string, headers map[string]string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Executor.
func (w *Webhook) Name() string { return "webhook" }

// Execute implements Executor. Dry runs render the payload and return it as
// output without contacting the endpoint.
func (w *Webhook) Execute(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal request: %w", err)
	}

	if req.DryRun {
		return &Result{
			Success: true,
			Output:  fmt.Sprintf("dry run: would POST %d bytes to %s", len(body), w.url),
		}, nil
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq) //nolint:gosec // url comes from the catalog, not user input
	if err != nil {
		return &Result{Error: err.Error(), Duration: time.Since(start)}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutputLen))
	res := &Result{Duration: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Error = fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, string(out))
		return res, nil
	}
	res.Success = true
	res.Output = string(out)
	return res, nil
}
