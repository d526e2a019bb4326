// Package slack sends alert notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/tripwire/internal/alert"
	"github.com/linnemanlabs/tripwire/internal/notify"
)

const (
	maxMessageLen  = 3000
	maxAttrFields  = 10
	defaultTimeout = 10 * time.Second
)

// Notifier posts alerts to Slack webhook destinations.
type Notifier struct {
	client *http.Client
}

// New creates a new Slack notifier. Per-destination timeouts are applied via
// the request context.
func New() *Notifier {
	return &Notifier{client: &http.Client{}}
}

// Type implements notify.Notifier.
func (n *Notifier) Type() string { return "slack" }

// Notify posts a Block Kit message for a to the destination webhook.
func (n *Notifier) Notify(ctx context.Context, dest *notify.Destination, a *alert.Alert) (int, error) {
	timeout := dest.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(buildMessage(a))
	if err != nil {
		return 0, fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhook URL is from trusted config, not user input
	if err != nil {
		return 0, fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &notify.StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return resp.StatusCode, nil
}

func buildMessage(a *alert.Alert) map[string]any {
	blocks := []map[string]any{
		headerBlock(a),
		{"type": "divider"},
		fieldsBlock(a),
	}
	if attrs := attrsBlock(a); attrs != nil {
		blocks = append(blocks, map[string]any{"type": "divider"}, attrs)
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(a))
	return map[string]any{
		"text":   fmt.Sprintf("[%s] %s", a.Severity, a.Message),
		"blocks": blocks,
	}
}

func headerBlock(a *alert.Alert) map[string]any {
	text := fmt.Sprintf("%s %s", severityEmoji(a.Severity), truncate(a.Message, 140))
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(a *alert.Alert) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rule:* %s", a.RuleID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", a.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", a.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Count:* %d", a.Count),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Group:* %s", a.GroupKey),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Fingerprint:* `%s`", a.Fingerprint),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

// attrsBlock lists originating attributes in key order, capped so large
// events don't blow the Slack block limit.
func attrsBlock(a *alert.Alert) map[string]any {
	if len(a.Attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(a.Attrs))
	for k := range a.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i == maxAttrFields {
			fmt.Fprintf(&b, "_+%d more_", len(keys)-maxAttrFields)
			break
		}
		fmt.Fprintf(&b, "• `%s`: %v\n", k, a.Attrs[k])
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate("*Attributes*\n\n"+b.String(), maxMessageLen),
		},
	}
}

func contextBlock(a *alert.Alert) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("tripwire • alert %s • first seen %s", a.ID, a.FirstSeen.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical", "high":
		return "\U0001f534" // red circle
	case "medium", "warning":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
