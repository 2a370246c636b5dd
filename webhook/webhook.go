package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FailurePayload is posted when a service keeps exiting with a non-zero code
type FailurePayload struct {
	Service             string    `json:"service"`
	Timestamp           time.Time `json:"timestamp"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastExitCode        int       `json:"last_exit_code"`
	UptimeSeconds       float64   `json:"uptime_seconds"`
	Error               string    `json:"error,omitempty"`
	LastLines           []string  `json:"last_lines,omitempty"` // Tail of the captured output
}

// Notifier posts failure payloads to a single URL. A Notifier with an empty
// URL does nothing.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier creates a notifier for url
func NewNotifier(url string) *Notifier {
	return &Notifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a URL was configured
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// NotifyFailure sends payload as JSON and expects a 2xx answer
func (n *Notifier) NotifyFailure(ctx context.Context, payload FailurePayload) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pipewatch/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
