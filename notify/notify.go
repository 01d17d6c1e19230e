// Package notify delivers outbound webhook notifications (stream start) to
// each tenant's configured endpoint. Delivery is fire-and-forget: failures are
// logged and surfaced as a status event, never retried here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notification is the payload sent when a tenant's stream starts.
type Notification struct {
	Kind         string    `json:"kind"`
	TenantID     string    `json:"tenant_id"`
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	Category     string    `json:"category"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	ViewerCount  int       `json:"viewer_count,omitempty"`
}

// KindSessionStart is the only notification kind the connection manager emits.
const KindSessionStart = "session_start"

// WebhookSender posts notifications as JSON to a tenant's webhook URL,
// falling back to DefaultURL when the tenant has none configured.
type WebhookSender struct {
	DefaultURL string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (s *WebhookSender) http() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// Send delivers one notification. webhookURL may be empty, in which case the
// sender's DefaultURL is used; with neither set the notification is dropped
// with a warning.
func (s *WebhookSender) Send(ctx context.Context, webhookURL string, n Notification) error {
	url := webhookURL
	if url == "" {
		url = s.DefaultURL
	}
	if url == "" {
		slog.Warn("notify: no webhook configured, dropping notification",
			slog.String("tenant", n.TenantID), slog.String("session_id", n.SessionID))
		return nil
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http().Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook post failed: %s: %s", resp.Status, string(b))
	}
	return nil
}
