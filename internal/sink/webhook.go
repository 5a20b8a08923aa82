package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avaliev/tgbridge/internal/domain"
)

// WebhookSink POSTs events to the backend callback route, one request per
// event, addressed by the owning agent.
type WebhookSink struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewWebhook creates a webhook sink targeting baseURL.
func NewWebhook(baseURL, apiKey string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// webhookPayload is the body shape the backend consumer expects.
type webhookPayload struct {
	Event     domain.EventType  `json:"event"`
	SessionID string            `json:"session_id"`
	Message   *domain.Message   `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Deliver posts the event to /api/webhooks/telegram/{agent_id}.
func (s *WebhookSink) Deliver(ctx context.Context, event *domain.InboundEvent) error {
	body, err := json.Marshal(webhookPayload{
		Event:     event.Type,
		SessionID: event.SessionID,
		Message:   event.Message,
		Metadata:  event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/webhooks/telegram/%d", s.baseURL, event.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classifyStatus(resp)
}

// classifyStatus maps the response code onto the retry contract: 2xx is
// done, 429 carries the server-mandated pause, and 4xx other than 408 is
// not worth retrying.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		after := parseRetryAfter(resp.Header.Get("Retry-After"))
		return fmt.Errorf("webhook rate limited: %w", &domain.RetryAfterError{After: after})
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout:
		return fmt.Errorf("webhook rejected with status %d: %w", resp.StatusCode, ErrPermanent)
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
