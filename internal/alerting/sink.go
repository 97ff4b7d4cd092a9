package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSink posts events to an external HTTP endpoint (SIEM intake).
type WebhookSink struct {
	logger *zap.Logger
	url    string
	token  string
	client *http.Client
}

// NewWebhookSink creates a webhook sink for the given intake URL.
func NewWebhookSink(logger *zap.Logger, url, token string) *WebhookSink {
	return &WebhookSink{
		logger: logger,
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Emit posts the event as JSON.
func (s *WebhookSink) Emit(ctx context.Context, event Event) error {
	payload := map[string]any{
		"event_type": event.Type,
		"severity":   event.Severity,
		"details":    event.Details,
		"timestamp":  time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("event intake returned status %d", resp.StatusCode)
	}

	return nil
}

// MultiSink fans an event out to several sinks. Each sink's failure is
// independent; the first error is returned for logging.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink combines sinks; nil entries are skipped.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	out := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

// Emit forwards to every sink.
func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
