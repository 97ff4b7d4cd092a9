package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookNotifier posts critical incidents to the SOC paging webhook.
type WebhookNotifier struct {
	logger *zap.Logger
	url    string
	token  string
	client *http.Client
}

// NewWebhookNotifier creates a SOC webhook notifier.
func NewWebhookNotifier(logger *zap.Logger, url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		logger: logger,
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts the incident summary.
func (n *WebhookNotifier) Notify(ctx context.Context, incident *SecurityIncident) error {
	payload := map[string]any{
		"incident_id":      incident.ID,
		"incident_type":    incident.IncidentType,
		"severity":         incident.Severity,
		"description":      incident.Description,
		"source_ip":        incident.SourceIP,
		"attack_vector":    incident.AttackVector,
		"escalation_level": incident.EscalationLevel,
		"detected_at":      incident.CreatedAt,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify SOC: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("SOC webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// LogNotifier records notifications in the structured log only. Used
// when no SOC webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the incident at error level.
func (n *LogNotifier) Notify(_ context.Context, incident *SecurityIncident) error {
	n.logger.Error("SOC notification",
		zap.String("incident_id", incident.ID),
		zap.String("type", incident.IncidentType),
		zap.String("severity", string(incident.Severity)),
		zap.String("source_ip", incident.SourceIP),
	)
	return nil
}
