package alerting

import (
	"context"
	"errors"
	"time"
)

// ErrAlertNotFound is returned when resolving an unknown alert id.
var ErrAlertNotFound = errors.New("alert not found")

// AlertType classifies what measurement breached.
type AlertType string

const (
	AlertTypeRate     AlertType = "rate"
	AlertTypeError    AlertType = "error"
	AlertTypeDuration AlertType = "duration"
	AlertTypeCustom   AlertType = "custom"
)

// Severity bands an alert by how far past the threshold it landed.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold breach record. Retained for audit; the only
// mutation after creation is flipping Resolved.
type Alert struct {
	ID          string    `json:"id"`
	Type        AlertType `json:"type"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Threshold   float64   `json:"threshold"`
	Observed    float64   `json:"observed"`
	EndpointKey string    `json:"endpoint"`
	Timestamp   time.Time `json:"timestamp"`
	Resolved    bool      `json:"resolved"`
}

// Store persists alerts for audit and dedup lookups.
type Store interface {
	SaveAlert(ctx context.Context, alert *Alert) error
	UnresolvedAlerts(ctx context.Context) ([]*Alert, error)
	HasUnresolvedSince(ctx context.Context, alertType AlertType, endpointKey string, since time.Time) (bool, error)
	ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) error
}

// Event is the payload forwarded to the external security-event sink.
type Event struct {
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details"`
}

// EventSink forwards events to an external system (SIEM, dashboard
// stream). Implementations must tolerate being called concurrently.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}
