package security

import (
	"context"
	"errors"
	"time"
)

// Severity classifies incidents and blacklist entries.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// IncidentStatus is the incident lifecycle state.
// detected → investigating → mitigated → resolved (terminal).
type IncidentStatus string

const (
	StatusDetected      IncidentStatus = "detected"
	StatusInvestigating IncidentStatus = "investigating"
	StatusMitigated     IncidentStatus = "mitigated"
	StatusResolved      IncidentStatus = "resolved"
)

// Well-known incident categories with registered playbooks. Detectors
// may submit any category; unknown ones fall through to the logging
// playbook.
const (
	IncidentSQLInjection       = "sql_injection"
	IncidentCredentialStuffing = "credential_stuffing"
	IncidentDDoS               = "ddos"
	IncidentBreachAttempt      = "breach_attempt"
)

// SecurityIncident is a registered security event with its mitigation
// record. Mutated only by the orchestrator and the escalate/resolve
// operations; terminal once resolved.
type SecurityIncident struct {
	ID               string            `json:"id"`
	IncidentType     string            `json:"incident_type"`
	Severity         Severity          `json:"severity"`
	Status           IncidentStatus    `json:"status"`
	Description      string            `json:"description"`
	AffectedSystems  []string          `json:"affected_systems"`
	SourceIP         string            `json:"source_ip,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	AttackVector     string            `json:"attack_vector,omitempty"`
	AutoMitigated    bool              `json:"auto_mitigated"`
	IPBlacklisted    bool              `json:"ip_blacklisted"`
	SOCNotified      bool              `json:"soc_notified"`
	ResponseTimeMs   int64             `json:"response_time_ms"`
	MitigationTimeMs int64             `json:"mitigation_time_ms"`
	AssignedTo       string            `json:"assigned_to,omitempty"`
	EscalationLevel  int               `json:"escalation_level"`
	PlaybookExecuted string            `json:"playbook_executed,omitempty"`
	Evidence         map[string]string `json:"evidence,omitempty"`
	Resolution       string            `json:"resolution,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
}

// IncidentInput is the detector-facing ingress payload.
type IncidentInput struct {
	IncidentType    string            `json:"incident_type"`
	Severity        Severity          `json:"severity"`
	Description     string            `json:"description"`
	AffectedSystems []string          `json:"affected_systems"`
	SourceIP        string            `json:"source_ip,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	AttackVector    string            `json:"attack_vector,omitempty"`
	Evidence        map[string]string `json:"evidence,omitempty"`
	EscalationLevel int               `json:"escalation_level,omitempty"`
}

// BlacklistEntry is one IP block. At most one active entry per IP is
// relied upon; readers treat "any active, unexpired entry" as blocked.
type BlacklistEntry struct {
	ID              string     `json:"id"`
	IPAddress       string     `json:"ip_address"`
	Reason          string     `json:"reason"`
	Severity        Severity   `json:"severity"`
	SourceType      string     `json:"source_type"` // automatic or manual
	IncidentID      string     `json:"incident_id,omitempty"`
	IsActive        bool       `json:"is_active"`
	AutomaticExpiry bool       `json:"automatic_expiry"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// Blacklist entry source types.
const (
	SourceAutomatic = "automatic"
	SourceManual    = "manual"
)

// Errors callers branch on.
var (
	ErrIncidentNotFound   = errors.New("incident not found")
	ErrEscalationDecrease = errors.New("escalation level cannot decrease")
	ErrInvalidSeverity    = errors.New("invalid severity")
)

// IncidentStore persists incidents. Store failures are hard failures:
// incident durability is a correctness requirement.
type IncidentStore interface {
	CreateIncident(ctx context.Context, incident *SecurityIncident) error
	GetIncident(ctx context.Context, id string) (*SecurityIncident, error)
	UpdateIncident(ctx context.Context, incident *SecurityIncident) error

	// ActiveIncidents returns non-resolved incidents, optionally
	// filtered by severity ("" = all).
	ActiveIncidents(ctx context.Context, severity Severity) ([]*SecurityIncident, error)
}

// BlacklistStore persists blacklist entries.
type BlacklistStore interface {
	InsertEntry(ctx context.Context, entry *BlacklistEntry) error

	// ActiveEntry returns any active, unexpired entry for the IP, or
	// nil when none exists.
	ActiveEntry(ctx context.Context, ip string, now time.Time) (*BlacklistEntry, error)

	// DeactivateByIP marks all active entries for the IP revoked and
	// returns how many were touched.
	DeactivateByIP(ctx context.Context, ip string, revokedAt time.Time) (int, error)

	// DeactivateExpired marks active auto-expiring entries whose
	// expiry has passed and returns how many were touched.
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)

	ActiveEntries(ctx context.Context, now time.Time) ([]*BlacklistEntry, error)
}

// Notifier is the SOC escalation channel. Best effort only.
type Notifier interface {
	Notify(ctx context.Context, incident *SecurityIncident) error
}
