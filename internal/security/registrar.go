package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registrar creates incident records from detected security events.
// Detectors live outside this core and call Create through the ingress
// API.
type Registrar struct {
	logger       *zap.Logger
	store        IncidentStore
	orchestrator *Orchestrator
	now          func() time.Time
}

// NewRegistrar creates an incident registrar.
func NewRegistrar(logger *zap.Logger, store IncidentStore, orchestrator *Orchestrator) *Registrar {
	return &Registrar{
		logger:       logger,
		store:        store,
		orchestrator: orchestrator,
		now:          time.Now,
	}
}

// Create persists a new incident in the detected state and immediately
// hands it to the orchestrator for automatic response. Persistence
// failure is a hard failure: incident durability is a correctness
// requirement. Response failures are absorbed by the orchestrator.
func (r *Registrar) Create(ctx context.Context, input IncidentInput) (*SecurityIncident, error) {
	if input.IncidentType == "" {
		return nil, fmt.Errorf("incident type required")
	}
	if !input.Severity.Valid() {
		return nil, fmt.Errorf("severity %q: %w", input.Severity, ErrInvalidSeverity)
	}

	start := r.now()

	// Detector input is untrusted: keep the level inside [1, max] so
	// every stored level is reachable by Escalate.
	level := input.EscalationLevel
	if level < 1 {
		level = 1
	}
	if max := r.orchestrator.config.MaxEscalationLevel; level > max {
		level = max
	}

	evidence := make(map[string]string, len(input.Evidence))
	for k, v := range input.Evidence {
		evidence[k] = v
	}

	incident := &SecurityIncident{
		ID:              uuid.NewString(),
		IncidentType:    input.IncidentType,
		Severity:        input.Severity,
		Status:          StatusDetected,
		Description:     input.Description,
		AffectedSystems: input.AffectedSystems,
		SourceIP:        input.SourceIP,
		UserAgent:       input.UserAgent,
		AttackVector:    input.AttackVector,
		EscalationLevel: level,
		Evidence:        evidence,
		CreatedAt:       start,
	}

	if err := r.store.CreateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to persist incident: %w", err)
	}

	// Diagnostic cost of registration itself; persisted with the
	// orchestrator's final update.
	incident.ResponseTimeMs = r.now().Sub(start).Milliseconds()

	r.logger.Warn("Security incident registered",
		zap.String("id", incident.ID),
		zap.String("type", incident.IncidentType),
		zap.String("severity", string(incident.Severity)),
		zap.String("source_ip", incident.SourceIP),
	)

	if err := r.orchestrator.Respond(ctx, incident); err != nil {
		// Best-effort: the incident exists and operators can complete
		// remediation manually.
		r.logger.Error("Automatic response incomplete",
			zap.String("incident_id", incident.ID),
			zap.Error(err),
		)
	}

	return incident, nil
}
