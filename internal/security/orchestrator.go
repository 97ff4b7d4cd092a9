package security

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// IncidentConfig configures the response orchestrator.
type IncidentConfig struct {
	StepTimeout        time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	BlockTTL           time.Duration `mapstructure:"block_ttl" yaml:"block_ttl"`
	MaxEscalationLevel int           `mapstructure:"max_escalation_level" yaml:"max_escalation_level"`
}

// DefaultIncidentConfig returns the default orchestrator configuration.
func DefaultIncidentConfig() IncidentConfig {
	return IncidentConfig{
		StepTimeout:        5 * time.Second,
		BlockTTL:           24 * time.Hour,
		MaxEscalationLevel: 5,
	}
}

// Orchestrator executes the automatic mitigation sequence for newly
// registered incidents and owns the escalate/resolve transitions.
//
// Mitigation is best-effort and additive: each step carries its own
// timeout, a failed step is logged and recorded in the incident's
// evidence, and later steps still run. Steps execute in the fixed order
// blacklist → notify → playbook so escalation effects reflect the
// blacklist outcome recorded first.
type Orchestrator struct {
	logger    *zap.Logger
	config    IncidentConfig
	store     IncidentStore
	blacklist *BlacklistManager
	notifier  Notifier
	playbooks *PlaybookExecutor
	now       func() time.Time
}

// NewOrchestrator creates a response orchestrator. A nil notifier
// disables SOC notification.
func NewOrchestrator(logger *zap.Logger, config IncidentConfig, store IncidentStore, blacklist *BlacklistManager, notifier Notifier, playbooks *PlaybookExecutor) *Orchestrator {
	if config.StepTimeout <= 0 {
		config.StepTimeout = 5 * time.Second
	}
	if config.BlockTTL <= 0 {
		config.BlockTTL = 24 * time.Hour
	}
	if config.MaxEscalationLevel <= 0 {
		config.MaxEscalationLevel = 5
	}

	return &Orchestrator{
		logger:    logger,
		config:    config,
		store:     store,
		blacklist: blacklist,
		notifier:  notifier,
		playbooks: playbooks,
		now:       time.Now,
	}
}

// Respond runs the mitigation sequence and persists the updated
// incident. Only the final persistence failure is returned; individual
// step failures are absorbed.
func (o *Orchestrator) Respond(ctx context.Context, incident *SecurityIncident) error {
	start := o.now()

	o.blockSource(ctx, incident)
	o.notifySOC(ctx, incident)
	o.runPlaybook(ctx, incident)

	incident.MitigationTimeMs = o.now().Sub(start).Milliseconds()

	if incident.AutoMitigated || incident.IPBlacklisted || incident.SOCNotified {
		incident.Status = StatusMitigated
	} else {
		incident.Status = StatusInvestigating
	}

	if err := o.store.UpdateIncident(ctx, incident); err != nil {
		return fmt.Errorf("failed to persist incident response: %w", err)
	}

	o.logger.Info("Incident response complete",
		zap.String("incident_id", incident.ID),
		zap.String("status", string(incident.Status)),
		zap.Bool("auto_mitigated", incident.AutoMitigated),
		zap.Bool("ip_blacklisted", incident.IPBlacklisted),
		zap.Bool("soc_notified", incident.SOCNotified),
		zap.Int64("mitigation_time_ms", incident.MitigationTimeMs),
	)

	return nil
}

// blockSource blacklists the source IP for high and critical incidents.
func (o *Orchestrator) blockSource(ctx context.Context, incident *SecurityIncident) {
	if incident.SourceIP == "" {
		return
	}
	if incident.Severity != SeverityHigh && incident.Severity != SeverityCritical {
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	defer cancel()

	reason := fmt.Sprintf("automatic response to %s incident %s", incident.IncidentType, incident.ID)
	if err := o.blacklist.Block(stepCtx, incident.SourceIP, reason, incident.Severity, incident.ID, o.config.BlockTTL); err != nil {
		o.recordStepFailure(incident, "blacklist", err)
		return
	}

	incident.IPBlacklisted = true
	incident.AutoMitigated = true
}

// notifySOC pages the SOC channel for critical incidents.
func (o *Orchestrator) notifySOC(ctx context.Context, incident *SecurityIncident) {
	if incident.Severity != SeverityCritical || o.notifier == nil {
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	defer cancel()

	if err := o.notifier.Notify(stepCtx, incident); err != nil {
		o.recordStepFailure(incident, "soc_notify", err)
		return
	}

	incident.SOCNotified = true
}

// runPlaybook dispatches the category playbook.
func (o *Orchestrator) runPlaybook(ctx context.Context, incident *SecurityIncident) {
	stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	defer cancel()

	outcome, err := o.playbooks.Execute(stepCtx, incident)
	if err != nil {
		o.recordStepFailure(incident, "playbook", err)
		return
	}

	incident.PlaybookExecuted = outcome.Playbook
	incident.AutoMitigated = true
	if outcome.BlockedIP {
		incident.IPBlacklisted = true
	}
	if outcome.EscalateTo > incident.EscalationLevel {
		incident.EscalationLevel = outcome.EscalateTo
	}
}

// Escalate raises the incident's escalation level and optionally
// assigns it. Decreases are rejected: the level is monotonically
// non-decreasing. Status is not changed.
func (o *Orchestrator) Escalate(ctx context.Context, id string, newLevel int, assignee string) (*SecurityIncident, error) {
	incident, err := o.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	// Clamp before the decrease check so an above-ceiling request can
	// never lower a level that was itself at the ceiling.
	if newLevel > o.config.MaxEscalationLevel {
		newLevel = o.config.MaxEscalationLevel
	}
	if newLevel < incident.EscalationLevel {
		return nil, fmt.Errorf("level %d below current %d: %w", newLevel, incident.EscalationLevel, ErrEscalationDecrease)
	}

	incident.EscalationLevel = newLevel
	if assignee != "" {
		incident.AssignedTo = assignee
	}

	if err := o.store.UpdateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to persist escalation: %w", err)
	}

	o.logger.Info("Incident escalated",
		zap.String("incident_id", id),
		zap.Int("level", newLevel),
		zap.String("assignee", assignee),
	)

	return incident, nil
}

// Resolve transitions the incident to its terminal state. Resolving an
// already-resolved incident is a no-op success.
func (o *Orchestrator) Resolve(ctx context.Context, id, resolution, resolvedBy string) (*SecurityIncident, error) {
	incident, err := o.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	if incident.Status == StatusResolved {
		return incident, nil
	}

	now := o.now()
	incident.Status = StatusResolved
	incident.Resolution = resolution
	incident.ResolvedAt = &now
	if resolvedBy != "" {
		incident.AssignedTo = resolvedBy
	}

	if err := o.store.UpdateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}

	o.logger.Info("Incident resolved",
		zap.String("incident_id", id),
		zap.String("resolved_by", resolvedBy),
	)

	return incident, nil
}

// ActiveIncidents returns non-resolved incidents, optionally filtered
// by severity.
func (o *Orchestrator) ActiveIncidents(ctx context.Context, severity Severity) ([]*SecurityIncident, error) {
	return o.store.ActiveIncidents(ctx, severity)
}

func (o *Orchestrator) recordStepFailure(incident *SecurityIncident, step string, err error) {
	if incident.Evidence == nil {
		incident.Evidence = make(map[string]string)
	}
	incident.Evidence[step+"_error"] = err.Error()

	o.logger.Error("Mitigation step failed",
		zap.String("incident_id", incident.ID),
		zap.String("step", step),
		zap.Error(err),
	)
}
