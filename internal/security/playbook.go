package security

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PlaybookOutcome reports what a playbook did so the orchestrator can
// record it on the incident.
type PlaybookOutcome struct {
	Playbook   string
	BlockedIP  bool
	EscalateTo int // 0 = leave escalation level unchanged
}

// Playbook is one automated mitigation procedure, parameterized by the
// incident it runs against. Implementations hold no mutable state and
// are safe to run concurrently for different incidents.
type Playbook interface {
	Name() string
	Run(ctx context.Context, incident *SecurityIncident) (PlaybookOutcome, error)
}

// PlaybookExecutor dispatches incidents to the playbook registered for
// their category. New categories are added by registering a procedure,
// not by editing a switch. Unrecognized categories run the logging
// fallback, which performs no blocking but still counts as executed.
type PlaybookExecutor struct {
	logger    *zap.Logger
	blacklist *BlacklistManager
	maxLevel  int

	mu        sync.RWMutex
	playbooks map[string]Playbook
	fallback  Playbook
}

// NewPlaybookExecutor creates an executor with the default playbook set
// registered.
func NewPlaybookExecutor(logger *zap.Logger, blacklist *BlacklistManager, maxEscalationLevel int) *PlaybookExecutor {
	if maxEscalationLevel <= 0 {
		maxEscalationLevel = 5
	}

	pe := &PlaybookExecutor{
		logger:    logger,
		blacklist: blacklist,
		maxLevel:  maxEscalationLevel,
		playbooks: make(map[string]Playbook),
		fallback:  &loggingPlaybook{logger: logger},
	}
	pe.registerDefaults()

	return pe
}

// Register binds a playbook to an incident category, replacing any
// existing binding.
func (pe *PlaybookExecutor) Register(category string, playbook Playbook) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.playbooks[category] = playbook
}

// Execute runs the playbook for the incident's category.
func (pe *PlaybookExecutor) Execute(ctx context.Context, incident *SecurityIncident) (PlaybookOutcome, error) {
	pe.mu.RLock()
	playbook, ok := pe.playbooks[incident.IncidentType]
	pe.mu.RUnlock()

	if !ok {
		playbook = pe.fallback
	}

	return playbook.Run(ctx, incident)
}

func (pe *PlaybookExecutor) registerDefaults() {
	pe.Register(IncidentSQLInjection, &blockPlaybook{
		name:      "sql-injection-containment",
		blacklist: pe.blacklist,
		severity:  SeverityHigh,
		ttl:       48 * time.Hour,
	})
	pe.Register(IncidentCredentialStuffing, &blockPlaybook{
		name:      "credential-stuffing-containment",
		blacklist: pe.blacklist,
		severity:  SeverityMedium,
		ttl:       24 * time.Hour,
	})
	pe.Register(IncidentDDoS, &blockPlaybook{
		name:      "ddos-containment",
		blacklist: pe.blacklist,
		severity:  SeverityCritical,
		ttl:       72 * time.Hour,
	})
	pe.Register(IncidentBreachAttempt, &blockPlaybook{
		name:       "breach-containment",
		blacklist:  pe.blacklist,
		severity:   SeverityCritical,
		ttl:        168 * time.Hour,
		escalateTo: pe.maxLevel,
	})
}

// blockPlaybook blocks the incident's source IP for a fixed TTL, and
// optionally forces the escalation level up.
type blockPlaybook struct {
	name       string
	blacklist  *BlacklistManager
	severity   Severity
	ttl        time.Duration
	escalateTo int
}

func (p *blockPlaybook) Name() string { return p.name }

func (p *blockPlaybook) Run(ctx context.Context, incident *SecurityIncident) (PlaybookOutcome, error) {
	outcome := PlaybookOutcome{Playbook: p.name, EscalateTo: p.escalateTo}

	if incident.SourceIP == "" {
		// Nothing to block; the playbook still counts as executed.
		return outcome, nil
	}

	reason := fmt.Sprintf("playbook %s for incident %s", p.name, incident.ID)
	if err := p.blacklist.Block(ctx, incident.SourceIP, reason, p.severity, incident.ID, p.ttl); err != nil {
		return outcome, fmt.Errorf("playbook %s block failed: %w", p.name, err)
	}

	outcome.BlockedIP = true
	return outcome, nil
}

// loggingPlaybook is the fallback for unrecognized categories. It always
// "runs" so auto-mitigation reflects at least observability.
type loggingPlaybook struct {
	logger *zap.Logger
}

func (p *loggingPlaybook) Name() string { return "log-and-observe" }

func (p *loggingPlaybook) Run(_ context.Context, incident *SecurityIncident) (PlaybookOutcome, error) {
	p.logger.Warn("No playbook registered for incident category",
		zap.String("incident_id", incident.ID),
		zap.String("category", incident.IncidentType),
		zap.String("source_ip", incident.SourceIP),
	)
	return PlaybookOutcome{Playbook: p.Name()}, nil
}

// PlaybookSpec is the on-disk playbook definition.
type PlaybookSpec struct {
	Category           string   `yaml:"category"`
	Name               string   `yaml:"name"`
	Action             string   `yaml:"action"` // block_ip or log
	Severity           Severity `yaml:"severity"`
	TTLHours           int      `yaml:"ttl_hours"`
	ForceMaxEscalation bool     `yaml:"force_max_escalation"`
}

type playbookFile struct {
	Playbooks []PlaybookSpec `yaml:"playbooks"`
}

// LoadPlaybookFile parses playbook definitions from a yaml file.
func LoadPlaybookFile(path string) ([]PlaybookSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook file: %w", err)
	}

	var file playbookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse playbook file: %w", err)
	}

	for i, spec := range file.Playbooks {
		if spec.Category == "" {
			return nil, fmt.Errorf("playbook %d: category required", i)
		}
		if spec.Action == "block_ip" && !spec.Severity.Valid() {
			return nil, fmt.Errorf("playbook %q: %w", spec.Category, ErrInvalidSeverity)
		}
	}

	return file.Playbooks, nil
}

// Configure replaces category bindings from parsed specs.
func (pe *PlaybookExecutor) Configure(specs []PlaybookSpec) error {
	for _, spec := range specs {
		switch spec.Action {
		case "block_ip":
			name := spec.Name
			if name == "" {
				name = spec.Category + "-containment"
			}
			escalateTo := 0
			if spec.ForceMaxEscalation {
				escalateTo = pe.maxLevel
			}
			pe.Register(spec.Category, &blockPlaybook{
				name:       name,
				blacklist:  pe.blacklist,
				severity:   spec.Severity,
				ttl:        time.Duration(spec.TTLHours) * time.Hour,
				escalateTo: escalateTo,
			})
		case "log":
			pe.Register(spec.Category, &loggingPlaybook{logger: pe.logger})
		default:
			return fmt.Errorf("playbook %q: unknown action %q", spec.Category, spec.Action)
		}
	}
	return nil
}
