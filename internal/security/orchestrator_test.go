package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memIncidentStore is a minimal in-package incident store for tests.
type memIncidentStore struct {
	mu        sync.Mutex
	incidents map[string]*SecurityIncident
	createErr error
}

func newMemIncidentStore() *memIncidentStore {
	return &memIncidentStore{incidents: make(map[string]*SecurityIncident)}
}

func (s *memIncidentStore) CreateIncident(_ context.Context, incident *SecurityIncident) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *incident
	s.incidents[incident.ID] = &copied
	return nil
}

func (s *memIncidentStore) GetIncident(_ context.Context, id string) (*SecurityIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	copied := *incident
	return &copied, nil
}

func (s *memIncidentStore) UpdateIncident(_ context.Context, incident *SecurityIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[incident.ID]; !ok {
		return ErrIncidentNotFound
	}
	copied := *incident
	s.incidents[incident.ID] = &copied
	return nil
}

func (s *memIncidentStore) ActiveIncidents(_ context.Context, severity Severity) ([]*SecurityIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SecurityIncident, 0)
	for _, incident := range s.incidents {
		if incident.Status == StatusResolved {
			continue
		}
		if severity != "" && incident.Severity != severity {
			continue
		}
		copied := *incident
		out = append(out, &copied)
	}
	return out, nil
}

type captureNotifier struct {
	mu       sync.Mutex
	notified []string
	err      error
}

func (n *captureNotifier) Notify(_ context.Context, incident *SecurityIncident) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, incident.ID)
	return nil
}

type harness struct {
	store        *memIncidentStore
	blStore      *memBlacklistStore
	blacklist    *BlacklistManager
	notifier     *captureNotifier
	orchestrator *Orchestrator
	registrar    *Registrar
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	incidents := newMemIncidentStore()
	blStore := &memBlacklistStore{}

	bm, err := NewBlacklistManager(logger, DefaultBlacklistConfig(), blStore)
	require.NoError(t, err)
	t.Cleanup(func() { bm.Stop() })

	notifier := &captureNotifier{}
	playbooks := NewPlaybookExecutor(logger, bm, 5)
	orch := NewOrchestrator(logger, DefaultIncidentConfig(), incidents, bm, notifier, playbooks)

	return &harness{
		store:        incidents,
		blStore:      blStore,
		blacklist:    bm,
		notifier:     notifier,
		orchestrator: orch,
		registrar:    NewRegistrar(logger, incidents, orch),
	}
}

func TestCreateRunsFullResponseForCriticalDDoS(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType: IncidentDDoS,
		Severity:     SeverityCritical,
		Description:  "volumetric flood on /api/v1/orders",
		SourceIP:     "198.51.100.23",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusMitigated, incident.Status)
	assert.True(t, incident.AutoMitigated)
	assert.True(t, incident.IPBlacklisted)
	assert.True(t, incident.SOCNotified)
	assert.Equal(t, "ddos-containment", incident.PlaybookExecuted)
	assert.True(t, h.blacklist.IsBlocked(ctx, "198.51.100.23"))
	assert.Equal(t, []string{incident.ID}, h.notifier.notified)

	// Persisted state matches the returned incident.
	stored, err := h.store.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMitigated, stored.Status)
	assert.True(t, stored.IPBlacklisted)
}

func TestCreateLowSeverityDoesNotBlockOrPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType: "suspicious_login",
		Severity:     SeverityLow,
		SourceIP:     "203.0.113.30",
	})
	require.NoError(t, err)

	assert.False(t, incident.IPBlacklisted)
	assert.False(t, incident.SOCNotified)
	assert.False(t, h.blacklist.IsBlocked(ctx, "203.0.113.30"))

	// Unknown category ran the logging fallback, which still counts as
	// an executed response.
	assert.Equal(t, "log-and-observe", incident.PlaybookExecuted)
	assert.Equal(t, StatusMitigated, incident.Status)
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.registrar.Create(ctx, IncidentInput{Severity: SeverityHigh})
	assert.Error(t, err)

	_, err = h.registrar.Create(ctx, IncidentInput{IncidentType: IncidentDDoS, Severity: "extreme"})
	assert.ErrorIs(t, err, ErrInvalidSeverity)
}

func TestCreatePersistenceFailureIsHard(t *testing.T) {
	h := newHarness(t)
	h.store.createErr = errors.New("disk full")

	_, err := h.registrar.Create(context.Background(), IncidentInput{
		IncidentType: IncidentDDoS,
		Severity:     SeverityCritical,
	})
	assert.Error(t, err)
}

func TestCreateDefaultsEscalationLevel(t *testing.T) {
	h := newHarness(t)

	incident, err := h.registrar.Create(context.Background(), IncidentInput{
		IncidentType: "probe",
		Severity:     SeverityLow,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, incident.EscalationLevel)
}

func TestCreateClampsDetectorEscalationLevel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Detector-supplied levels above the ceiling clamp at creation, so
	// no stored level can ever sit above what Escalate allows.
	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType:    "probe",
		Severity:        SeverityLow,
		EscalationLevel: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, incident.EscalationLevel)

	// An above-ceiling escalation clamps too, and must not read as a
	// decrease against the already-clamped level.
	updated, err := h.orchestrator.Escalate(ctx, incident.ID, 12, "")
	require.NoError(t, err)
	assert.Equal(t, 5, updated.EscalationLevel)

	stored, err := h.store.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.EscalationLevel)
}

func TestBreachPlaybookForcesMaxEscalation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType: IncidentBreachAttempt,
		Severity:     SeverityCritical,
		SourceIP:     "198.51.100.77",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, incident.EscalationLevel)
	assert.Equal(t, "breach-containment", incident.PlaybookExecuted)
	assert.True(t, h.blacklist.IsBlocked(ctx, "198.51.100.77"))
}

func TestRespondContinuesPastFailedStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.notifier.err = errors.New("pager unreachable")

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType: IncidentDDoS,
		Severity:     SeverityCritical,
		SourceIP:     "198.51.100.88",
	})
	require.NoError(t, err)

	// Notify failed, but blocking and the playbook still ran.
	assert.False(t, incident.SOCNotified)
	assert.True(t, incident.IPBlacklisted)
	assert.Equal(t, StatusMitigated, incident.Status)
	assert.Contains(t, incident.Evidence, "soc_notify_error")
}

func TestRespondRecordsBlacklistFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.blStore.failing = true

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType: IncidentSQLInjection,
		Severity:     SeverityHigh,
		SourceIP:     "198.51.100.44",
	})
	require.NoError(t, err)

	// The block failed, so the incident must say so rather than claim
	// mitigation. The playbook's block attempt fails against the same
	// store, so nothing auto-mitigated.
	assert.False(t, incident.IPBlacklisted)
	assert.False(t, incident.AutoMitigated)
	assert.Contains(t, incident.Evidence, "blacklist_error")
	assert.Contains(t, incident.Evidence, "playbook_error")
	assert.Equal(t, StatusInvestigating, incident.Status)
}

func TestEscalateRejectsDecrease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType:    "probe",
		Severity:        SeverityLow,
		EscalationLevel: 3,
	})
	require.NoError(t, err)

	_, err = h.orchestrator.Escalate(ctx, incident.ID, 2, "")
	assert.ErrorIs(t, err, ErrEscalationDecrease)

	// Unchanged on rejection.
	stored, err := h.store.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.EscalationLevel)
}

func TestEscalateClampsToMaxAndAssigns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType: "probe",
		Severity:     SeverityLow,
	})
	require.NoError(t, err)

	updated, err := h.orchestrator.Escalate(ctx, incident.ID, 99, "oncall-secops")
	require.NoError(t, err)
	assert.Equal(t, 5, updated.EscalationLevel)
	assert.Equal(t, "oncall-secops", updated.AssignedTo)

	// Status is untouched by escalation.
	assert.Equal(t, incident.Status, updated.Status)
}

func TestEscalateUnknownIncident(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator.Escalate(context.Background(), "missing", 2, "")
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestResolveIsTerminalAndIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType: "probe",
		Severity:     SeverityLow,
	})
	require.NoError(t, err)

	resolved, err := h.orchestrator.Resolve(ctx, incident.ID, "confirmed benign", "analyst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, "confirmed benign", resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)

	// A second resolve does not overwrite the original record.
	again, err := h.orchestrator.Resolve(ctx, incident.ID, "different text", "analyst-2")
	require.NoError(t, err)
	assert.Equal(t, "confirmed benign", again.Resolution)
	assert.Equal(t, "analyst-1", again.AssignedTo)

	// Resolved incidents drop out of the active view.
	active, err := h.orchestrator.ActiveIncidents(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestActiveIncidentsSeverityFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.registrar.Create(ctx, IncidentInput{IncidentType: "probe", Severity: SeverityLow})
	require.NoError(t, err)
	_, err = h.registrar.Create(ctx, IncidentInput{IncidentType: "probe", Severity: SeverityHigh})
	require.NoError(t, err)

	all, err := h.orchestrator.ActiveIncidents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	high, err := h.orchestrator.ActiveIncidents(ctx, SeverityHigh)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, SeverityHigh, high[0].Severity)
}

func TestPlaybookConfigureReplacesBindings(t *testing.T) {
	logger := zaptest.NewLogger(t)
	blStore := &memBlacklistStore{}
	bm, err := NewBlacklistManager(logger, DefaultBlacklistConfig(), blStore)
	require.NoError(t, err)
	t.Cleanup(func() { bm.Stop() })

	pe := NewPlaybookExecutor(logger, bm, 5)
	require.NoError(t, pe.Configure([]PlaybookSpec{
		{Category: IncidentDDoS, Action: "log"},
		{Category: "port_scan", Name: "scan-block", Action: "block_ip", Severity: SeverityLow, TTLHours: 1},
	}))

	ctx := context.Background()

	// ddos now only logs.
	outcome, err := pe.Execute(ctx, &SecurityIncident{ID: "i1", IncidentType: IncidentDDoS, SourceIP: "203.0.113.4"})
	require.NoError(t, err)
	assert.Equal(t, "log-and-observe", outcome.Playbook)
	assert.False(t, outcome.BlockedIP)

	// The new category blocks.
	outcome, err = pe.Execute(ctx, &SecurityIncident{ID: "i2", IncidentType: "port_scan", SourceIP: "203.0.113.5"})
	require.NoError(t, err)
	assert.Equal(t, "scan-block", outcome.Playbook)
	assert.True(t, outcome.BlockedIP)
}

func TestPlaybookConfigureRejectsUnknownAction(t *testing.T) {
	pe := NewPlaybookExecutor(zaptest.NewLogger(t), nil, 5)
	err := pe.Configure([]PlaybookSpec{{Category: "x", Action: "quarantine"}})
	assert.Error(t, err)
}

func TestBlockTTLAppliesToAutomaticBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	base := time.Now()
	h.blacklist.now = func() time.Time { return base }

	incident, err := h.registrar.Create(ctx, IncidentInput{
		IncidentType: IncidentCredentialStuffing,
		Severity:     SeverityHigh,
		SourceIP:     "198.51.100.99",
	})
	require.NoError(t, err)
	require.True(t, incident.IPBlacklisted)

	entries, err := h.blacklist.ActiveEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// High severity triggers the orchestrator's block first; the
	// credential-stuffing playbook then sees the existing entry.
	assert.Equal(t, base.Add(24*time.Hour), entries[0].ExpiresAt)
	assert.Equal(t, SourceAutomatic, entries[0].SourceType)
	assert.Equal(t, incident.ID, entries[0].IncidentID)
}
