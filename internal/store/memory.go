package store

import (
	"context"
	"sync"
	"time"

	"github.com/veridian/sentinel/internal/alerting"
	"github.com/veridian/sentinel/internal/security"
)

// Memory is the in-memory store used in development mode and tests.
// All methods copy on the way in and out so callers never share state
// with the store.
type Memory struct {
	mu        sync.RWMutex
	incidents map[string]*security.SecurityIncident
	entries   []*security.BlacklistEntry
	alerts    map[string]*alerting.Alert
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		incidents: make(map[string]*security.SecurityIncident),
		alerts:    make(map[string]*alerting.Alert),
	}
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// Incidents

func (m *Memory) CreateIncident(_ context.Context, incident *security.SecurityIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[incident.ID] = cloneIncident(incident)
	return nil
}

func (m *Memory) GetIncident(_ context.Context, id string) (*security.SecurityIncident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	incident, ok := m.incidents[id]
	if !ok {
		return nil, security.ErrIncidentNotFound
	}
	return cloneIncident(incident), nil
}

func (m *Memory) UpdateIncident(_ context.Context, incident *security.SecurityIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.incidents[incident.ID]; !ok {
		return security.ErrIncidentNotFound
	}
	m.incidents[incident.ID] = cloneIncident(incident)
	return nil
}

func (m *Memory) ActiveIncidents(_ context.Context, severity security.Severity) ([]*security.SecurityIncident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*security.SecurityIncident, 0)
	for _, incident := range m.incidents {
		if incident.Status == security.StatusResolved {
			continue
		}
		if severity != "" && incident.Severity != severity {
			continue
		}
		out = append(out, cloneIncident(incident))
	}
	return out, nil
}

// Blacklist

func (m *Memory) InsertEntry(_ context.Context, entry *security.BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, cloneEntry(entry))
	return nil
}

func (m *Memory) ActiveEntry(_ context.Context, ip string, now time.Time) (*security.BlacklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.entries {
		if entry.IPAddress == ip && entry.IsActive && entry.ExpiresAt.After(now) {
			return cloneEntry(entry), nil
		}
	}
	return nil, nil
}

func (m *Memory) DeactivateByIP(_ context.Context, ip string, revokedAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, entry := range m.entries {
		if entry.IPAddress == ip && entry.IsActive {
			entry.IsActive = false
			t := revokedAt
			entry.RevokedAt = &t
			count++
		}
	}
	return count, nil
}

func (m *Memory) DeactivateExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, entry := range m.entries {
		if entry.IsActive && entry.AutomaticExpiry && entry.ExpiresAt.Before(now) {
			entry.IsActive = false
			count++
		}
	}
	return count, nil
}

func (m *Memory) ActiveEntries(_ context.Context, now time.Time) ([]*security.BlacklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*security.BlacklistEntry, 0)
	for _, entry := range m.entries {
		if entry.IsActive && entry.ExpiresAt.After(now) {
			out = append(out, cloneEntry(entry))
		}
	}
	return out, nil
}

// Alerts

func (m *Memory) SaveAlert(_ context.Context, alert *alerting.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

func (m *Memory) UnresolvedAlerts(_ context.Context) ([]*alerting.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*alerting.Alert, 0)
	for _, alert := range m.alerts {
		if !alert.Resolved {
			out = append(out, cloneAlert(alert))
		}
	}
	return out, nil
}

func (m *Memory) HasUnresolvedSince(_ context.Context, alertType alerting.AlertType, endpointKey string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, alert := range m.alerts {
		if !alert.Resolved && alert.Type == alertType && alert.EndpointKey == endpointKey && !alert.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ResolveAlert(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return alerting.ErrAlertNotFound
	}
	alert.Resolved = true
	return nil
}
