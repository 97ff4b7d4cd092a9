// Package store provides the persistence backends for incidents, alerts
// and blacklist entries: an in-memory store for development and tests,
// and a SQL store with sqlite and postgres drivers behind a factory.
package store

import (
	"github.com/veridian/sentinel/internal/alerting"
	"github.com/veridian/sentinel/internal/security"
)

// Store is the combined persistence surface the core components need.
type Store interface {
	security.IncidentStore
	security.BlacklistStore
	alerting.Store

	Close() error
}

func cloneIncident(in *security.SecurityIncident) *security.SecurityIncident {
	out := *in
	if in.AffectedSystems != nil {
		out.AffectedSystems = append([]string(nil), in.AffectedSystems...)
	}
	if in.Evidence != nil {
		out.Evidence = make(map[string]string, len(in.Evidence))
		for k, v := range in.Evidence {
			out.Evidence[k] = v
		}
	}
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

func cloneEntry(in *security.BlacklistEntry) *security.BlacklistEntry {
	out := *in
	if in.RevokedAt != nil {
		t := *in.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

func cloneAlert(in *alerting.Alert) *alerting.Alert {
	out := *in
	return &out
}
