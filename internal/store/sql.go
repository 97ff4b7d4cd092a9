package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers selected through Config.Driver.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/veridian/sentinel/internal/alerting"
	"github.com/veridian/sentinel/internal/security"
)

// Config selects and configures the SQL backend.
type Config struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite3, postgres or memory
	DSN    string `mapstructure:"dsn" yaml:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DefaultConfig returns a local sqlite configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite3",
		DSN:             "sentinel.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// Open creates the store for the configured driver. "memory" returns
// the in-memory store; "sqlite3" and "postgres" open a SQL store and
// initialize its schema.
func Open(config Config) (Store, error) {
	switch config.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite3", "postgres":
		return openSQL(config)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", config.Driver)
	}
}

// SQL is the database/sql-backed store.
type SQL struct {
	db     *sql.DB
	driver string
}

func openSQL(config Config) (*SQL, error) {
	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	s := &SQL{db: db, driver: config.Driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying connection pool.
func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			incident_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT,
			affected_systems TEXT,
			source_ip TEXT,
			user_agent TEXT,
			attack_vector TEXT,
			auto_mitigated BOOLEAN NOT NULL DEFAULT FALSE,
			ip_blacklisted BOOLEAN NOT NULL DEFAULT FALSE,
			soc_notified BOOLEAN NOT NULL DEFAULT FALSE,
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			mitigation_time_ms BIGINT NOT NULL DEFAULT 0,
			assigned_to TEXT,
			escalation_level INTEGER NOT NULL DEFAULT 1,
			playbook_executed TEXT,
			evidence TEXT,
			resolution TEXT,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT,
			threshold DOUBLE PRECISION NOT NULL,
			observed DOUBLE PRECISION NOT NULL,
			endpoint_key TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(alert_type, endpoint_key, resolved)`,
		`CREATE TABLE IF NOT EXISTS blacklist_entries (
			id TEXT PRIMARY KEY,
			ip_address TEXT NOT NULL,
			reason TEXT,
			severity TEXT NOT NULL,
			source_type TEXT NOT NULL,
			incident_id TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			automatic_expiry BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			revoked_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blacklist_ip_active ON blacklist_entries(ip_address, is_active)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Incidents

func (s *SQL) CreateIncident(ctx context.Context, incident *security.SecurityIncident) error {
	systems, err := json.Marshal(incident.AffectedSystems)
	if err != nil {
		return fmt.Errorf("failed to marshal affected systems: %w", err)
	}
	evidence, err := json.Marshal(incident.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO incidents (
			id, incident_type, severity, status, description, affected_systems,
			source_ip, user_agent, attack_vector, auto_mitigated, ip_blacklisted,
			soc_notified, response_time_ms, mitigation_time_ms, assigned_to,
			escalation_level, playbook_executed, evidence, resolution, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		incident.ID, incident.IncidentType, string(incident.Severity), string(incident.Status),
		incident.Description, string(systems), incident.SourceIP, incident.UserAgent,
		incident.AttackVector, incident.AutoMitigated, incident.IPBlacklisted,
		incident.SOCNotified, incident.ResponseTimeMs, incident.MitigationTimeMs,
		incident.AssignedTo, incident.EscalationLevel, incident.PlaybookExecuted,
		string(evidence), incident.Resolution, incident.CreatedAt, incident.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (s *SQL) GetIncident(ctx context.Context, id string) (*security.SecurityIncident, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, incident_type, severity, status, description, affected_systems,
			source_ip, user_agent, attack_vector, auto_mitigated, ip_blacklisted,
			soc_notified, response_time_ms, mitigation_time_ms, assigned_to,
			escalation_level, playbook_executed, evidence, resolution, created_at, resolved_at
		FROM incidents WHERE id = ?`), id)

	incident, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, security.ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	return incident, nil
}

func (s *SQL) UpdateIncident(ctx context.Context, incident *security.SecurityIncident) error {
	systems, err := json.Marshal(incident.AffectedSystems)
	if err != nil {
		return fmt.Errorf("failed to marshal affected systems: %w", err)
	}
	evidence, err := json.Marshal(incident.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE incidents SET
			severity = ?, status = ?, description = ?, affected_systems = ?,
			auto_mitigated = ?, ip_blacklisted = ?, soc_notified = ?,
			response_time_ms = ?, mitigation_time_ms = ?, assigned_to = ?,
			escalation_level = ?, playbook_executed = ?, evidence = ?,
			resolution = ?, resolved_at = ?
		WHERE id = ?`),
		string(incident.Severity), string(incident.Status), incident.Description,
		string(systems), incident.AutoMitigated, incident.IPBlacklisted,
		incident.SOCNotified, incident.ResponseTimeMs, incident.MitigationTimeMs,
		incident.AssignedTo, incident.EscalationLevel, incident.PlaybookExecuted,
		string(evidence), incident.Resolution, incident.ResolvedAt, incident.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return security.ErrIncidentNotFound
	}
	return nil
}

func (s *SQL) ActiveIncidents(ctx context.Context, severity security.Severity) ([]*security.SecurityIncident, error) {
	query := `
		SELECT id, incident_type, severity, status, description, affected_systems,
			source_ip, user_agent, attack_vector, auto_mitigated, ip_blacklisted,
			soc_notified, response_time_ms, mitigation_time_ms, assigned_to,
			escalation_level, playbook_executed, evidence, resolution, created_at, resolved_at
		FROM incidents WHERE status != ?`
	args := []any{string(security.StatusResolved)}

	if severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(severity))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	out := make([]*security.SecurityIncident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, incident)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (*security.SecurityIncident, error) {
	var (
		incident         security.SecurityIncident
		severity, status string
		systems          sql.NullString
		evidence         sql.NullString
		sourceIP         sql.NullString
		userAgent        sql.NullString
		attackVector     sql.NullString
		assignedTo       sql.NullString
		playbook         sql.NullString
		resolution       sql.NullString
		description      sql.NullString
		resolvedAt       sql.NullTime
	)

	err := row.Scan(&incident.ID, &incident.IncidentType, &severity, &status,
		&description, &systems, &sourceIP, &userAgent, &attackVector,
		&incident.AutoMitigated, &incident.IPBlacklisted, &incident.SOCNotified,
		&incident.ResponseTimeMs, &incident.MitigationTimeMs, &assignedTo,
		&incident.EscalationLevel, &playbook, &evidence, &resolution,
		&incident.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	incident.Severity = security.Severity(severity)
	incident.Status = security.IncidentStatus(status)
	incident.Description = description.String
	incident.SourceIP = sourceIP.String
	incident.UserAgent = userAgent.String
	incident.AttackVector = attackVector.String
	incident.AssignedTo = assignedTo.String
	incident.PlaybookExecuted = playbook.String
	incident.Resolution = resolution.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		incident.ResolvedAt = &t
	}
	if systems.Valid && systems.String != "" {
		if err := json.Unmarshal([]byte(systems.String), &incident.AffectedSystems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal affected systems: %w", err)
		}
	}
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &incident.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
	}

	return &incident, nil
}

// Blacklist

func (s *SQL) InsertEntry(ctx context.Context, entry *security.BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO blacklist_entries (
			id, ip_address, reason, severity, source_type, incident_id,
			is_active, automatic_expiry, expires_at, created_at, revoked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.IPAddress, entry.Reason, string(entry.Severity),
		entry.SourceType, entry.IncidentID, entry.IsActive, entry.AutomaticExpiry,
		entry.ExpiresAt, entry.CreatedAt, entry.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert blacklist entry: %w", err)
	}
	return nil
}

func (s *SQL) ActiveEntry(ctx context.Context, ip string, now time.Time) (*security.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, ip_address, reason, severity, source_type, incident_id,
			is_active, automatic_expiry, expires_at, created_at, revoked_at
		FROM blacklist_entries
		WHERE ip_address = ? AND is_active = ? AND expires_at > ?
		LIMIT 1`), ip, true, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEntry(rows)
}

func (s *SQL) DeactivateByIP(ctx context.Context, ip string, revokedAt time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE blacklist_entries SET is_active = ?, revoked_at = ?
		WHERE ip_address = ? AND is_active = ?`),
		false, revokedAt, ip, true)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate entries: %w", err)
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQL) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE blacklist_entries SET is_active = ?
		WHERE is_active = ? AND automatic_expiry = ? AND expires_at < ?`),
		false, true, true, now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired entries: %w", err)
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQL) ActiveEntries(ctx context.Context, now time.Time) ([]*security.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, ip_address, reason, severity, source_type, incident_id,
			is_active, automatic_expiry, expires_at, created_at, revoked_at
		FROM blacklist_entries
		WHERE is_active = ? AND expires_at > ?
		ORDER BY created_at DESC`), true, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist entries: %w", err)
	}
	defer rows.Close()

	out := make([]*security.BlacklistEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row scanner) (*security.BlacklistEntry, error) {
	var (
		entry      security.BlacklistEntry
		severity   string
		reason     sql.NullString
		incidentID sql.NullString
		revokedAt  sql.NullTime
	)

	err := row.Scan(&entry.ID, &entry.IPAddress, &reason, &severity, &entry.SourceType,
		&incidentID, &entry.IsActive, &entry.AutomaticExpiry, &entry.ExpiresAt,
		&entry.CreatedAt, &revokedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
	}

	entry.Severity = security.Severity(severity)
	entry.Reason = reason.String
	entry.IncidentID = incidentID.String
	if revokedAt.Valid {
		t := revokedAt.Time
		entry.RevokedAt = &t
	}
	return &entry, nil
}

// Alerts

func (s *SQL) SaveAlert(ctx context.Context, alert *alerting.Alert) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO alerts (id, alert_type, severity, message, threshold, observed,
			endpoint_key, created_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.ID, string(alert.Type), string(alert.Severity), alert.Message,
		alert.Threshold, alert.Observed, alert.EndpointKey, alert.Timestamp, alert.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *SQL) UnresolvedAlerts(ctx context.Context) ([]*alerting.Alert, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, alert_type, severity, message, threshold, observed, endpoint_key, created_at, resolved
		FROM alerts WHERE resolved = ? ORDER BY created_at DESC`), false)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]*alerting.Alert, 0)
	for rows.Next() {
		var (
			alert             alerting.Alert
			alertType, sev    string
			message           sql.NullString
		)
		if err := rows.Scan(&alert.ID, &alertType, &sev, &message, &alert.Threshold,
			&alert.Observed, &alert.EndpointKey, &alert.Timestamp, &alert.Resolved); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alert.Type = alerting.AlertType(alertType)
		alert.Severity = alerting.Severity(sev)
		alert.Message = message.String
		out = append(out, &alert)
	}
	return out, rows.Err()
}

func (s *SQL) HasUnresolvedSince(ctx context.Context, alertType alerting.AlertType, endpointKey string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(1) FROM alerts
		WHERE alert_type = ? AND endpoint_key = ? AND resolved = ? AND created_at >= ?`),
		string(alertType), endpointKey, false, since).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query alert dedup: %w", err)
	}
	return count > 0, nil
}

func (s *SQL) ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE alerts SET resolved = ?, resolved_at = ? WHERE id = ? AND resolved = ?`),
		true, resolvedAt, id, false)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Unknown id or already resolved; treat the latter as success.
		var count int
		if qerr := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM alerts WHERE id = ?`), id).Scan(&count); qerr == nil && count == 0 {
			return alerting.ErrAlertNotFound
		}
	}
	return nil
}
