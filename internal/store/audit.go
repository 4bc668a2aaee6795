package store

import (
	"fmt"
	"time"
)

// AuditEntry is one security-audit log row, recording a policy decision.
type AuditEntry struct {
	ID        int64
	Actor     string
	Tool      string
	Outcome   string
	Reason    string
	CreatedAt time.Time
}

// RecordAudit appends a policy decision to the security audit log.
func (s *Store) RecordAudit(actor, tool, outcome, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO security_audit (actor, tool, outcome, reason) VALUES (?, ?, ?, ?)`,
		actor, tool, outcome, reason)
	if err != nil {
		return fmt.Errorf("store: record audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, actor, tool, outcome, reason, created_at FROM security_audit
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Tool, &e.Outcome, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MetricsTick is one recorded scheduler-tick-equivalent metrics snapshot.
type MetricsTick struct {
	ID             int64
	TickAt         time.Time
	TasksCompleted int
	CostUSD        float64
	Errors         int
	Approvals      int
}

// RecordMetricsTick stores one metrics snapshot.
func (s *Store) RecordMetricsTick(m MetricsTick) error {
	_, err := s.db.Exec(`
		INSERT INTO metrics_ticks (tasks_completed, cost_usd, errors, approvals) VALUES (?, ?, ?, ?)`,
		m.TasksCompleted, m.CostUSD, m.Errors, m.Approvals)
	if err != nil {
		return fmt.Errorf("store: record metrics tick: %w", err)
	}
	return nil
}

// ListMetricsTicks returns ticks within [since, now].
func (s *Store) ListMetricsTicks(since time.Time) ([]MetricsTick, error) {
	rows, err := s.db.Query(`
		SELECT id, tick_at, tasks_completed, cost_usd, errors, approvals FROM metrics_ticks
		WHERE tick_at >= ? ORDER BY tick_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("store: list metrics ticks: %w", err)
	}
	defer rows.Close()

	var out []MetricsTick
	for rows.Next() {
		var m MetricsTick
		if err := rows.Scan(&m.ID, &m.TickAt, &m.TasksCompleted, &m.CostUSD, &m.Errors, &m.Approvals); err != nil {
			return nil, fmt.Errorf("store: scan metrics tick: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
