package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
	SessionPaused  SessionStatus = "paused"
	SessionWaiting SessionStatus = "waiting"
	SessionDone    SessionStatus = "done"
	SessionError   SessionStatus = "error"
	SessionStopped SessionStatus = "stopped"
)

// Session is a persistent conversation between a client and a coding agent.
type Session struct {
	ID              string
	Provider        string
	RepoPath        string
	Status          SessionStatus
	ModelOverride   string
	PinnedAccountID string
	Mode            string
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

// CreateSession inserts a new session in the idle state.
func (s *Store) CreateSession(sess Session) error {
	if sess.Status == "" {
		sess.Status = SessionIdle
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, provider, repo_path, status, model_override, pinned_account_id, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Provider, sess.RepoPath, string(sess.Status), sess.ModelOverride, sess.PinnedAccountID, sess.Mode)
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", sess.ID, err)
	}
	return nil
}

func scanSession(row interface {
	Scan(dest ...any) error
}) (Session, error) {
	var sess Session
	var status string
	err := row.Scan(&sess.ID, &sess.Provider, &sess.RepoPath, &status, &sess.ModelOverride,
		&sess.PinnedAccountID, &sess.Mode, &sess.CreatedAt, &sess.LastActivityAt)
	sess.Status = SessionStatus(status)
	return sess, err
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, provider, repo_path, status, model_override, pinned_account_id, mode, created_at, last_activity_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, repo_path, status, model_override, pinned_account_id, mode, created_at, last_activity_at
		FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessionsByStatus returns sessions with the given status.
func (s *Store) ListSessionsByStatus(status SessionStatus) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, repo_path, status, model_override, pinned_account_id, mode, created_at, last_activity_at
		FROM sessions WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list sessions by status: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus sets a session's status and bumps last_activity_at.
func (s *Store) UpdateSessionStatus(id string, status SessionStatus) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, last_activity_at = datetime('now') WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: update session status %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: session %s not found", id)
	}
	return nil
}

// UpdateSessionModel sets a session's model override.
func (s *Store) UpdateSessionModel(id, model string) error {
	res, err := s.db.Exec(`UPDATE sessions SET model_override = ?, last_activity_at = datetime('now') WHERE id = ?`, model, id)
	if err != nil {
		return fmt.Errorf("store: update session model %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: session %s not found", id)
	}
	return nil
}

// UpdateSessionMode sets a session's mode overlay (e.g. "forge", "storm").
func (s *Store) UpdateSessionMode(id, mode string) error {
	res, err := s.db.Exec(`UPDATE sessions SET mode = ?, last_activity_at = datetime('now') WHERE id = ?`, mode, id)
	if err != nil {
		return fmt.Errorf("store: update session mode %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: session %s not found", id)
	}
	return nil
}

// DeleteSession removes a session and cascades to its threads and repo context rows.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete session %s: %w", id, err)
	}
	return nil
}

// AddRepoContext records attention on a file path for a session, incrementing
// the attention count on conflict (session, file_path) is unique.
func (s *Store) AddRepoContext(sessionID, filePath string) error {
	_, err := s.db.Exec(`
		INSERT INTO repo_context (session_id, file_path, attention_count) VALUES (?, ?, 1)
		ON CONFLICT (session_id, file_path) DO UPDATE SET attention_count = attention_count + 1`,
		sessionID, filePath)
	if err != nil {
		return fmt.Errorf("store: add repo context: %w", err)
	}
	return nil
}

// RepoContextEntry is one tracked file path for a session.
type RepoContextEntry struct {
	FilePath       string
	AttentionCount int
}

// ListRepoContexts returns tracked file paths for a session, most-attended first.
func (s *Store) ListRepoContexts(sessionID string) ([]RepoContextEntry, error) {
	rows, err := s.db.Query(`
		SELECT file_path, attention_count FROM repo_context WHERE session_id = ? ORDER BY attention_count DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list repo contexts: %w", err)
	}
	defer rows.Close()

	var out []RepoContextEntry
	for rows.Next() {
		var e RepoContextEntry
		if err := rows.Scan(&e.FilePath, &e.AttentionCount); err != nil {
			return nil, fmt.Errorf("store: scan repo context: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveRepoContext removes a tracked file path from a session.
func (s *Store) RemoveRepoContext(sessionID, filePath string) error {
	_, err := s.db.Exec(`DELETE FROM repo_context WHERE session_id = ? AND file_path = ?`, sessionID, filePath)
	if err != nil {
		return fmt.Errorf("store: remove repo context: %w", err)
	}
	return nil
}

// RecoverStaleSessions transitions running->error and paused->idle, as
// required on daemon restart. Returns the number of sessions touched.
func (s *Store) RecoverStaleSessions() (int, error) {
	res1, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE status = ?`, string(SessionError), string(SessionRunning))
	if err != nil {
		return 0, fmt.Errorf("store: recover running sessions: %w", err)
	}
	res2, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE status = ?`, string(SessionIdle), string(SessionPaused))
	if err != nil {
		return 0, fmt.Errorf("store: recover paused sessions: %w", err)
	}
	n1, _ := res1.RowsAffected()
	n2, _ := res2.RowsAffected()
	return int(n1 + n2), nil
}
