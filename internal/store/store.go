// Package store provides SQLite-backed persistence for cortexd state:
// sessions, threads, turns, tasks, accounts, account usage events, the
// security audit log, metrics ticks, and the settings/fingerprint table.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded relational database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	repo_path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle',
	model_override TEXT NOT NULL DEFAULT '',
	pinned_account_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	last_activity_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	task_id TEXT NOT NULL DEFAULT '',
	model_config TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	seq INTEGER NOT NULL,
	items TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	repo_path TEXT NOT NULL,
	worktree_path TEXT NOT NULL DEFAULT '',
	worktree_branch TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'planned',
	spec_summary TEXT NOT NULL DEFAULT '',
	spec_acceptance TEXT NOT NULL DEFAULT '',
	spec_test_plan TEXT NOT NULL DEFAULT '',
	risk_level TEXT NOT NULL DEFAULT 'Medium',
	priority INTEGER NOT NULL DEFAULT 0,
	labels TEXT NOT NULL DEFAULT '[]',
	claim_holder TEXT NOT NULL DEFAULT '',
	heartbeat_at DATETIME,
	lease_expires_at DATETIME,
	retry_count INTEGER NOT NULL DEFAULT 0,
	tests_run INTEGER NOT NULL DEFAULT 0,
	last_test_passed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS task_events (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (task_id, seq)
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	rpm_used INTEGER NOT NULL DEFAULT 0,
	tpm_used INTEGER NOT NULL DEFAULT 0,
	total_requests INTEGER NOT NULL DEFAULT 0,
	last_used_at DATETIME,
	is_available INTEGER NOT NULL DEFAULT 1,
	blocked_until DATETIME
);

CREATE TABLE IF NOT EXISTS account_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	tokens INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS repo_context (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	file_path TEXT NOT NULL,
	attention_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (session_id, file_path)
);

CREATE TABLE IF NOT EXISTS security_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor TEXT NOT NULL DEFAULT '',
	tool TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS metrics_ticks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tick_at DATETIME NOT NULL DEFAULT (datetime('now')),
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	approvals INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (and if necessary creates) the SQLite database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, for tests.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// MachineFingerprint returns a stable SHA-256 machine fingerprint, created on
// first call and persisted thereafter in the settings table.
func (s *Store) MachineFingerprint() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = 'machine_fingerprint'`).Scan(&value)
	if err == nil {
		return value, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: read fingerprint: %w", err)
	}

	hostname, _ := os.Hostname()
	sum := sha256.Sum256([]byte(hostname + "|" + hardwareSalt()))
	fingerprint := hex.EncodeToString(sum[:])

	_, err = s.db.Exec(`INSERT INTO settings (key, value) VALUES ('machine_fingerprint', ?)`, fingerprint)
	if err != nil {
		return "", fmt.Errorf("store: write fingerprint: %w", err)
	}
	return fingerprint, nil
}

// SetSetting upserts one settings key.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	return nil
}

// GetSetting reads one settings key, returning "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get setting %q: %w", key, err)
	}
	return value, nil
}

// hardwareSalt is a best-effort platform identifier; tests and containers
// without stable hardware IDs still get a fingerprint, just a less unique one.
func hardwareSalt() string {
	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		return string(id)
	}
	return "unknown-machine"
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
