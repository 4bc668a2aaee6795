package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Task is a governed unit of work, persisted with its full spec and claim
// state. Status values are validated and transitioned by internal/task, not
// here: the store layer persists whatever status it is given.
type Task struct {
	ID             string
	ParentID       string
	Title          string
	RepoPath       string
	WorktreePath   string
	WorktreeBranch string
	Status         string
	SpecSummary    string
	SpecAcceptance string
	SpecTestPlan   string
	RiskLevel      string
	Priority       int
	Labels         string // JSON array
	ClaimHolder    string
	HeartbeatAt    sql.NullTime
	LeaseExpiresAt sql.NullTime
	RetryCount     int
	TestsRun       bool
	LastTestPassed bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const taskColumns = `id, parent_id, title, repo_path, worktree_path, worktree_branch, status,
	spec_summary, spec_acceptance, spec_test_plan, risk_level, priority, labels,
	claim_holder, heartbeat_at, lease_expires_at, retry_count, tests_run, last_test_passed,
	created_at, updated_at`

// CreateTask inserts a new task. Status and risk_level fall back to their
// schema defaults ('planned' and 'Medium') when left empty.
func (s *Store) CreateTask(t Task) error {
	if t.Status == "" {
		t.Status = "planned"
	}
	if t.RiskLevel == "" {
		t.RiskLevel = "Medium"
	}
	if t.Labels == "" {
		t.Labels = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, parent_id, title, repo_path, worktree_path, worktree_branch,
			status, spec_summary, spec_acceptance, spec_test_plan, risk_level, priority, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ParentID, t.Title, t.RepoPath, t.WorktreePath, t.WorktreeBranch,
		t.Status, t.SpecSummary, t.SpecAcceptance, t.SpecTestPlan, t.RiskLevel, t.Priority, t.Labels)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var testsRun, lastTestPassed int
	err := row.Scan(&t.ID, &t.ParentID, &t.Title, &t.RepoPath, &t.WorktreePath, &t.WorktreeBranch, &t.Status,
		&t.SpecSummary, &t.SpecAcceptance, &t.SpecTestPlan, &t.RiskLevel, &t.Priority, &t.Labels,
		&t.ClaimHolder, &t.HeartbeatAt, &t.LeaseExpiresAt, &t.RetryCount, &testsRun, &lastTestPassed,
		&t.CreatedAt, &t.UpdatedAt)
	t.TestsRun = testsRun != 0
	t.LastTestPassed = lastTestPassed != 0
	return t, err
}

// rowScanner lets scanTask work against both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// GetTask loads a single task by id.
func (s *Store) GetTask(id string) (Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, fmt.Errorf("store: task %q: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return Task{}, fmt.Errorf("store: get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. A zero value lists everything.
type TaskFilter struct {
	Status   string
	RepoPath string
	ParentID string
}

// ListTasks returns tasks matching filter, oldest first.
func (s *Store) ListTasks(filter TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.RepoPath != "" {
		query += ` AND repo_path = ?`
		args = append(args, filter.RepoPath)
	}
	if filter.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, filter.ParentID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask atomically assigns claimHolder to a task, but only when the task
// is open for claiming (status is one of the claimable statuses and any
// existing lease has expired). The conditional UPDATE is the single source
// of truth for the race: two concurrent claimants can never both succeed.
func (s *Store) ClaimTask(id, claimHolder string, leaseExpiresAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET claim_holder = ?, status = 'claimed',
			heartbeat_at = datetime('now'), lease_expires_at = ?, updated_at = datetime('now')
		WHERE id = ?
		  AND status IN ('ready', 'queued')
		  AND (lease_expires_at IS NULL OR lease_expires_at < datetime('now'))`,
		claimHolder, leaseExpiresAt, id)
	if err != nil {
		return false, fmt.Errorf("store: claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim task rows affected: %w", err)
	}
	return n == 1, nil
}

// HeartbeatTask extends a claimed task's lease and returns the new expiry.
// It only touches tasks still held by claimHolder.
func (s *Store) HeartbeatTask(id, claimHolder string, newExpiresAt time.Time) (time.Time, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET heartbeat_at = datetime('now'), lease_expires_at = ?, updated_at = datetime('now')
		WHERE id = ? AND claim_holder = ? AND status NOT IN ('done', 'failed', 'canceled')`,
		newExpiresAt, id, claimHolder)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: heartbeat task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("store: heartbeat rows affected: %w", err)
	}
	if n == 0 {
		return time.Time{}, fmt.Errorf("store: heartbeat task %q: not claimed by %q", id, claimHolder)
	}
	return newExpiresAt, nil
}

// SetTaskStatus unconditionally writes a new status. Transition legality is
// the caller's (internal/task's) responsibility.
func (s *Store) SetTaskStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = datetime('now') WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: set task status: %w", err)
	}
	return nil
}

// RecordTestRun marks whether a test run happened for this task and its
// outcome, consulted by the Definition-of-Done checker.
func (s *Store) RecordTestRun(id string, passed bool) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET tests_run = 1, last_test_passed = ?, updated_at = datetime('now') WHERE id = ?`,
		boolToInt(passed), id)
	if err != nil {
		return fmt.Errorf("store: record test run: %w", err)
	}
	return nil
}

// ReleaseExpiredClaims reverts claimed tasks whose lease has lapsed back to
// ready, returning their ids so the caller can emit lease_expired events.
func (s *Store) ReleaseExpiredClaims() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM tasks WHERE status = 'claimed' AND lease_expires_at < datetime('now')`)
	if err != nil {
		return nil, fmt.Errorf("store: find expired claims: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan expired claim: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		_, err := s.db.Exec(`
			UPDATE tasks SET status = 'ready', claim_holder = '', lease_expires_at = NULL, updated_at = datetime('now')
			WHERE id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("store: release expired claim %q: %w", id, err)
		}
	}
	return ids, nil
}

// ListStaleHeartbeats returns ids of claimed or active tasks whose last
// heartbeat is older than cutoff, candidates for the interruption pass.
func (s *Store) ListStaleHeartbeats(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM tasks
		WHERE status IN ('claimed', 'active') AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`,
		cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("store: list stale heartbeats: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan stale heartbeat: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReleaseClaim reverts a single task to ready and clears its claim state,
// used by the heartbeat-interruption pass.
func (s *Store) ReleaseClaim(id string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = 'ready', claim_holder = '', lease_expires_at = NULL,
			retry_count = retry_count + 1, updated_at = datetime('now')
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: release claim %q: %w", id, err)
	}
	return nil
}

// AppendTaskEvent mirrors a task event-log entry into SQL for query access
// alongside the authoritative JSONL log (internal/eventlog).
func (s *Store) AppendTaskEvent(taskID string, seq uint64, kind, actor, correlationID, payloadJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO task_events (task_id, seq, kind, actor, correlation_id, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, seq, kind, actor, correlationID, payloadJSON)
	if err != nil {
		return fmt.Errorf("store: append task event: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
