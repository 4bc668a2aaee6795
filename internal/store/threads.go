package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ThreadKind distinguishes control, task, and sub threads.
type ThreadKind string

const (
	ThreadControl ThreadKind = "control"
	ThreadTask    ThreadKind = "task"
	ThreadSub     ThreadKind = "sub"
)

// ThreadStatus is the thread lifecycle state.
type ThreadStatus string

const (
	ThreadActive    ThreadStatus = "active"
	ThreadPaused    ThreadStatus = "paused"
	ThreadCompleted ThreadStatus = "completed"
	ThreadArchived  ThreadStatus = "archived"
	ThreadError     ThreadStatus = "error"
)

// Thread is one linear sequence of turns within a session.
type Thread struct {
	ID          string
	SessionID   string
	Kind        ThreadKind
	Status      ThreadStatus
	TaskID      string
	ModelConfig string // opaque JSON, immutable after creation
	CreatedAt   time.Time
}

// CreateThread inserts a new thread.
func (s *Store) CreateThread(t Thread) error {
	if t.Status == "" {
		t.Status = ThreadActive
	}
	if t.ModelConfig == "" {
		t.ModelConfig = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO threads (id, session_id, kind, status, task_id, model_config)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, string(t.Kind), string(t.Status), t.TaskID, t.ModelConfig)
	if err != nil {
		return fmt.Errorf("store: create thread %s: %w", t.ID, err)
	}
	return nil
}

func scanThread(row interface{ Scan(dest ...any) error }) (Thread, error) {
	var t Thread
	var kind, status string
	err := row.Scan(&t.ID, &t.SessionID, &kind, &status, &t.TaskID, &t.ModelConfig, &t.CreatedAt)
	t.Kind = ThreadKind(kind)
	t.Status = ThreadStatus(status)
	return t, err
}

// GetThread returns a thread by id.
func (s *Store) GetThread(id string) (*Thread, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, kind, status, task_id, model_config, created_at
		FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get thread %s: %w", id, err)
	}
	return &t, nil
}

// ListThreadsForSession returns every thread belonging to a session.
func (s *Store) ListThreadsForSession(sessionID string) ([]Thread, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, kind, status, task_id, model_config, created_at
		FROM threads WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateThreadStatus sets a thread's lifecycle status.
func (s *Store) UpdateThreadStatus(id string, status ThreadStatus) error {
	res, err := s.db.Exec(`UPDATE threads SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: update thread status %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: thread %s not found", id)
	}
	return nil
}

// AppendTurn appends an append-only turn to a thread under the next sequence number.
func (s *Store) AppendTurn(threadID, role, itemsJSON string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM turns WHERE thread_id = ?`, threadID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("store: next turn seq: %w", err)
	}
	seq := int64(0)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	res, err := s.db.Exec(`
		INSERT INTO turns (thread_id, role, seq, items) VALUES (?, ?, ?, ?)`,
		threadID, role, seq, itemsJSON)
	if err != nil {
		return 0, fmt.Errorf("store: append turn: %w", err)
	}
	return res.LastInsertId()
}

// Turn is one message exchange in a thread.
type Turn struct {
	ID        int64
	ThreadID  string
	Role      string
	Seq       int64
	Items     string
	CreatedAt time.Time
}

// GetMessages returns all turns for a thread in arrival order.
func (s *Store) GetMessages(threadID string) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, role, seq, items, created_at FROM turns
		WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Role, &t.Seq, &t.Items, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
