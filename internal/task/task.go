// Package task implements the task state machine that sits above the raw
// SQL persistence in internal/store: validated status transitions, atomic
// claim/heartbeat semantics, lease reclamation, and the event log that
// makes every mutation replayable.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/clawde-io/cortexd/internal/eventlog"
	"github.com/clawde-io/cortexd/internal/store"
)

// Status is a task lifecycle state.
type Status string

const (
	Planned        Status = "planned"
	Ready          Status = "ready"
	Queued         Status = "queued"
	Claimed        Status = "claimed"
	Active         Status = "active"
	Paused         Status = "paused"
	Blocked        Status = "blocked"
	NeedsReview    Status = "needs_review"
	InReview       Status = "in_review"
	ReviewFailed   Status = "review_failed"
	NeedsQA        Status = "needs_qa"
	InQA           Status = "in_qa"
	QAFailed       Status = "qa_failed"
	NeedsSecondary Status = "needs_secondary"
	Done           Status = "done"
	Failed         Status = "failed"
	Canceled       Status = "canceled"
)

// claimableStatuses are the statuses from which ClaimTask's conditional
// UPDATE may succeed: ready for pickup, or already queued for a
// specific agent.
var claimableStatuses = map[Status]bool{
	Ready:  true,
	Queued: true,
}

// terminal reports whether a status is one a task can never leave.
func terminal(s Status) bool {
	return s == Done || s == Failed || s == Canceled
}

// transitions is the whitelist of valid (from, to) status pairs. Any pair
// not present here is rejected by Transition.
var transitions = map[Status]map[Status]bool{
	Planned:        {Ready: true, Canceled: true},
	Ready:          {Queued: true, Blocked: true, Canceled: true},
	Queued:         {Claimed: true, Ready: true, Canceled: true},
	Claimed:        {Active: true, Ready: true, Canceled: true},
	Active:         {Paused: true, NeedsReview: true, Blocked: true, Failed: true, Canceled: true},
	Paused:         {Active: true, Canceled: true},
	Blocked:        {Ready: true, Canceled: true},
	NeedsReview:    {InReview: true, Canceled: true},
	InReview:       {ReviewFailed: true, NeedsQA: true, Done: true, Canceled: true},
	ReviewFailed:   {Active: true, Canceled: true},
	NeedsQA:        {InQA: true, Canceled: true},
	InQA:           {QAFailed: true, NeedsSecondary: true, Done: true, Canceled: true},
	QAFailed:       {Active: true, Canceled: true},
	NeedsSecondary: {InReview: true, Done: true, Canceled: true},
}

// ErrDoDViolations is returned when the Definition-of-Done gate blocks
// the active -> needs_review transition.
type ErrDoDViolations struct {
	Violations []string
}

func (e *ErrDoDViolations) Error() string {
	return fmt.Sprintf("task: definition-of-done violations: %v", e.Violations)
}

// ErrInvalidTransition is returned when a (from, to) pair is not whitelisted.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("task: invalid transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether moving from `from` to `to` is whitelisted.
func CanTransition(from, to Status) bool {
	if terminal(from) {
		return false
	}
	return transitions[from][to]
}

// Manager coordinates the store and the per-task event log so every
// mutation is both durably persisted and replayable.
type Manager struct {
	store    *store.Store
	logDir   string
	pub      Publisher
	activeMD string
}

// Publisher emits push events for a mutated task.
type Publisher interface {
	Publish(eventName string, payload any)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

// NewManager returns a Manager backed by st, writing per-task event logs
// under logDir. A nil pub disables push notifications.
func NewManager(st *store.Store, logDir string, pub Publisher) *Manager {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Manager{store: st, logDir: logDir, pub: pub}
}

// SetActiveMarkdown configures the path of the active-task markdown
// file. When set, every status mutation regenerates the file's status
// symbols in place, best-effort.
func (m *Manager) SetActiveMarkdown(path string) {
	m.activeMD = path
}

// syncActiveMarkdown rewrites the active markdown file's status symbols
// to match current task state. Missing files and write failures are
// ignored: the markdown mirror never blocks a task mutation.
func (m *Manager) syncActiveMarkdown() {
	if m.activeMD == "" {
		return
	}
	original, err := os.ReadFile(m.activeMD)
	if err != nil {
		return
	}
	tasks, err := m.store.ListTasks(store.TaskFilter{})
	if err != nil {
		return
	}
	statuses := make(map[string]Status, len(tasks))
	for _, t := range tasks {
		statuses[t.ID] = Status(t.Status)
	}
	updated := RegenerateActiveMarkdown(string(original), statuses)
	if updated != string(original) {
		_ = os.WriteFile(m.activeMD, []byte(updated), 0644)
	}
}

func (m *Manager) openLog(taskID string) (*eventlog.Log, error) {
	return eventlog.Open(m.logDir, taskID)
}

func (m *Manager) appendEvent(taskID string, kind eventlog.Kind, actor, correlationID string, payload any) error {
	log, err := m.openLog(taskID)
	if err != nil {
		return fmt.Errorf("task: open event log: %w", err)
	}
	defer log.Close()

	seq, err := log.Append(kind, actor, correlationID, payload)
	if err != nil {
		return fmt.Errorf("task: append event: %w", err)
	}

	payloadJSON := "{}"
	if b, err := marshalPayload(payload); err == nil {
		payloadJSON = b
	}
	if err := m.store.AppendTaskEvent(taskID, seq, string(kind), actor, correlationID, payloadJSON); err != nil {
		return fmt.Errorf("task: mirror event: %w", err)
	}
	return nil
}

// Create inserts a new task and emits its Created event.
func (m *Manager) Create(t store.Task, actor string) error {
	if t.Status == "" {
		t.Status = string(Planned)
	}
	if err := m.store.CreateTask(t); err != nil {
		return err
	}
	if err := m.appendEvent(t.ID, eventlog.Created, actor, "", map[string]string{"title": t.Title}); err != nil {
		return err
	}
	m.pub.Publish("task.created", t)
	return nil
}

// Claim attempts to atomically claim a task for agent, with a lease that
// expires after leaseSecs seconds. Returns false, nil if the task was not
// available to claim (already claimed, or in a non-claimable status).
func (m *Manager) Claim(taskID, agent string, leaseSecs int) (bool, error) {
	expiresAt := time.Now().Add(time.Duration(leaseSecs) * time.Second)
	ok, err := m.store.ClaimTask(taskID, agent, expiresAt)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := m.appendEvent(taskID, eventlog.ClaimAcquired, agent, "", map[string]any{
		"lease_expires_at": expiresAt,
	}); err != nil {
		return false, err
	}
	m.pub.Publish("task.claimed", map[string]string{"task_id": taskID, "agent": agent})
	m.syncActiveMarkdown()
	return true, nil
}

// Heartbeat extends a held claim's lease by extendSecs and returns the new
// expiry.
func (m *Manager) Heartbeat(taskID, agent string, extendSecs int) (time.Time, error) {
	newExpiry := time.Now().Add(time.Duration(extendSecs) * time.Second)
	expiry, err := m.store.HeartbeatTask(taskID, agent, newExpiry)
	if err != nil {
		return time.Time{}, err
	}
	if err := m.appendEvent(taskID, eventlog.Heartbeat, agent, "", map[string]any{"lease_expires_at": expiry}); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// DoDChecker evaluates Definition-of-Done gates before active -> needs_review
// is allowed to proceed.
type DoDChecker func(taskID string) ([]string, error)

// Transition validates and applies a status change, consulting dod when the
// transition is active -> needs_review. A non-empty violation list blocks
// the transition without mutating state.
func (m *Manager) Transition(taskID string, to Status, reason, actor string, dod DoDChecker) error {
	current, err := m.store.GetTask(taskID)
	if err != nil {
		return err
	}
	from := Status(current.Status)

	if !CanTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}

	if from == Active && to == NeedsReview && dod != nil {
		violations, err := dod(taskID)
		if err != nil {
			return fmt.Errorf("task: dod check: %w", err)
		}
		if len(violations) > 0 {
			return &ErrDoDViolations{Violations: violations}
		}
	}

	if err := m.store.SetTaskStatus(taskID, string(to)); err != nil {
		return err
	}
	if err := m.appendEvent(taskID, eventlog.StatusChanged, actor, "", map[string]any{
		"from": from, "to": to, "reason": reason,
	}); err != nil {
		return err
	}

	kind := eventlog.StatusChanged
	switch to {
	case Done:
		kind = eventlog.Completed
	case Failed:
		kind = eventlog.Failed
	}
	if kind != eventlog.StatusChanged {
		if err := m.appendEvent(taskID, kind, actor, "", map[string]any{"reason": reason}); err != nil {
			return err
		}
	}

	m.pub.Publish("task.transitioned", map[string]any{"task_id": taskID, "from": from, "to": to})
	m.syncActiveMarkdown()
	return nil
}

// List returns tasks matching filter.
func (m *Manager) List(filter store.TaskFilter) ([]store.Task, error) {
	return m.store.ListTasks(filter)
}

// ReleaseExpired reverts claimed tasks with lapsed leases back to ready,
// emitting a LeaseExpired event for each.
func (m *Manager) ReleaseExpired() ([]string, error) {
	ids, err := m.store.ReleaseExpiredClaims()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := m.appendEvent(id, eventlog.LeaseExpired, "daemon", "", nil); err != nil {
			return ids, err
		}
		m.pub.Publish("task.lease_expired", map[string]string{"task_id": id})
	}
	m.syncActiveMarkdown()
	return ids, nil
}

// InterruptStale releases claims on tasks whose last heartbeat is older
// than cutoff: each affected task reverts to ready, its claim is cleared,
// and a task.interrupted push event fires so clients can surface the
// interruption.
func (m *Manager) InterruptStale(cutoff time.Time) ([]string, error) {
	ids, err := m.store.ListStaleHeartbeats(cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := m.store.ReleaseClaim(id); err != nil {
			return ids, err
		}
		if err := m.appendEvent(id, eventlog.StatusChanged, "daemon", "", map[string]string{
			"to": string(Ready), "reason": "heartbeat timeout",
		}); err != nil {
			return ids, err
		}
		m.pub.Publish("task.interrupted", map[string]string{"task_id": id})
	}
	m.syncActiveMarkdown()
	return ids, nil
}

// RecordTestRun marks a task's latest test outcome for the DoD gate.
func (m *Manager) RecordTestRun(taskID string, passed bool) error {
	return m.store.RecordTestRun(taskID, passed)
}

// Get loads a single task.
func (m *Manager) Get(taskID string) (store.Task, error) {
	return m.store.GetTask(taskID)
}

func marshalPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
