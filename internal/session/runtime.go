// Package session owns the per-session chat loop: thread management,
// tool-call gating through the policy engine, heartbeat-based crash
// detection, cancellation, and daemon-restart recovery.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawde-io/cortexd/internal/account"
	"github.com/clawde-io/cortexd/internal/backoff"
	"github.com/clawde-io/cortexd/internal/broadcast"
	"github.com/clawde-io/cortexd/internal/config"
	"github.com/clawde-io/cortexd/internal/policy"
	"github.com/clawde-io/cortexd/internal/router"
	"github.com/clawde-io/cortexd/internal/secret"
	"github.com/clawde-io/cortexd/internal/store"
	"github.com/clawde-io/cortexd/internal/task"
	"github.com/clawde-io/cortexd/internal/trace"
	"github.com/clawde-io/cortexd/internal/vendoragent"
	"github.com/clawde-io/cortexd/internal/worktree"
)

// newSortableID returns a lexicographically sortable id: a zero-padded
// nanosecond timestamp followed by a short random suffix, so ids created
// later always sort after ids created earlier.
func newSortableID(prefix string) string {
	return fmt.Sprintf("%s_%020d_%s", prefix, time.Now().UnixNano(), uuid.NewString()[:8])
}

// InvokerFactory resolves the vendor-agent invoker for a provider name.
type InvokerFactory func(provider string) (vendoragent.Invoker, error)

// Runtime owns every active session's lifecycle.
type Runtime struct {
	store      *store.Store
	cfg        *config.Config
	policy     *policy.Engine
	pool       *account.Pool
	fallback   *backoff.Engine
	worktrees  *worktree.Manager
	tasks      *task.Manager
	bus        *broadcast.Broadcaster
	tracer     *trace.Writer
	costs      trace.CostTable
	executor   ToolExecutor
	invokerFor InvokerFactory
	logger     *slog.Logger

	sessionMu  sync.Map // sessionID -> *sync.Mutex, serializes turn writes per session
	pendingMu  sync.Mutex
	pending    map[string]*pendingToolCall // toolCallID -> suspended continuation
	worktreePaths sync.Map                 // sessionID -> worktree path, best-effort tracked in-memory

	stop chan struct{}
}

// Config bundles Runtime's dependencies.
type Config struct {
	Store      *store.Store
	Cfg        *config.Config
	Policy     *policy.Engine
	Pool       *account.Pool
	Fallback   *backoff.Engine
	Worktrees  *worktree.Manager
	Tasks      *task.Manager
	Bus        *broadcast.Broadcaster
	Tracer     *trace.Writer
	Costs      trace.CostTable
	Executor   ToolExecutor
	InvokerFor InvokerFactory
	Logger     *slog.Logger
}

// NewRuntime constructs a Runtime from its dependencies.
func NewRuntime(c Config) *Runtime {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Executor == nil {
		c.Executor = NewBuiltinExecutor(1)
	}
	return &Runtime{
		store: c.Store, cfg: c.Cfg, policy: c.Policy, pool: c.Pool, fallback: c.Fallback,
		worktrees: c.Worktrees, tasks: c.Tasks, bus: c.Bus, tracer: c.Tracer, costs: c.Costs,
		executor: c.Executor, invokerFor: c.InvokerFor, logger: c.Logger,
		pending: make(map[string]*pendingToolCall),
		stop:    make(chan struct{}),
	}
}

func (r *Runtime) lockFor(sessionID string) *sync.Mutex {
	v, _ := r.sessionMu.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Provider       string
	RepoPath       string
	InitialMessage string
	ModelOverride  string
	Mode           string
	Alternatives   []string
}

// Create runs the intent router (when Provider is empty), selects an
// account via fallback, optionally creates a worktree, and registers a
// control thread.
func (r *Runtime) Create(req CreateRequest) (*store.Session, error) {
	provider := req.Provider
	if provider == "" {
		provider = router.Route(req.InitialMessage)
	}

	id := newSortableID("sess")
	sess := store.Session{
		ID: id, Provider: provider, RepoPath: req.RepoPath, Status: store.SessionIdle,
		ModelOverride: req.ModelOverride, Mode: req.Mode,
	}

	if r.fallback != nil {
		if sel, ok, err := r.fallback.GetAccount(backoff.CandidateConfig{Primary: provider, Alternatives: req.Alternatives}); err != nil {
			r.logger.Warn("session: account selection failed", "session_id", id, "error", err)
		} else if ok {
			sess.PinnedAccountID = sel.Account.ID
		}
	}

	if err := r.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	if r.worktrees != nil && req.RepoPath != "" {
		if path, ok := r.worktrees.TryCreate(req.RepoPath, id); ok {
			r.worktreePaths.Store(id, path)
		}
	}

	ctrlThreadID := newSortableID("thr")
	if err := r.store.CreateThread(store.Thread{ID: ctrlThreadID, SessionID: id, Kind: store.ThreadControl}); err != nil {
		return nil, fmt.Errorf("session: create control thread: %w", err)
	}

	r.bus.Publish("session.created", map[string]string{"session_id": id, "provider": provider})
	return r.store.GetSession(id)
}

// repoDir returns the effective working directory for a session: its
// worktree if one was created, otherwise the main repo path.
func (r *Runtime) repoDir(sess *store.Session) string {
	if v, ok := r.worktreePaths.Load(sess.ID); ok {
		return v.(string)
	}
	return sess.RepoPath
}

func (r *Runtime) controlThread(sessionID string) (*store.Thread, error) {
	threads, err := r.store.ListThreadsForSession(sessionID)
	if err != nil {
		return nil, err
	}
	for i := range threads {
		if threads[i].Kind == store.ThreadControl {
			return &threads[i], nil
		}
	}
	return nil, fmt.Errorf("session: no control thread for %s", sessionID)
}

// transition validates and persists a session status change.
func (r *Runtime) transition(sess *store.Session, to store.SessionStatus) error {
	if !CanTransitionSession(sess.Status, to) {
		return &ErrInvalidSessionTransition{From: sess.Status, To: to}
	}
	if err := r.store.UpdateSessionStatus(sess.ID, to); err != nil {
		return err
	}
	sess.Status = to
	return nil
}

// pendingToolCall is a suspended tool call awaiting human approval. It
// keeps the remaining chunk stream alive so ApproveTool/RejectTool can
// resume consuming it without re-invoking the vendor agent.
type pendingToolCall struct {
	sessionID string
	threadID  string
	call      policy.Call
	toolCall  vendoragent.ToolCall
	stream    <-chan vendoragent.Chunk
}

// SendMessage appends a user turn, invokes the vendor agent, and drives
// the resulting chunk stream through the policy engine for every tool
// call the agent emits.
func (r *Runtime) SendMessage(ctx context.Context, sessionID, content string) error {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	thread, err := r.controlThread(sessionID)
	if err != nil {
		return err
	}

	if err := r.appendItems(thread.ID, "user", content); err != nil {
		return err
	}

	if sess.Status == store.SessionIdle || sess.Status == store.SessionPaused {
		if err := r.transition(sess, store.SessionRunning); err != nil {
			return err
		}
	}

	invoker, err := r.resolveInvoker(sess)
	if err != nil {
		_ = r.transition(sess, store.SessionError)
		return err
	}

	stream, err := invoker.Invoke(ctx, vendoragent.InvokeRequest{
		Provider: sess.Provider, Model: sess.ModelOverride, Prompt: content, WorkDir: r.repoDir(sess),
		PromptCacheKey: r.promptCacheKey(sess),
	})
	if err != nil {
		_ = r.transition(sess, store.SessionError)
		return fmt.Errorf("session: invoke vendor agent: %w", err)
	}

	return r.drain(ctx, sess, thread.ID, stream)
}

func (r *Runtime) resolveInvoker(sess *store.Session) (vendoragent.Invoker, error) {
	if r.invokerFor == nil {
		return nil, fmt.Errorf("session: no vendor-agent invoker configured")
	}
	return r.invokerFor(sess.Provider)
}

// drain consumes chunks from stream, appending text, dispatching allowed
// tool calls, and suspending into `waiting` when a tool call needs
// approval. Returns nil once the stream is exhausted with no pending
// approvals, having transitioned the session back to idle.
func (r *Runtime) drain(ctx context.Context, sess *store.Session, threadID string, stream <-chan vendoragent.Chunk) error {
	for chunk := range stream {
		if chunk.Done {
			if sess.Status == store.SessionRunning {
				return r.transition(sess, store.SessionIdle)
			}
			return nil
		}
		if chunk.Text != "" {
			if err := r.appendItems(threadID, "assistant", chunk.Text); err != nil {
				return err
			}
			continue
		}
		if chunk.ToolCall == nil {
			continue
		}

		suspended, err := r.handleToolCall(ctx, sess, threadID, *chunk.ToolCall, stream)
		if err != nil {
			return err
		}
		if suspended {
			// The session is now `waiting`; the remaining stream is held
			// by the registered pendingToolCall and resumed from
			// ApproveTool/RejectTool.
			return nil
		}
	}
	return nil
}

func decodeArgs(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw // not JSON: scanned as a single string value
	}
	return v
}

// handleToolCall evaluates one tool call against the policy engine and
// either dispatches it, rejects it, or suspends the session pending
// human approval. The bool return reports whether the session was
// suspended (caller must stop draining the stream).
func (r *Runtime) handleToolCall(ctx context.Context, sess *store.Session, threadID string, tc vendoragent.ToolCall, stream <-chan vendoragent.Chunk) (bool, error) {
	args := decodeArgs(tc.Args)
	call := policy.Call{
		Tool: tc.Name, Args: args, ActorID: sess.Provider, SessionMode: sess.Mode,
	}

	start := time.Now()
	outcome, err := r.policy.Evaluate(call)
	if err != nil {
		return false, fmt.Errorf("session: policy evaluate: %w", err)
	}

	_ = r.store.RecordAudit("daemon", tc.Name, outcomeKindLabel(outcome.Kind), outcome.Reason)
	traceKind := trace.ToolCall
	if outcome.Kind == policy.NeedsApproval {
		traceKind = trace.ApprovalRequested
	}
	r.writeTrace(sess, traceKind, tc.Name, time.Since(start), outcome.Kind != policy.Deny, nil)

	switch outcome.Kind {
	case policy.Allow:
		result := r.executor.Execute(ctx, ToolExecution{Tool: tc.Name, Args: asMap(args), RepoDir: r.repoDir(sess)})
		r.appendToolResult(threadID, tc, result)
		return false, nil

	case policy.Deny:
		r.bus.Publish("session.toolCallRejected", map[string]any{
			"session_id": sess.ID, "tool": tc.Name, "reason": outcome.Reason,
		})
		_ = r.appendItems(threadID, "tool", fmt.Sprintf("tool call %q denied: %s", tc.Name, outcome.Reason))
		return false, nil

	case policy.NeedsApproval:
		if err := r.transition(sess, store.SessionWaiting); err != nil {
			return false, err
		}
		toolCallID := newSortableID("tc")
		r.pendingMu.Lock()
		r.pending[toolCallID] = &pendingToolCall{sessionID: sess.ID, threadID: threadID, call: call, toolCall: tc, stream: stream}
		r.pendingMu.Unlock()

		r.bus.Publish("tool.approvalRequested", map[string]any{
			"session_id": sess.ID, "tool_call_id": toolCallID, "tool": tc.Name, "risk": string(outcome.Risk),
		})
		return true, nil

	default:
		return false, fmt.Errorf("session: unknown policy outcome for tool %q", tc.Name)
	}
}

func outcomeKindLabel(k policy.OutcomeKind) string {
	switch k {
	case policy.Allow:
		return "Allow"
	case policy.Deny:
		return "Deny"
	case policy.NeedsApproval:
		return "NeedsApproval"
	default:
		return "Unknown"
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (r *Runtime) appendToolResult(threadID string, tc vendoragent.ToolCall, result ToolResult) {
	if result.Err != nil {
		_ = r.appendItems(threadID, "tool", fmt.Sprintf("tool %q failed: %s", tc.Name, result.Err))
		return
	}
	scanned := policy.ScanOutput(result.Output, false)
	_ = r.appendItems(threadID, "tool", scanned.Text)
}

// ApproveTool resumes a session suspended at a NeedsApproval tool call:
// it dispatches the tool, continues draining the remaining chunk stream,
// and transitions the session back to running.
func (r *Runtime) ApproveTool(ctx context.Context, sessionID, toolCallID string) error {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := r.takePending(sessionID, toolCallID)
	if err != nil {
		return err
	}

	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if err := r.transition(sess, store.SessionRunning); err != nil {
		return err
	}

	result := r.executor.Execute(ctx, ToolExecution{Tool: pending.toolCall.Name, Args: asMap(decodeArgs(pending.toolCall.Args)), RepoDir: r.repoDir(sess)})
	r.appendToolResult(pending.threadID, pending.toolCall, result)
	_ = r.store.RecordAudit("user", pending.toolCall.Name, "Allow", "approved by human")
	r.writeTrace(sess, trace.ApprovalGranted, pending.toolCall.Name, 0, true, nil)
	r.bus.Publish("task.approvalGranted", map[string]string{"session_id": sessionID, "tool_call_id": toolCallID})

	return r.drain(ctx, sess, pending.threadID, pending.stream)
}

// RejectTool resumes a suspended session by denying the pending tool
// call and continuing the stream without dispatching it.
func (r *Runtime) RejectTool(ctx context.Context, sessionID, toolCallID, reason string) error {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := r.takePending(sessionID, toolCallID)
	if err != nil {
		return err
	}

	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if err := r.transition(sess, store.SessionRunning); err != nil {
		return err
	}

	_ = r.appendItems(pending.threadID, "tool", fmt.Sprintf("tool call %q rejected by human: %s", pending.toolCall.Name, reason))
	_ = r.store.RecordAudit("user", pending.toolCall.Name, "Deny", reason)
	r.writeTrace(sess, trace.ApprovalDenied, pending.toolCall.Name, 0, false, nil)
	r.bus.Publish("task.approvalDenied", map[string]string{"session_id": sessionID, "tool_call_id": toolCallID, "reason": reason})

	return r.drain(ctx, sess, pending.threadID, pending.stream)
}

func (r *Runtime) takePending(sessionID, toolCallID string) (*pendingToolCall, error) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	p, ok := r.pending[toolCallID]
	if !ok || p.sessionID != sessionID {
		return nil, fmt.Errorf("session: no pending approval %s for session %s", toolCallID, sessionID)
	}
	delete(r.pending, toolCallID)
	return p, nil
}

// PendingApproval describes one suspended tool call awaiting a human
// decision, returned by ListPending for approval.list.
type PendingApproval struct {
	ToolCallID string `json:"tool_call_id"`
	SessionID  string `json:"session_id"`
	Tool       string `json:"tool"`
	Args       string `json:"args"`
}

// ListPending returns every tool call currently suspended for approval.
func (r *Runtime) ListPending() []PendingApproval {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	out := make([]PendingApproval, 0, len(r.pending))
	for id, p := range r.pending {
		out = append(out, PendingApproval{
			ToolCallID: id, SessionID: p.sessionID, Tool: p.toolCall.Name, Args: p.toolCall.Args,
		})
	}
	return out
}

// SetModel changes a session's model override.
func (r *Runtime) SetModel(sessionID, model string) error {
	return r.store.UpdateSessionModel(sessionID, model)
}

// SetMode changes a session's mode overlay; subsequent tool calls are
// evaluated under the new mode's gate.
func (r *Runtime) SetMode(sessionID, mode string) error {
	return r.store.UpdateSessionMode(sessionID, mode)
}

// Cancel aborts in-flight work and transitions the session to its next
// terminal-ish state: running/waiting -> error when forced, or -> stopped
// on a clean cancel request.
func (r *Runtime) Cancel(sessionID string, clean bool) error {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	to := store.SessionError
	if clean {
		to = store.SessionStopped
	}
	if sess.Status == store.SessionIdle && clean {
		return r.transition(sess, store.SessionStopped)
	}
	return r.transition(sess, to)
}

// Pause moves a running session to paused.
func (r *Runtime) Pause(sessionID string) error {
	return r.setStatus(sessionID, store.SessionPaused)
}

// Resume moves a paused session back to idle, ready for the next message.
func (r *Runtime) Resume(sessionID string) error {
	return r.setStatus(sessionID, store.SessionIdle)
}

func (r *Runtime) setStatus(sessionID string, to store.SessionStatus) error {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session: %s not found", sessionID)
	}
	return r.transition(sess, to)
}

// Delete removes a session and best-effort cleans up its worktree.
func (r *Runtime) Delete(sessionID string) error {
	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	if r.worktrees != nil {
		if v, ok := r.worktreePaths.Load(sessionID); ok {
			r.worktrees.TryRemove(sess.RepoPath, v.(string))
			r.worktreePaths.Delete(sessionID)
		}
	}
	return r.store.DeleteSession(sessionID)
}

func (r *Runtime) appendItems(threadID, role, text string) error {
	items, err := json.Marshal([]map[string]string{{"type": "text", "text": text}})
	if err != nil {
		return err
	}
	_, err = r.store.AppendTurn(threadID, role, string(items))
	return err
}

func (r *Runtime) writeTrace(sess *store.Session, kind trace.Kind, tool string, latency time.Duration, ok bool, riskFlags []string) {
	if r.tracer == nil {
		return
	}
	redactedTool, changed := secret.Redact(tool)
	ev := trace.Event{
		Timestamp: time.Now(), TraceID: sess.ID, SpanID: newSortableID("span"),
		Kind: kind, Tool: redactedTool, LatencyMS: latency.Milliseconds(), OK: ok, RiskFlags: riskFlags,
		Redacted: changed,
	}
	if err := r.tracer.Write(ev); err != nil {
		r.logger.Warn("session: trace write failed", "error", err)
	}
}

// Recover runs crash-recovery housekeeping on daemon start: stale
// sessions (running -> error, paused -> idle) and expired task leases.
func (r *Runtime) Recover() error {
	n, err := r.store.RecoverStaleSessions()
	if err != nil {
		return fmt.Errorf("session: recover stale sessions: %w", err)
	}
	r.logger.Info("session: recovered stale sessions", "count", n)

	if r.tasks != nil {
		ids, err := r.tasks.ReleaseExpired()
		if err != nil {
			return fmt.Errorf("session: release expired task leases: %w", err)
		}
		if len(ids) > 0 {
			r.logger.Info("session: released expired task leases", "count", len(ids))
		}
	}
	return nil
}

// Close stops background goroutines owned by the Runtime.
func (r *Runtime) Close() {
	close(r.stop)
}
