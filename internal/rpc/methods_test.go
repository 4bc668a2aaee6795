package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clawde-io/cortexd/internal/account"
	"github.com/clawde-io/cortexd/internal/backoff"
	"github.com/clawde-io/cortexd/internal/broadcast"
	"github.com/clawde-io/cortexd/internal/config"
	"github.com/clawde-io/cortexd/internal/policy"
	"github.com/clawde-io/cortexd/internal/session"
	"github.com/clawde-io/cortexd/internal/store"
	"github.com/clawde-io/cortexd/internal/task"
	"github.com/clawde-io/cortexd/internal/vendoragent"
)

func newTestDeps(t *testing.T) (*Dispatcher, Deps) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "cortexd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := broadcast.New(nil)
	pool := account.NewPool(st)
	tasks := task.NewManager(st, filepath.Join(dir, "tasks"), bus)
	cfg := &config.Config{General: config.General{AutoApproveLow: true}}

	engine := policy.NewEngine(cfg, nil)
	runtime := session.NewRuntime(session.Config{
		Store: st, Cfg: cfg, Policy: engine, Pool: pool,
		Fallback: backoff.NewEngine(pool), Tasks: tasks, Bus: bus,
		InvokerFor: func(string) (vendoragent.Invoker, error) {
			return &vendoragent.FakeInvoker{}, nil
		},
	})
	t.Cleanup(runtime.Close)

	deps := Deps{
		Store: st, Sessions: runtime, Tasks: tasks, Pool: pool, Bus: bus,
		Cfg: cfg, TraceDir: filepath.Join(dir, "telemetry"), WorktreeDir: filepath.Join(dir, "worktrees"),
	}
	d := NewDispatcher("", 600, nil)
	RegisterAll(d, deps)
	return d, deps
}

func call(t *testing.T, d *Dispatcher, method string, params any) (any, *Error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	conn := d.NewConnState("127.0.0.1:1")
	return d.Dispatch(context.Background(), conn, method, raw)
}

func TestSessionLifecycleOverRPC(t *testing.T) {
	d, _ := newTestDeps(t)

	result, rpcErr := call(t, d, "session.create", map[string]any{"provider": "claude", "repoPath": "/repo"})
	require.Nil(t, rpcErr)
	view := result.(map[string]any)
	sessionID := view["id"].(string)
	require.Equal(t, "idle", view["status"])

	result, rpcErr = call(t, d, "session.list", nil)
	require.Nil(t, rpcErr)
	require.Len(t, result.([]map[string]any), 1)

	_, rpcErr = call(t, d, "session.get", map[string]any{"sessionId": "nope"})
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeNotFound, rpcErr.Code)

	_, rpcErr = call(t, d, "session.setMode", map[string]any{"sessionId": sessionID, "mode": "forge"})
	require.Nil(t, rpcErr)

	result, rpcErr = call(t, d, "session.get", map[string]any{"sessionId": sessionID})
	require.Nil(t, rpcErr)
	require.Equal(t, "forge", result.(map[string]any)["mode"])
}

func TestSessionCreateRejectsRelativeRepoPath(t *testing.T) {
	d, _ := newTestDeps(t)
	_, rpcErr := call(t, d, "session.create", map[string]any{"provider": "claude", "repoPath": "rel/path"})
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestTaskLifecycleOverRPC(t *testing.T) {
	d, _ := newTestDeps(t)

	_, rpcErr := call(t, d, "task.create", map[string]any{
		"id": "t-1", "title": "build the widget", "repoPath": "/repo",
		"acceptanceCriteria": "widget renders",
	})
	require.Nil(t, rpcErr)

	_, rpcErr = call(t, d, "task.transition", map[string]any{"taskId": "t-1", "to": "ready"})
	require.Nil(t, rpcErr)

	result, rpcErr := call(t, d, "task.claim", map[string]any{"taskId": "t-1", "agent": "agent-1", "leaseSecs": 60})
	require.Nil(t, rpcErr)
	require.True(t, result.(map[string]bool)["claimed"])

	// A second claim must lose the conditional update.
	result, rpcErr = call(t, d, "task.claim", map[string]any{"taskId": "t-1", "agent": "agent-2", "leaseSecs": 60})
	require.Nil(t, rpcErr)
	require.False(t, result.(map[string]bool)["claimed"])

	_, rpcErr = call(t, d, "task.transition", map[string]any{"taskId": "t-1", "to": "active"})
	require.Nil(t, rpcErr)

	// DoD gate: tests never ran, so active -> needs_review is blocked.
	_, rpcErr = call(t, d, "task.transition", map[string]any{"taskId": "t-1", "to": "needs_review"})
	require.NotNil(t, rpcErr)
	require.Equal(t, CodePolicyDenied, rpcErr.Code)

	// Illegal transition maps to POLICY_DENIED.
	_, rpcErr = call(t, d, "task.transition", map[string]any{"taskId": "t-1", "to": "done"})
	require.NotNil(t, rpcErr)
	require.Equal(t, CodePolicyDenied, rpcErr.Code)
}

func TestTaskGenealogyOverRPC(t *testing.T) {
	d, _ := newTestDeps(t)

	_, rpcErr := call(t, d, "task.create", map[string]any{"id": "parent", "title": "epic", "repoPath": "/repo"})
	require.Nil(t, rpcErr)
	_, rpcErr = call(t, d, "task.create", map[string]any{"id": "child", "title": "subtask", "repoPath": "/repo", "parentId": "parent"})
	require.Nil(t, rpcErr)

	result, rpcErr := call(t, d, "task.genealogy", map[string]any{"taskId": "child"})
	require.Nil(t, rpcErr)
	tree := result.(map[string]any)
	require.Equal(t, []string{"parent"}, tree["ancestors"])

	result, rpcErr = call(t, d, "task.genealogy", map[string]any{"taskId": "parent"})
	require.Nil(t, rpcErr)
	tree = result.(map[string]any)
	require.Equal(t, []string{"child"}, tree["children"])
}

func TestDaemonStatusCounters(t *testing.T) {
	d, _ := newTestDeps(t)

	result, rpcErr := call(t, d, "daemon.status", nil)
	require.Nil(t, rpcErr)
	status := result.(map[string]any)
	require.Equal(t, 0, status["active_sessions"])
	require.GreaterOrEqual(t, status["total_requests"].(int64), int64(1))
}

func TestCollaboratorStubReturnsNotFound(t *testing.T) {
	d, _ := newTestDeps(t)

	_, rpcErr := call(t, d, "memory.list", nil)
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeNotFound, rpcErr.Code)

	// Malformed path params are still rejected with INVALID_PARAMS.
	_, rpcErr = call(t, d, "repo.open", map[string]any{"path": "../escape"})
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestDaemonCheckProvider(t *testing.T) {
	d, deps := newTestDeps(t)
	require.NoError(t, deps.Store.CreateAccount(store.Account{ID: "c-1", Provider: "claude"}))

	result, rpcErr := call(t, d, "daemon.checkProvider", map[string]any{"provider": "claude"})
	require.Nil(t, rpcErr)
	require.True(t, result.(map[string]bool)["available"])

	result, rpcErr = call(t, d, "daemon.checkProvider", map[string]any{"provider": "codex"})
	require.Nil(t, rpcErr)
	require.False(t, result.(map[string]bool)["available"])
}
