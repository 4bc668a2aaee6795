package rpc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/clawde-io/cortexd/internal/account"
	"github.com/clawde-io/cortexd/internal/broadcast"
	"github.com/clawde-io/cortexd/internal/config"
	"github.com/clawde-io/cortexd/internal/session"
	"github.com/clawde-io/cortexd/internal/store"
	"github.com/clawde-io/cortexd/internal/task"
	"github.com/clawde-io/cortexd/internal/trace"
)

// Deps bundles everything the method handlers reach into: one explicit
// application-context value, passed by parameter.
type Deps struct {
	Store       *store.Store
	Sessions    *session.Runtime
	Tasks       *task.Manager
	Pool        *account.Pool
	Bus         *broadcast.Broadcaster
	Cfg         *config.Config
	TraceDir    string
	WorktreeDir string
}

// RegisterAll binds the daemon's RPC surface onto d. Methods named in the
// surface but owned by external collaborators (repo.*, drift.*, doctor.*,
// evals.*, memory.*, completion.*) are registered as validating stubs so
// a client calling them gets a stable NOT_FOUND instead of a dropped
// frame.
func RegisterAll(d *Dispatcher, deps Deps) {
	registerDaemon(d, deps)
	registerSessions(d, deps)
	registerTasks(d, deps)
	registerApprovals(d, deps)
	registerMetrics(d, deps)
	registerWorktrees(d, deps)
	registerCollaboratorStubs(d)
}

func notFoundIfMissing(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return Errorf(CodeNotFound, "not found")
	}
	return err
}

func registerDaemon(d *Dispatcher, deps Deps) {
	d.Register("daemon.status", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		sessions, err := deps.Store.ListSessions()
		if err != nil {
			return nil, err
		}
		active := 0
		for _, s := range sessions {
			if s.Status == store.SessionRunning || s.Status == store.SessionWaiting {
				active++
			}
		}
		m := d.Metrics()
		return map[string]any{
			"uptime_s":            m.UptimeSeconds(),
			"active_sessions":     active,
			"total_sessions":      len(sessions),
			"messages":            m.Messages.Load(),
			"approved_tool_calls": m.ApprovedToolCalls.Load(),
			"rejected_tool_calls": m.RejectedToolCalls.Load(),
			"rate_limit_hits":     m.RateLimitHits.Load(),
			"total_requests":      m.TotalRequests.Load(),
			"subscribers":         deps.Bus.SubscriberCount(),
		}, nil
	})

	d.Register("daemon.checkProvider", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			Provider string `json:"provider"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("provider", p.Provider); err != nil {
			return nil, err
		}
		_, ok, err := deps.Pool.GetAvailable(p.Provider)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"available": ok}, nil
	})

	d.Register("daemon.setName", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			Name string `json:"name"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("name", p.Name); err != nil {
			return nil, err
		}
		if err := deps.Store.SetSetting("daemon_name", p.Name); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	d.Register("daemon.pairPin", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		fingerprint, err := deps.Store.MachineFingerprint()
		if err != nil {
			return nil, err
		}
		// A short pairing pin derived from the stable machine fingerprint.
		return map[string]string{"pin": fingerprint[:8]}, nil
	})
}

func registerSessions(d *Dispatcher, deps Deps) {
	d.Register("session.create", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			Provider       string   `json:"provider"`
			RepoPath       string   `json:"repoPath"`
			InitialMessage string   `json:"initialMessage"`
			Model          string   `json:"model"`
			Mode           string   `json:"mode"`
			Alternatives   []string `json:"alternatives"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := validatePath(p.RepoPath); err != nil {
			return nil, err
		}
		sess, err := deps.Sessions.Create(session.CreateRequest{
			Provider: p.Provider, RepoPath: p.RepoPath, InitialMessage: p.InitialMessage,
			ModelOverride: p.Model, Mode: p.Mode, Alternatives: p.Alternatives,
		})
		if err != nil {
			return nil, err
		}
		return sessionView(sess), nil
	})

	d.Register("session.list", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		sessions, err := deps.Store.ListSessions()
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(sessions))
		for i := range sessions {
			out[i] = sessionView(&sessions[i])
		}
		return out, nil
	})

	d.Register("session.get", withSession(deps, func(ctx context.Context, sess *store.Session, _ json.RawMessage) (any, error) {
		return sessionView(sess), nil
	}))

	d.Register("session.delete", withSession(deps, func(ctx context.Context, sess *store.Session, _ json.RawMessage) (any, error) {
		if err := deps.Sessions.Delete(sess.ID); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	}))

	d.Register("session.sendMessage", withSession(deps, func(ctx context.Context, sess *store.Session, params json.RawMessage) (any, error) {
		var p struct {
			Content string `json:"content"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("content", p.Content); err != nil {
			return nil, err
		}
		d.Metrics().Messages.Add(1)
		if err := deps.Sessions.SendMessage(ctx, sess.ID, p.Content); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	}))

	d.Register("session.getMessages", withSession(deps, func(ctx context.Context, sess *store.Session, _ json.RawMessage) (any, error) {
		threads, err := deps.Store.ListThreadsForSession(sess.ID)
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		for _, th := range threads {
			turns, err := deps.Store.GetMessages(th.ID)
			if err != nil {
				return nil, err
			}
			for _, t := range turns {
				out = append(out, map[string]any{
					"thread_id": t.ThreadID, "role": t.Role, "seq": t.Seq,
					"items": json.RawMessage(t.Items), "created_at": t.CreatedAt,
				})
			}
		}
		return out, nil
	}))

	d.Register("session.pause", withSession(deps, func(ctx context.Context, sess *store.Session, _ json.RawMessage) (any, error) {
		return okOr(deps.Sessions.Pause(sess.ID))
	}))
	d.Register("session.resume", withSession(deps, func(ctx context.Context, sess *store.Session, _ json.RawMessage) (any, error) {
		return okOr(deps.Sessions.Resume(sess.ID))
	}))
	d.Register("session.cancel", withSession(deps, func(ctx context.Context, sess *store.Session, params json.RawMessage) (any, error) {
		var p struct {
			Clean bool `json:"clean"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return okOr(deps.Sessions.Cancel(sess.ID, p.Clean))
	}))
	d.Register("session.setModel", withSession(deps, func(ctx context.Context, sess *store.Session, params json.RawMessage) (any, error) {
		var p struct {
			Model string `json:"model"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return okOr(deps.Sessions.SetModel(sess.ID, p.Model))
	}))
	d.Register("session.setMode", withSession(deps, func(ctx context.Context, sess *store.Session, params json.RawMessage) (any, error) {
		var p struct {
			Mode string `json:"mode"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return okOr(deps.Sessions.SetMode(sess.ID, p.Mode))
	}))

	d.Register("session.addRepoContext", withSession(deps, func(ctx context.Context, sess *store.Session, params json.RawMessage) (any, error) {
		var p struct {
			FilePath string `json:"filePath"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("filePath", p.FilePath); err != nil {
			return nil, err
		}
		return okOr(deps.Store.AddRepoContext(sess.ID, p.FilePath))
	}))
	d.Register("session.listRepoContexts", withSession(deps, func(ctx context.Context, sess *store.Session, _ json.RawMessage) (any, error) {
		return deps.Store.ListRepoContexts(sess.ID)
	}))
	d.Register("session.removeRepoContext", withSession(deps, func(ctx context.Context, sess *store.Session, params json.RawMessage) (any, error) {
		var p struct {
			FilePath string `json:"filePath"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return okOr(deps.Store.RemoveRepoContext(sess.ID, p.FilePath))
	}))
}

// withSession resolves the sessionId param to a stored session before
// invoking fn, mapping a missing session to NOT_FOUND.
func withSession(deps Deps, fn func(ctx context.Context, sess *store.Session, params json.RawMessage) (any, error)) Handler {
	return func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("sessionId", p.SessionID); err != nil {
			return nil, err
		}
		sess, err := deps.Store.GetSession(p.SessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, Errorf(CodeNotFound, "session %q not found", p.SessionID)
		}
		return fn(ctx, sess, params)
	}
}

func sessionView(s *store.Session) map[string]any {
	return map[string]any{
		"id": s.ID, "provider": s.Provider, "repo_path": s.RepoPath,
		"status": string(s.Status), "model": s.ModelOverride, "mode": s.Mode,
		"pinned_account_id": s.PinnedAccountID,
		"created_at":        s.CreatedAt, "last_activity_at": s.LastActivityAt,
	}
}

func okOr(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func registerTasks(d *Dispatcher, deps Deps) {
	d.Register("task.create", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			ID                 string `json:"id"`
			Title              string `json:"title"`
			RepoPath           string `json:"repoPath"`
			ParentID           string `json:"parentId"`
			Summary            string `json:"summary"`
			AcceptanceCriteria string `json:"acceptanceCriteria"`
			TestPlan           string `json:"testPlan"`
			RiskLevel          string `json:"riskLevel"`
			Priority           int    `json:"priority"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("id", p.ID); err != nil {
			return nil, err
		}
		if err := requireField("title", p.Title); err != nil {
			return nil, err
		}
		if err := validatePath(p.RepoPath); err != nil {
			return nil, err
		}
		err := deps.Tasks.Create(store.Task{
			ID: p.ID, Title: p.Title, RepoPath: p.RepoPath, ParentID: p.ParentID,
			SpecSummary: p.Summary, SpecAcceptance: p.AcceptanceCriteria, SpecTestPlan: p.TestPlan,
			RiskLevel: p.RiskLevel, Priority: p.Priority,
		}, "client")
		if err != nil {
			return nil, err
		}
		return map[string]string{"task_id": p.ID}, nil
	})

	d.Register("task.claim", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			TaskID    string `json:"taskId"`
			Agent     string `json:"agent"`
			LeaseSecs int    `json:"leaseSecs"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("taskId", p.TaskID); err != nil {
			return nil, err
		}
		if err := requireField("agent", p.Agent); err != nil {
			return nil, err
		}
		if p.LeaseSecs <= 0 {
			p.LeaseSecs = 300
		}
		ok, err := deps.Tasks.Claim(p.TaskID, p.Agent, p.LeaseSecs)
		if err != nil {
			return nil, notFoundIfMissing(err)
		}
		return map[string]bool{"claimed": ok}, nil
	})

	d.Register("task.heartbeat", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			TaskID     string `json:"taskId"`
			Agent      string `json:"agent"`
			ExtendSecs int    `json:"extendSecs"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("taskId", p.TaskID); err != nil {
			return nil, err
		}
		if p.ExtendSecs <= 0 {
			p.ExtendSecs = 300
		}
		expiry, err := deps.Tasks.Heartbeat(p.TaskID, p.Agent, p.ExtendSecs)
		if err != nil {
			return nil, notFoundIfMissing(err)
		}
		return map[string]time.Time{"lease_expires_at": expiry}, nil
	})

	d.Register("task.transition", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			TaskID string `json:"taskId"`
			To     string `json:"to"`
			Reason string `json:"reason"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("taskId", p.TaskID); err != nil {
			return nil, err
		}
		if err := requireField("to", p.To); err != nil {
			return nil, err
		}
		err := deps.Tasks.Transition(p.TaskID, task.Status(p.To), p.Reason, "client", dodFor(deps))
		if err != nil {
			var invalid *task.ErrInvalidTransition
			var dodErr *task.ErrDoDViolations
			if errors.As(err, &invalid) || errors.As(err, &dodErr) {
				return nil, Errorf(CodePolicyDenied, "%s", err.Error())
			}
			return nil, notFoundIfMissing(err)
		}
		return map[string]bool{"ok": true}, nil
	})

	d.Register("task.list", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			Status   string `json:"status"`
			RepoPath string `json:"repoPath"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return deps.Tasks.List(store.TaskFilter{Status: p.Status, RepoPath: p.RepoPath})
	})

	d.Register("task.release", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		ids, err := deps.Tasks.ReleaseExpired()
		if err != nil {
			return nil, err
		}
		return map[string]any{"released": ids}, nil
	})

	d.Register("task.genealogy", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("taskId", p.TaskID); err != nil {
			return nil, err
		}

		// Ancestors: walk parent links to the root.
		var ancestors []string
		current, err := deps.Tasks.Get(p.TaskID)
		if err != nil {
			return nil, notFoundIfMissing(err)
		}
		for current.ParentID != "" {
			ancestors = append(ancestors, current.ParentID)
			current, err = deps.Tasks.Get(current.ParentID)
			if err != nil {
				break
			}
		}

		children, err := deps.Tasks.List(store.TaskFilter{ParentID: p.TaskID})
		if err != nil {
			return nil, err
		}
		childIDs := make([]string, len(children))
		for i, c := range children {
			childIDs[i] = c.ID
		}
		return map[string]any{"ancestors": ancestors, "children": childIDs}, nil
	})
}

// dodFor builds the Definition-of-Done checker consulted at the
// active -> needs_review transition.
func dodFor(deps Deps) task.DoDChecker {
	return func(taskID string) ([]string, error) {
		t, err := deps.Tasks.Get(taskID)
		if err != nil {
			return nil, err
		}
		return policyDoD(t), nil
	}
}

func registerApprovals(d *Dispatcher, deps Deps) {
	approve := func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			SessionID  string `json:"sessionId"`
			ToolCallID string `json:"toolCallId"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if err := requireField("toolCallId", p.ToolCallID); err != nil {
			return nil, err
		}
		if err := deps.Sessions.ApproveTool(ctx, p.SessionID, p.ToolCallID); err != nil {
			return nil, err
		}
		d.Metrics().ApprovedToolCalls.Add(1)
		return map[string]bool{"ok": true}, nil
	}
	reject := func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			SessionID  string `json:"sessionId"`
			ToolCallID string `json:"toolCallId"`
			Reason     string `json:"reason"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if err := requireField("toolCallId", p.ToolCallID); err != nil {
			return nil, err
		}
		if err := deps.Sessions.RejectTool(ctx, p.SessionID, p.ToolCallID, p.Reason); err != nil {
			return nil, err
		}
		d.Metrics().RejectedToolCalls.Add(1)
		return map[string]bool{"ok": true}, nil
	}

	d.Register("tool.approve", approve)
	d.Register("tool.reject", reject)

	d.Register("approval.list", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		return deps.Sessions.ListPending(), nil
	})
	d.Register("approval.respond", func(ctx context.Context, params json.RawMessage, conn *ConnState) (any, error) {
		var p struct {
			Approve bool `json:"approve"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Approve {
			return approve(ctx, params, conn)
		}
		return reject(ctx, params, conn)
	})
}

func registerMetrics(d *Dispatcher, deps Deps) {
	d.Register("metrics.list", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			SinceHours int `json:"sinceHours"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.SinceHours <= 0 {
			p.SinceHours = 24
		}
		return deps.Store.ListMetricsTicks(time.Now().Add(-time.Duration(p.SinceHours) * time.Hour))
	})

	d.Register("metrics.summary", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		ticks, err := deps.Store.ListMetricsTicks(time.Now().Add(-24 * time.Hour))
		if err != nil {
			return nil, err
		}
		var completed, errCount, approvals int
		var cost float64
		for _, t := range ticks {
			completed += t.TasksCompleted
			errCount += t.Errors
			approvals += t.Approvals
			cost += t.CostUSD
		}
		return map[string]any{
			"tasks_completed": completed, "errors": errCount,
			"approvals": approvals, "cost_usd": cost,
		}, nil
	})

	d.Register("metrics.rollups", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		return trace.Aggregate(deps.TraceDir)
	})

	d.Register("traces.summary", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		return trace.Aggregate(deps.TraceDir)
	})

	d.Register("traces.query", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			TaskID string `json:"taskId"`
			Kind   string `json:"kind"`
			Limit  int    `json:"limit"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Limit <= 0 {
			p.Limit = 100
		}
		events, err := trace.Query(deps.TraceDir, trace.Filter{TaskID: p.TaskID, Kind: trace.Kind(p.Kind), Limit: p.Limit})
		if err != nil {
			return nil, err
		}
		return events, nil
	})
}

func registerWorktrees(d *Dispatcher, deps Deps) {
	d.Register("worktrees.list", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		entries, err := os.ReadDir(deps.WorktreeDir)
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		if err != nil {
			return nil, err
		}
		var out []string
		for _, e := range entries {
			if e.IsDir() {
				out = append(out, e.Name())
			}
		}
		return out, nil
	})

	d.Register("worktrees.cleanup", func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := requireField("sessionId", p.SessionID); err != nil {
			return nil, err
		}
		return okOr(deps.Sessions.Delete(p.SessionID))
	})
}

// registerCollaboratorStubs covers the surface owned by external
// collaborators. Params are still decoded so malformed frames get
// INVALID_PARAMS, but the operations themselves are not served here.
func registerCollaboratorStubs(d *Dispatcher) {
	stub := func(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
		var decoded map[string]any
		if err := unmarshalParams(params, &decoded); err != nil {
			return nil, err
		}
		if path, ok := decoded["path"].(string); ok {
			if err := validatePath(path); err != nil {
				return nil, err
			}
		}
		return nil, Errorf(CodeNotFound, "method is served by an external collaborator, not this daemon")
	}
	for _, method := range []string{
		"repo.open", "repo.status", "repo.close", "repo.diff", "repo.fileDiff",
		"repo.list", "repo.tree", "repo.readFile",
		"worktrees.merge", "worktrees.diff",
		"drift.scan", "drift.list",
		"doctor.scan", "doctor.fix", "doctor.approveRelease", "doctor.hookInstall",
		"evals.run", "evals.list",
		"memory.list", "memory.add", "memory.remove", "memory.update",
		"completion.complete",
		"session.shareToken", "session.share", "session.shareList", "session.revokeShare",
	} {
		d.Register(method, stub)
	}
}
