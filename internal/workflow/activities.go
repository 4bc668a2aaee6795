package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/clawde-io/cortexd/internal/policy"
	"github.com/clawde-io/cortexd/internal/task"
	"github.com/clawde-io/cortexd/internal/vendoragent"
)

// Activities holds the dependencies workflow activities reach into.
type Activities struct {
	Tasks   *task.Manager
	Invoker vendoragent.Invoker
}

// ClaimActivity atomically claims the task for the requesting agent and
// moves it through claimed -> active. A task that cannot be claimed
// fails the workflow immediately rather than executing unowned work.
func (a *Activities) ClaimActivity(ctx context.Context, req TaskRequest) error {
	leaseSecs := req.LeaseSecs
	if leaseSecs <= 0 {
		leaseSecs = 300
	}
	ok, err := a.Tasks.Claim(req.TaskID, req.Agent, leaseSecs)
	if err != nil {
		return fmt.Errorf("workflow: claim %s: %w", req.TaskID, err)
	}
	if !ok {
		return fmt.Errorf("workflow: task %s is not open for claiming", req.TaskID)
	}
	if err := a.Tasks.Transition(req.TaskID, task.Active, "workflow start", req.Agent, nil); err != nil {
		return fmt.Errorf("workflow: activate %s: %w", req.TaskID, err)
	}
	return nil
}

// ExecuteActivity invokes the vendor agent and collects its streamed
// output. Heartbeats are recorded against both Temporal and the task
// lease on every chunk so long executions never trip the liveness
// checker.
func (a *Activities) ExecuteActivity(ctx context.Context, req TaskRequest) (*ExecutionResult, error) {
	stream, err := a.Invoker.Invoke(ctx, vendoragent.InvokeRequest{
		Provider: req.Provider, Prompt: req.Prompt, WorkDir: req.WorkDir, Timeout: req.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: invoke vendor agent: %w", err)
	}

	extendSecs := req.LeaseSecs
	if extendSecs <= 0 {
		extendSecs = 300
	}

	var out strings.Builder
	result := &ExecutionResult{}
	for chunk := range stream {
		activity.RecordHeartbeat(ctx)
		if _, err := a.Tasks.Heartbeat(req.TaskID, req.Agent, extendSecs); err != nil {
			activity.GetLogger(ctx).Warn("task heartbeat failed mid-execution", "task_id", req.TaskID, "error", err)
		}
		if chunk.Done {
			result.TokensIn = chunk.TokensIn
			result.TokensOut = chunk.TokensOut
			break
		}
		out.WriteString(chunk.Text)
		out.WriteByte('\n')
	}
	result.Output = out.String()
	return result, nil
}

// DoDVerifyActivity runs the Definition-of-Done gates over the task's
// current state and records a test-run verdict.
func (a *Activities) DoDVerifyActivity(ctx context.Context, req TaskRequest) (*DoDResult, error) {
	t, err := a.Tasks.Get(req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load task for DoD: %w", err)
	}
	violations := policy.CheckDoD(policy.TaskSpec{
		AcceptanceCriteria: t.SpecAcceptance,
		TestsRun:           t.TestsRun,
		LastTestPassed:     t.LastTestPassed,
	}, "")
	return &DoDResult{Passed: len(violations) == 0, Violations: violations}, nil
}

// RecordOutcomeActivity transitions the task to its terminal-path state
// and mirrors the outcome into the event log.
func (a *Activities) RecordOutcomeActivity(ctx context.Context, rec OutcomeRecord) error {
	to := task.Status(rec.Status)
	if err := a.Tasks.Transition(rec.TaskID, to, rec.Detail, "workflow", nil); err != nil {
		return fmt.Errorf("workflow: record outcome %s -> %s: %w", rec.TaskID, rec.Status, err)
	}
	return nil
}
