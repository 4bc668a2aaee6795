package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/clawde-io/cortexd/internal/task"
)

const maxDoDRetries = 3

// GovernedTaskWorkflow drives one task through the governed loop:
//
//  1. CLAIM   — atomic claim + claimed→active transition
//  2. GATE    — human approval signal (skipped when AutoApprove)
//  3. EXECUTE — vendor agent runs the work, heartbeating the lease
//  4. DOD     — Definition-of-Done gates; failed gates re-execute
//  5. RECORD  — terminal transition (needs_review on success, failed otherwise)
func GovernedTaskWorkflow(ctx workflow.Context, req TaskRequest) error {
	startTime := workflow.Now(ctx)
	logger := workflow.GetLogger(ctx)

	claimOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	execOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	dodOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	recordOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}

	var a *Activities

	// ===== CLAIM =====
	claimCtx := workflow.WithActivityOptions(ctx, claimOpts)
	if err := workflow.ExecuteActivity(claimCtx, a.ClaimActivity, req).Get(ctx, nil); err != nil {
		return fmt.Errorf("claim failed: %w", err)
	}

	// ===== GATE =====
	if !req.AutoApprove {
		logger.Info("Waiting for human approval", "TaskID", req.TaskID)
		signalChan := workflow.GetSignalChannel(ctx, ApprovalSignal)
		var signalVal string
		signalChan.Receive(ctx, &signalVal)
		if signalVal == SignalRejected {
			recordOutcome(ctx, recordOpts, a, req, task.Canceled, "rejected at human gate", startTime, ExecutionResult{})
			return fmt.Errorf("task rejected at human gate")
		}
	}

	// ===== EXECUTE → DOD LOOP =====
	var lastResult ExecutionResult
	var lastViolations []string
	for attempt := 0; attempt < maxDoDRetries; attempt++ {
		logger.Info("Execution attempt", "Attempt", attempt+1, "TaskID", req.TaskID)

		execCtx := workflow.WithActivityOptions(ctx, execOpts)
		var execResult ExecutionResult
		if err := workflow.ExecuteActivity(execCtx, a.ExecuteActivity, req).Get(ctx, &execResult); err != nil {
			logger.Warn("Execution failed", "Attempt", attempt+1, "error", err)
			continue
		}
		lastResult = execResult

		dodCtx := workflow.WithActivityOptions(ctx, dodOpts)
		var dod DoDResult
		if err := workflow.ExecuteActivity(dodCtx, a.DoDVerifyActivity, req).Get(ctx, &dod); err != nil {
			logger.Warn("DoD verification errored", "error", err)
			continue
		}
		if dod.Passed {
			recordOutcome(ctx, recordOpts, a, req, task.NeedsReview, "", startTime, lastResult)
			return nil
		}
		lastViolations = dod.Violations
		logger.Info("DoD gates failed, retrying", "Violations", dod.Violations)
	}

	// ===== ESCALATE =====
	detail := fmt.Sprintf("DoD gates failed after %d attempts: %v", maxDoDRetries, lastViolations)
	recordOutcome(ctx, recordOpts, a, req, task.Failed, detail, startTime, lastResult)
	return fmt.Errorf("task %s failed DoD after %d attempts", req.TaskID, maxDoDRetries)
}

func recordOutcome(ctx workflow.Context, opts workflow.ActivityOptions, a *Activities, req TaskRequest, status task.Status, detail string, startTime time.Time, result ExecutionResult) {
	recordCtx := workflow.WithActivityOptions(ctx, opts)
	rec := OutcomeRecord{
		TaskID: req.TaskID, Status: string(status), Detail: detail,
		TokensIn: result.TokensIn, TokensOut: result.TokensOut,
		StartedAt: startTime, EndedAt: workflow.Now(ctx),
	}
	if err := workflow.ExecuteActivity(recordCtx, a.RecordOutcomeActivity, rec).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("Failed to record outcome", "TaskID", req.TaskID, "error", err)
	}
}
