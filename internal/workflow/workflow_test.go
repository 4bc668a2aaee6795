package workflow

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func TestGovernedTaskWorkflowHappyPath(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.ClaimActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.ExecuteActivity, mock.Anything, mock.Anything).Return(&ExecutionResult{
		Output: "patched", TokensIn: 1200, TokensOut: 450,
	}, nil)
	env.OnActivity(a.DoDVerifyActivity, mock.Anything, mock.Anything).Return(&DoDResult{Passed: true}, nil)

	var outcome OutcomeRecord
	env.OnActivity(a.RecordOutcomeActivity, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		if rec, ok := args.Get(1).(OutcomeRecord); ok {
			outcome = rec
		}
	}).Return(nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignal, SignalApproved)
	}, 0)

	env.ExecuteWorkflow(GovernedTaskWorkflow, TaskRequest{
		TaskID: "task-1", Agent: "claude", Provider: "claude", Prompt: "implement the widget",
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Equal(t, "needs_review", outcome.Status)
	require.Equal(t, 1200, outcome.TokensIn)
}

func TestGovernedTaskWorkflowRejectedAtGate(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.ClaimActivity, mock.Anything, mock.Anything).Return(nil)

	var outcome OutcomeRecord
	env.OnActivity(a.RecordOutcomeActivity, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		if rec, ok := args.Get(1).(OutcomeRecord); ok {
			outcome = rec
		}
	}).Return(nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignal, SignalRejected)
	}, 0)

	env.ExecuteWorkflow(GovernedTaskWorkflow, TaskRequest{TaskID: "task-2", Agent: "claude"})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, "canceled", outcome.Status)
}

func TestGovernedTaskWorkflowDoDExhaustion(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.ClaimActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.ExecuteActivity, mock.Anything, mock.Anything).Return(&ExecutionResult{Output: "partial"}, nil)
	env.OnActivity(a.DoDVerifyActivity, mock.Anything, mock.Anything).Return(&DoDResult{
		Passed: false, Violations: []string{"tests were not run"},
	}, nil)

	var outcome OutcomeRecord
	env.OnActivity(a.RecordOutcomeActivity, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		if rec, ok := args.Get(1).(OutcomeRecord); ok {
			outcome = rec
		}
	}).Return(nil)

	env.ExecuteWorkflow(GovernedTaskWorkflow, TaskRequest{
		TaskID: "task-3", Agent: "claude", AutoApprove: true,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, "failed", outcome.Status)
}
