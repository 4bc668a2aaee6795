package rpc

import (
	"os/exec"

	"github.com/clawde-io/cortexd/internal/policy"
	"github.com/clawde-io/cortexd/internal/store"
)

// policyDoD runs the Definition-of-Done gates against a task: acceptance
// criteria present, no placeholder stubs in the cumulative patch, tests
// run and passing.
func policyDoD(t store.Task) []string {
	return policy.CheckDoD(policy.TaskSpec{
		AcceptanceCriteria: t.SpecAcceptance,
		TestsRun:           t.TestsRun,
		LastTestPassed:     t.LastTestPassed,
	}, cumulativeDiff(t))
}

// cumulativeDiff collects the task's uncommitted patch from its worktree.
// Best-effort: a task without a worktree, or a failing git invocation,
// yields an empty diff and the placeholder gate passes vacuously.
func cumulativeDiff(t store.Task) string {
	dir := t.WorktreePath
	if dir == "" {
		dir = t.RepoPath
	}
	if dir == "" {
		return ""
	}
	cmd := exec.Command("git", "diff", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
