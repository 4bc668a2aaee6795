// Package workflow runs governed task execution as a Temporal workflow:
// claim, human gate, vendor execution, Definition-of-Done verification,
// and outcome recording, in that order.
package workflow

import "time"

// TaskRequest starts one governed task workflow.
type TaskRequest struct {
	TaskID      string        `json:"task_id"`
	Agent       string        `json:"agent"`
	Provider    string        `json:"provider"`
	Prompt      string        `json:"prompt"`
	WorkDir     string        `json:"work_dir"`
	LeaseSecs   int           `json:"lease_secs"`
	AutoApprove bool          `json:"auto_approve"` // skip the human gate for pre-approved work
	Timeout     time.Duration `json:"timeout"`
}

// ExecutionResult is what the vendor-agent execution activity produced.
type ExecutionResult struct {
	Output    string `json:"output"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
}

// DoDResult reports the Definition-of-Done verification outcome.
type DoDResult struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// OutcomeRecord is persisted at the end of every workflow run,
// successful or not.
type OutcomeRecord struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// ApprovalSignal is the signal name the human gate blocks on.
const ApprovalSignal = "human-approval"

// Signal payloads for the human gate.
const (
	SignalApproved = "APPROVED"
	SignalRejected = "REJECTED"
)
