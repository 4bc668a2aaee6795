// Package policy implements the safety-critical decision pipeline consulted
// before any tool call executes: risk classification, approval rules, the
// secret scanner, the supply-chain trust check, and the mode gate. It
// also implements the Definition-of-Done checker and the output scanner
// that runs on every tool result.
package policy

import (
	"fmt"

	"github.com/clawde-io/cortexd/internal/config"
	"github.com/clawde-io/cortexd/internal/secret"
)

// Risk is a tool's risk classification.
type Risk string

const (
	Low      Risk = "Low"
	Medium   Risk = "Medium"
	High     Risk = "High"
	Critical Risk = "Critical"
)

// defaultRisk is the built-in per-tool risk table, consulted when a tool
// has no entry in the project config's risk overrides.
var defaultRisk = map[string]Risk{
	"read":              Low,
	"search":            Low,
	"log":               Low,
	"run-tests":         Medium,
	"create-task":       Medium,
	"claim":             Medium,
	"transition":        Medium,
	"apply-patch":       High,
	"request-approval":  High,
	"git-push":          Critical,
	"shell-exec":        Critical,
	"network-request":   Critical,
}

// Outcome is the sum type returned by Evaluate.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Tool   string
	Risk   Risk
}

// OutcomeKind discriminates the Outcome sum type.
type OutcomeKind int

const (
	Allow OutcomeKind = iota
	Deny
	NeedsApproval
)

func (o Outcome) String() string {
	switch o.Kind {
	case Allow:
		return "Allow"
	case Deny:
		return fmt.Sprintf("Deny{%s}", o.Reason)
	case NeedsApproval:
		return fmt.Sprintf("NeedsApproval{tool=%s,risk=%s,reason=%s}", o.Tool, o.Risk, o.Reason)
	default:
		return "Unknown"
	}
}

// TaskStateLookup resolves whether the task associated with a call is
// currently Active, consulted by the Medium-risk approval rule.
type TaskStateLookup func(taskID string) (isActive bool, err error)

// Engine evaluates tool calls against the five-stage pipeline.
type Engine struct {
	cfg        *config.Config
	taskActive TaskStateLookup
}

// NewEngine returns an Engine reading risk overrides and the trust registry
// from cfg.
func NewEngine(cfg *config.Config, taskActive TaskStateLookup) *Engine {
	return &Engine{cfg: cfg, taskActive: taskActive}
}

// Call describes one tool invocation to be evaluated.
type Call struct {
	Tool           string
	Args           any // decoded JSON argument tree
	TaskID         string
	ActorID        string
	ProviderServer string // non-empty when the tool originates from an external MCP-style provider
	CommandHash    string // observed command hash for the provider server binary, if known
	SessionMode    string // "forge", "storm", or "" for default
}

// classifyRisk returns the risk level for tool, consulting config overrides
// before the built-in defaults. Unknown tools default to Medium.
func (e *Engine) classifyRisk(tool string) Risk {
	if e.cfg != nil {
		if override, ok := e.cfg.Risk[tool]; ok {
			return Risk(override)
		}
	}
	if r, ok := defaultRisk[tool]; ok {
		return r
	}
	return Medium
}

var modeGatedKinds = map[string]bool{
	"file-write":      true,
	"shell-exec":      true,
	"version-control": true,
	"unknown-scope":   true,
}

// ToolKind classifies a tool name into the coarse categories the mode gate
// checks. Unknown tools are treated as unknown-scope, the conservative
// default.
func ToolKind(tool string) string {
	switch tool {
	case "apply-patch", "write-file", "delete-file":
		return "file-write"
	case "shell-exec":
		return "shell-exec"
	case "git-push", "git-commit", "git-branch":
		return "version-control"
	case "read", "search", "log", "run-tests", "create-task", "claim", "transition", "request-approval", "network-request":
		return ""
	default:
		return "unknown-scope"
	}
}

// Evaluate runs the five-stage pipeline against call and returns the policy
// outcome.
func (e *Engine) Evaluate(call Call) (Outcome, error) {
	// Stage 5: task-state mode gate, evaluated before approval rules when
	// the session is in a restrictive mode.
	if call.SessionMode == "forge" || call.SessionMode == "storm" {
		if modeGatedKinds[ToolKind(call.Tool)] {
			return Outcome{Kind: Deny, Reason: "ModeViolation", Tool: call.Tool}, nil
		}
	}

	risk := e.classifyRisk(call.Tool)

	// Stage 3: secret scanner, applies regardless of risk level.
	if secret.ContainsSecret(call.Args) {
		return Outcome{Kind: Deny, Reason: "SecretDetected", Tool: call.Tool, Risk: risk}, nil
	}

	// Stage 4: supply-chain trust check, only when the tool comes from an
	// external provider server.
	if call.ProviderServer != "" {
		if outcome, blocked := e.checkTrust(call); blocked {
			return outcome, nil
		}
	}

	// Stage 2: approval rules.
	switch risk {
	case Low:
		if e.autoApproveLow() {
			return Outcome{Kind: Allow, Tool: call.Tool, Risk: risk}, nil
		}
		return Outcome{Kind: NeedsApproval, Tool: call.Tool, Risk: risk, Reason: "low-risk auto-approve disabled"}, nil
	case Medium:
		active, err := e.isTaskActive(call.TaskID)
		if err != nil {
			return Outcome{}, fmt.Errorf("policy: task state lookup: %w", err)
		}
		if active {
			return Outcome{Kind: Allow, Tool: call.Tool, Risk: risk}, nil
		}
		return Outcome{Kind: Deny, Tool: call.Tool, Risk: risk, Reason: "task is not Active"}, nil
	case High, Critical:
		return Outcome{Kind: NeedsApproval, Tool: call.Tool, Risk: risk, Reason: "high-risk tool always requires approval"}, nil
	default:
		return Outcome{Kind: Deny, Tool: call.Tool, Risk: risk, Reason: "unknown risk level"}, nil
	}
}

func (e *Engine) autoApproveLow() bool {
	if e.cfg == nil {
		return true
	}
	return e.cfg.General.AutoApproveLow
}

func (e *Engine) isTaskActive(taskID string) (bool, error) {
	if e.taskActive == nil || taskID == "" {
		return false, nil
	}
	return e.taskActive(taskID)
}

// checkTrust evaluates stage 4 against the config's trust registry. The
// bool return is true when the call is blocked (outcome is meaningful);
// false means the trust check passed and the pipeline should continue.
func (e *Engine) checkTrust(call Call) (Outcome, bool) {
	if e.cfg == nil {
		return Outcome{Kind: Deny, Tool: call.Tool, Reason: "untrusted provider server"}, true
	}
	entry, ok := e.cfg.Trust[call.ProviderServer]
	if !ok || !entry.Trusted {
		return Outcome{Kind: Deny, Tool: call.Tool, Reason: "untrusted provider server"}, true
	}
	if entry.CommandHash != "" && call.CommandHash != "" && entry.CommandHash != call.CommandHash {
		return Outcome{Kind: Deny, Tool: call.Tool, Reason: "command hash mismatch"}, true
	}
	if len(entry.AllowedTools) > 0 && !contains(entry.AllowedTools, call.Tool) {
		return Outcome{Kind: Deny, Tool: call.Tool, Reason: "tool not in provider allowlist"}, true
	}
	return Outcome{}, false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
