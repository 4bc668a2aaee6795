package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ToolExecution describes one allowed tool call dispatched for real
// execution, after the policy engine has returned Allow.
type ToolExecution struct {
	Tool    string
	Args    map[string]any
	RepoDir string
}

// ToolResult is what a tool execution produced, before the output
// scanner (internal/policy.ScanOutput) redacts and labels it.
type ToolResult struct {
	Output string
	Err    error
}

// ToolExecutor dispatches an allowed tool call against the external
// world: the filesystem, the version-control tool, a shell. Built-in
// tools are a closed, build-time-known table; there is no
// reflection-based lookup.
type ToolExecutor interface {
	Execute(ctx context.Context, exec ToolExecution) ToolResult
}

// BuiltinExecutor implements the small set of tools the daemon itself
// knows how to run directly: reading a bounded slice of a repo file, and
// searching are read-only and safe to execute without a vendor CLI in
// the loop. Every other tool name returns a "not implemented" result;
// real write/shell/network execution is delegated to the vendor agent
// process itself.
type BuiltinExecutor struct {
	MaxReadBytes int64
}

// NewBuiltinExecutor returns an executor that caps file reads at
// maxReadMB megabytes.
func NewBuiltinExecutor(maxReadMB int) *BuiltinExecutor {
	if maxReadMB <= 0 {
		maxReadMB = 1
	}
	return &BuiltinExecutor{MaxReadBytes: int64(maxReadMB) * 1024 * 1024}
}

func (e *BuiltinExecutor) Execute(ctx context.Context, call ToolExecution) ToolResult {
	switch call.Tool {
	case "read":
		return e.readFile(call)
	case "search":
		return ToolResult{Output: fmt.Sprintf("search not available in this environment for query %v", call.Args["query"])}
	default:
		return ToolResult{Err: fmt.Errorf("tool %q is not executed by the daemon; the vendor agent process handles it directly", call.Tool)}
	}
}

func (e *BuiltinExecutor) readFile(call ToolExecution) ToolResult {
	rel, _ := call.Args["path"].(string)
	if rel == "" {
		return ToolResult{Err: fmt.Errorf("read: path argument is required")}
	}
	if strings.Contains(rel, "..") {
		return ToolResult{Err: fmt.Errorf("read: path must not contain ..")}
	}

	path := filepath.Join(call.RepoDir, rel)
	f, err := os.Open(path)
	if err != nil {
		return ToolResult{Err: fmt.Errorf("read: %w", err)}
	}
	defer f.Close()

	limited := io.LimitReader(f, e.MaxReadBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return ToolResult{Err: fmt.Errorf("read: %w", err)}
	}
	if int64(len(data)) > e.MaxReadBytes {
		return ToolResult{Err: fmt.Errorf("read: %s exceeds the %d byte cap", rel, e.MaxReadBytes)}
	}
	return ToolResult{Output: string(data)}
}
