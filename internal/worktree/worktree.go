// Package worktree manages disposable per-session/per-task filesystem
// workspaces created from a source repository using git's worktree
// primitive in detached-HEAD mode.
package worktree

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager creates and removes git worktrees under a base directory.
type Manager struct {
	baseDir string
	logger  *slog.Logger
}

// NewManager returns a Manager rooted at baseDir.
func NewManager(baseDir string, logger *slog.Logger) *Manager {
	return &Manager{baseDir: baseDir, logger: logger}
}

// pathFor returns the deterministic worktree path for an id.
func (m *Manager) pathFor(id string) string {
	return filepath.Join(m.baseDir, id)
}

// TryCreate creates a detached-HEAD worktree for id from repo. All
// failures are logged and treated as best-effort: the session or task
// proceeds against the main repo instead of aborting.
func (m *Manager) TryCreate(repo, id string) (string, bool) {
	path := m.pathFor(id)

	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		m.logger.Warn("worktree base dir create failed", "dir", m.baseDir, "error", err)
		return "", false
	}

	cmd := exec.Command("git", "worktree", "add", "--detach", path)
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("worktree create failed, falling back to main repo",
			"repo", repo, "id", id, "error", err, "output", strings.TrimSpace(string(out)))
		return "", false
	}

	return path, true
}

// TryRemove removes a worktree, forcing removal of any uncommitted state.
// Best-effort: failures are logged, never propagated.
func (m *Manager) TryRemove(repo, path string) {
	if path == "" {
		return
	}
	cmd := exec.Command("git", "worktree", "remove", "--force", path)
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("worktree remove failed", "path", path, "error", err, "output", strings.TrimSpace(string(out)))
	}
}

// EffectivePath returns the worktree path for id if it exists on disk,
// otherwise the main repo path.
func (m *Manager) EffectivePath(id, repo string) string {
	path := m.pathFor(id)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path
	}
	return repo
}

// Prune removes worktree administrative entries whose working trees have
// been deleted from disk out-of-band (e.g. manual rm -rf).
func (m *Manager) Prune(repo string) error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worktree: prune %s: %w (%s)", repo, err, strings.TrimSpace(string(out)))
	}
	return nil
}
