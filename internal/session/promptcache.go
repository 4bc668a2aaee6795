package session

import (
	"crypto/sha256"
	"encoding/hex"
	"os/exec"
	"sort"
	"strings"

	"github.com/clawde-io/cortexd/internal/store"
)

// StablePrefixHash computes the cache key for a session's stable
// system-prompt prefix:
//
//	SHA-256(system_prompt || sorted_repo_context_paths || repo_HEAD_sha)
//
// The hash changes when the system prompt text changes, when the set of
// repo context file paths changes, or when a new commit lands on HEAD.
// It does NOT change between turns otherwise, so provider-side prompt
// caches remain valid across turns. Paths are sorted before hashing;
// permuting them never changes the result. Pass an empty headSHA for
// sessions with no associated repo. Returns a 64-character lowercase
// hex string.
func StablePrefixHash(systemPrompt string, repoContextPaths []string, repoHeadSHA string) string {
	h := sha256.New()

	// System prompt first: the most stable component.
	h.Write([]byte(systemPrompt))
	h.Write([]byte{0x00})

	sorted := make([]string, len(repoContextPaths))
	copy(sorted, repoContextPaths)
	sort.Strings(sorted)
	for _, path := range sorted {
		h.Write([]byte(path))
		h.Write([]byte{0x01})
	}
	h.Write([]byte{0x00})

	h.Write([]byte(repoHeadSHA))

	return hex.EncodeToString(h.Sum(nil))
}

// PrefixChanged reports whether the cached prompt prefix is stale.
func PrefixChanged(oldHash, newHash string) bool {
	return oldHash != newHash
}

// headSHA returns the repository's current HEAD commit, or "" when the
// directory is not a git repo (the hash stays valid, just repo-less).
func headSHA(repoDir string) string {
	if repoDir == "" {
		return ""
	}
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// promptCacheKey computes the stable prefix hash for a session's next
// turn from its tracked repo-context paths and the repo HEAD.
func (r *Runtime) promptCacheKey(sess *store.Session) string {
	var paths []string
	if entries, err := r.store.ListRepoContexts(sess.ID); err == nil {
		for _, e := range entries {
			paths = append(paths, e.FilePath)
		}
	}
	return StablePrefixHash(r.systemPrompt(), paths, headSHA(r.repoDir(sess)))
}

// systemPrompt is the stable prompt prefix shared by every turn of every
// session. Kept as a single string so the cache key covers exactly what
// the vendor agent receives ahead of conversation history.
func (r *Runtime) systemPrompt() string {
	if r.cfg != nil && r.cfg.General.SystemPrompt != "" {
		return r.cfg.General.SystemPrompt
	}
	return defaultSystemPrompt
}

const defaultSystemPrompt = "You are a coding agent operating inside a governed workspace. " +
	"Work only within the provided repository, request approval for risky operations, " +
	"and never include credentials in tool arguments."
