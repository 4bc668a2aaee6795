// Package router implements the intent router: a pure heuristic keyword
// classifier that picks a provider for a new session from its initial
// message.
package router

import "strings"

// DefaultProvider is returned on a tie or when no initial message is given.
const DefaultProvider = "claude"

var explainKeywords = []string{
	"debug", "explain", "review", "why", "error", "bug", "what does", "what is",
}

var buildKeywords = []string{
	"generate", "refactor", "implement", "build", "create", "write", "add", "fix",
}

// Route picks a provider for a new session from its optional initial
// message. Ties (including the zero/empty-message case) go to
// DefaultProvider. Decisions are never logged above debug level by the
// caller, so no user content leaks into info-level logs.
func Route(initialMessage string) string {
	lower := strings.ToLower(initialMessage)

	explainScore := countMatches(lower, explainKeywords)
	buildScore := countMatches(lower, buildKeywords)

	switch {
	case explainScore > buildScore:
		return "codex"
	case buildScore > explainScore:
		return "claude"
	default:
		return DefaultProvider
	}
}

func countMatches(haystack string, keywords []string) int {
	count := 0
	for _, kw := range keywords {
		count += strings.Count(haystack, kw)
	}
	return count
}
