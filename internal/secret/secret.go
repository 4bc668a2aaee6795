// Package secret implements the credential redactor used by the policy
// engine's argument scanner and by trace-event sanitization.
package secret

import (
	"math"
	"regexp"
)

const redactedMarker = "[REDACTED]"

// patterns is the fixed set of credential shapes checked before the
// entropy pass. Each one replaces a full match with redactedMarker.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{16,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password)\s*[=:]\s*["']?[A-Za-z0-9+/_\-\.]{8,}["']?`),
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-_\.]{10,}`),
}

var highEntropyToken = regexp.MustCompile(`[A-Za-z0-9+/_\-]{20,}`)

const (
	minHighEntropyLen  = 20
	highEntropyBitsPer = 4.5
)

// Redact applies the fixed pattern set, then a second pass flagging any
// remaining 20+ character token whose Shannon entropy exceeds 4.5
// bits/char, replacing matches with a fixed marker. changed reports
// whether any replacement occurred.
func Redact(text string) (redacted string, changed bool) {
	redacted = text
	for _, p := range patterns {
		if p.MatchString(redacted) {
			changed = true
			redacted = p.ReplaceAllString(redacted, redactedMarker)
		}
	}

	redacted = highEntropyToken.ReplaceAllStringFunc(redacted, func(tok string) string {
		if IsHighEntropy(tok) {
			changed = true
			return redactedMarker
		}
		return tok
	})

	return redacted, changed
}

// IsHighEntropy reports whether token is at least minHighEntropyLen
// characters long and has a Shannon entropy above highEntropyBitsPer
// bits per character — the heuristic for "looks like a credential" used
// when no literal pattern matches.
func IsHighEntropy(token string) bool {
	if len(token) < minHighEntropyLen {
		return false
	}
	return shannonEntropy(token) > highEntropyBitsPer
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int, len(s))
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// RedactArgs recursively redacts every string value in an argument tree
// (the JSON-decoded form of a tool call's arguments), returning a new
// tree and whether any value changed.
func RedactArgs(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		redacted, changed := Redact(val)
		return redacted, changed
	case map[string]any:
		out := make(map[string]any, len(val))
		anyChanged := false
		for k, elem := range val {
			r, changed := RedactArgs(elem)
			out[k] = r
			anyChanged = anyChanged || changed
		}
		return out, anyChanged
	case []any:
		out := make([]any, len(val))
		anyChanged := false
		for i, elem := range val {
			r, changed := RedactArgs(elem)
			out[i] = r
			anyChanged = anyChanged || changed
		}
		return out, anyChanged
	default:
		return v, false
	}
}

// ContainsSecret is a convenience check for the policy engine's scanner
// step: true if redacting args would change anything.
func ContainsSecret(v any) bool {
	_, changed := RedactArgs(v)
	return changed
}
