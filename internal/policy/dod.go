package policy

import (
	"bufio"
	"regexp"
	"strings"
)

// placeholderPatterns match stub sentinels left in place of real
// implementation work. Scanned over unified-diff additions, or full file
// contents when a caller asks directly.
var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bTODO\b`),
	regexp.MustCompile(`\bFIXME\b`),
	regexp.MustCompile(`\bSTUB\b`),
	regexp.MustCompile(`(?i)\bplaceholder\b`),
	regexp.MustCompile(`\bimplement_here\b`),
	regexp.MustCompile(`^\s*pass\s*$`),
	regexp.MustCompile(`\bunimplemented!\s*\(`),
	regexp.MustCompile(`\bNotImplementedError\b`),
	regexp.MustCompile(`\bpanic\(\s*"not implemented"\s*\)`),
}

// TaskSpec is the subset of a task's spec the DoD checker inspects.
type TaskSpec struct {
	AcceptanceCriteria string
	TestsRun           bool
	LastTestPassed     bool
}

// FindPlaceholders scans text (a unified diff's additions, or a full file)
// for stub sentinels and returns the offending lines.
func FindPlaceholders(text string) []string {
	var hits []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		for _, p := range placeholderPatterns {
			if p.MatchString(line) {
				hits = append(hits, line)
				break
			}
		}
	}
	return hits
}

// FindPlaceholdersInDiff scans only the added lines of a unified diff
// (lines beginning with a single '+', excluding the "+++" file header).
func FindPlaceholdersInDiff(diff string) []string {
	var additions strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(diff))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			additions.WriteString(strings.TrimPrefix(line, "+"))
			additions.WriteByte('\n')
		}
	}
	return FindPlaceholders(additions.String())
}

// CheckDoD runs the Definition-of-Done gates against a task's spec and
// cumulative patch, returning a non-empty violation list when any gate
// fails. Called at the active -> needs_review transition.
func CheckDoD(spec TaskSpec, cumulativeDiff string) []string {
	var violations []string

	if strings.TrimSpace(spec.AcceptanceCriteria) == "" {
		violations = append(violations, "acceptance criteria missing")
	}

	if hits := FindPlaceholdersInDiff(cumulativeDiff); len(hits) > 0 {
		violations = append(violations, "placeholder stub(s) found in patch")
	}

	if !spec.TestsRun {
		violations = append(violations, "tests were not run")
	} else if !spec.LastTestPassed {
		violations = append(violations, "last test run did not pass")
	}

	return violations
}
