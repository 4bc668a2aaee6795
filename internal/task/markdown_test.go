package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const activeMD = `# Active Tasks

Some free text the generator must never touch.

## PHASE 1 — STABILIZE

| # | Sev | Task | File | Status |
|---|-----|------|------|--------|
| FP-C1 | CRITICAL | Fix session recovery | internal/store/sessions.go | 🔲 |
| FP-C2 | HIGH | Harden secret scanner | internal/secret/secret.go | 🚧 |

### QA GROUP

| # | Sev | Task | File | Status |
|---|-----|------|------|--------|
| QA-1 | MEDIUM | Verify approval flow | internal/session/runtime.go | 🟡 |
`

func TestParseActiveMarkdown(t *testing.T) {
	tasks := ParseActiveMarkdown(activeMD)
	require.Len(t, tasks, 3)

	require.Equal(t, "FP-C1", tasks[0].ID)
	require.Equal(t, Ready, tasks[0].Status)
	require.Equal(t, "critical", tasks[0].Severity)
	require.Equal(t, "Fix session recovery", tasks[0].Title)
	require.Equal(t, "internal/store/sessions.go", tasks[0].File)
	require.Equal(t, "PHASE 1 — STABILIZE", tasks[0].Phase)
	require.Equal(t, "FP", tasks[0].Group)

	require.Equal(t, "FP-C2", tasks[1].ID)
	require.Equal(t, Active, tasks[1].Status)

	require.Equal(t, "QA-1", tasks[2].ID)
	require.Equal(t, InQA, tasks[2].Status)
	require.Equal(t, "QA GROUP", tasks[2].Phase)
}

func TestParseActiveMarkdownSkipsHeadersAndSeparators(t *testing.T) {
	md := "| # | Sev | Task | File | Status |\n|---|-----|------|------|--------|\n"
	require.Empty(t, ParseActiveMarkdown(md))
}

func TestRegenerateReplacesOnlyStatusSymbols(t *testing.T) {
	updated := RegenerateActiveMarkdown(activeMD, map[string]Status{
		"FP-C1": Done,
		"FP-C2": Blocked,
	})

	require.Contains(t, updated, "| FP-C1 | CRITICAL | Fix session recovery | internal/store/sessions.go | ✅ |")
	require.Contains(t, updated, "| FP-C2 | HIGH | Harden secret scanner | internal/secret/secret.go | ❌ |")
	// Unknown ids keep their row untouched.
	require.Contains(t, updated, "| QA-1 | MEDIUM | Verify approval flow | internal/session/runtime.go | 🟡 |")
}

// Parse-then-emit preserves all non-status text character for character;
// only status symbols change.
func TestRegenerateRoundTripPreservesNonStatusText(t *testing.T) {
	updated := RegenerateActiveMarkdown(activeMD, map[string]Status{
		"FP-C1": Done,
		"FP-C2": Blocked,
		"QA-1":  Done,
	})

	origLines := strings.Split(activeMD, "\n")
	newLines := strings.Split(updated, "\n")
	require.Len(t, newLines, len(origLines))

	for i := range origLines {
		if origLines[i] == newLines[i] {
			continue
		}
		// A changed line must be a task row differing only in its last cell.
		origCells := tableCells(origLines[i])
		newCells := tableCells(newLines[i])
		require.Len(t, newCells, len(origCells), "row %d changed shape", i)
		require.Equal(t, origCells[:len(origCells)-1], newCells[:len(newCells)-1],
			"row %d changed outside the status cell", i)
	}
}

// A no-op regeneration is the identity: same statuses in, byte-identical
// document out.
func TestRegenerateIdentityWhenStatusesUnchanged(t *testing.T) {
	statuses := make(map[string]Status)
	for _, parsed := range ParseActiveMarkdown(activeMD) {
		statuses[parsed.ID] = parsed.Status
	}
	require.Equal(t, activeMD, RegenerateActiveMarkdown(activeMD, statuses))
}

func TestStatusSymbolRoundTrip(t *testing.T) {
	for symbol, status := range symbolStatuses {
		require.Equal(t, symbol, StatusSymbol(status), "symbol for %s", status)
	}
	require.Equal(t, "🔲", StatusSymbol(Status("unheard_of")))
}
