package task

import (
	"strings"
)

// Active-task markdown support. The active file is a human-maintained
// markdown document whose task-table rows carry a status symbol in the
// last column. Regeneration preserves all headings, free text, and row
// order; only status symbols change, and existing rows are never removed.

// statusSymbols maps task statuses to their table symbols.
var statusSymbols = map[Status]string{
	Done:           "✅",
	Planned:        "🔲",
	Ready:          "🔲",
	Queued:         "🔲",
	Claimed:        "🚧",
	Active:         "🚧",
	Paused:         "⚠️",
	Blocked:        "❌",
	Failed:         "❌",
	Canceled:       "🚫",
	NeedsQA:        "🟡",
	InQA:           "🟡",
	QAFailed:       "🟡",
	NeedsReview:    "🔍",
	InReview:       "🔍",
	ReviewFailed:   "🔍",
	NeedsSecondary: "🔍",
}

// symbolStatuses maps a symbol back to the representative status the
// parser reports for it.
var symbolStatuses = map[string]Status{
	"✅":  Done,
	"🔲":  Ready,
	"🚧":  Active,
	"⚠️": Paused,
	"❌":  Blocked,
	"🚫":  Canceled,
	"🟡":  InQA,
	"🔍":  InReview,
}

// StatusSymbol returns the table symbol for a status. Unknown statuses
// render as the open-box symbol.
func StatusSymbol(s Status) string {
	if sym, ok := statusSymbols[s]; ok {
		return sym
	}
	return "🔲"
}

// ParsedTask is one task row recovered from an active markdown file.
type ParsedTask struct {
	ID       string
	Title    string
	Severity string
	File     string
	Status   Status
	Phase    string
	Group    string
}

// looksLikeTaskID reports whether a first-column cell is a task id:
// short, alphanumeric with hyphens/underscores, not a header or
// separator cell.
func looksLikeTaskID(cell string) bool {
	if cell == "" || len(cell) > 20 || strings.Contains(cell, " ") {
		return false
	}
	if strings.Contains(cell, "---") || cell == "#" || strings.EqualFold(cell, "id") {
		return false
	}
	for _, c := range cell {
		if !isAlphanumeric(c) && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// tableCells splits a |-delimited table row into trimmed non-empty cells.
func tableCells(row string) []string {
	var cells []string
	for _, cell := range strings.Split(row, "|") {
		cell = strings.TrimSpace(cell)
		if cell != "" {
			cells = append(cells, cell)
		}
	}
	return cells
}

// ParseActiveMarkdown parses task-table rows of the
// `| id | sev | title | file | status |` shape out of content. Headings
// provide phase context; the id prefix before the first hyphen provides
// the group. Header, separator, and legend rows are skipped, as are rows
// whose last cell is not a recognized status symbol.
func ParseActiveMarkdown(content string) []ParsedTask {
	var tasks []ParsedTask
	var currentPhase string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "### ") || strings.HasPrefix(trimmed, "## ") {
			currentPhase = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			continue
		}

		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			continue
		}
		cells := tableCells(trimmed)
		if len(cells) < 4 {
			continue
		}
		if !looksLikeTaskID(cells[0]) {
			continue
		}
		if strings.HasPrefix(cells[0], "Symbol") || strings.HasPrefix(cells[0], "Status") {
			continue
		}

		status, ok := symbolStatuses[cells[len(cells)-1]]
		if !ok {
			continue
		}

		severity := ""
		switch strings.ToUpper(cells[1]) {
		case "CRITICAL", "HIGH", "MEDIUM", "LOW":
			severity = strings.ToLower(cells[1])
		}

		file := ""
		if len(cells) >= 5 {
			f := cells[len(cells)-2]
			if f != "" && f != "-" && f != "N/A" {
				file = f
			}
		}

		id := cells[0]
		tasks = append(tasks, ParsedTask{
			ID:       id,
			Title:    cells[2],
			Severity: severity,
			File:     file,
			Status:   status,
			Phase:    currentPhase,
			Group:    strings.SplitN(id, "-", 2)[0],
		})
	}
	return tasks
}

// RegenerateActiveMarkdown returns original with each known task row's
// status symbol replaced to match statuses. Every other character is
// preserved: headings, free text, row order, and rows for unknown ids
// pass through untouched, so parse-then-emit keeps all non-status text
// identical.
func RegenerateActiveMarkdown(original string, statuses map[string]Status) string {
	lines := strings.Split(original, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|") {
			cells := tableCells(trimmed)
			if len(cells) >= 4 && looksLikeTaskID(cells[0]) {
				if status, ok := statuses[cells[0]]; ok {
					out = append(out, replaceLastTableCell(trimmed, StatusSymbol(status)))
					continue
				}
			}
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

// replaceLastTableCell replaces the content of the final |-delimited
// cell in a table row.
func replaceLastTableCell(row, value string) string {
	row = strings.TrimSpace(row)
	lastPipe := strings.LastIndex(row, "|")
	if lastPipe < 0 {
		return row
	}
	secondLast := strings.LastIndex(row[:lastPipe], "|")
	if secondLast < 0 {
		return row
	}
	return row[:secondLast+1] + " " + value + " |"
}
