// Package trace implements the structured-event JSONL telemetry writer:
// size-based rotation, age-based pruning of rotated files, and daily
// cost/latency aggregation.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind discriminates a trace event.
type Kind string

const (
	ToolCall          Kind = "ToolCall"
	AgentSpawn        Kind = "AgentSpawn"
	TaskTransition    Kind = "TaskTransition"
	ApprovalRequested Kind = "ApprovalRequested"
	ApprovalGranted   Kind = "ApprovalGranted"
	ApprovalDenied    Kind = "ApprovalDenied"
	ProviderRequest   Kind = "ProviderRequest"
	ProviderResponse  Kind = "ProviderResponse"
	Error             Kind = "Error"
	Checkpoint        Kind = "Checkpoint"
)

// Event is a single observable operation, written as one JSON line.
type Event struct {
	Timestamp     time.Time `json:"ts"`
	TraceID       string    `json:"trace_id"`
	SpanID        string    `json:"span_id"`
	ParentSpanID  string    `json:"parent_span_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	Kind          Kind      `json:"kind"`
	Tool          string    `json:"tool,omitempty"`
	LatencyMS     int64     `json:"latency_ms,omitempty"`
	OK            bool      `json:"ok"`
	TokensIn      int       `json:"tokens_in,omitempty"`
	TokensOut     int       `json:"tokens_out,omitempty"`
	CostUSD       float64   `json:"cost_usd,omitempty"`
	RiskFlags     []string  `json:"risk_flags,omitempty"`
	Redacted      bool      `json:"redacted"`
}

const defaultMaxBytes = 50 * 1024 * 1024 // 50 MiB

// Writer is the single-writer, mutex-protected JSONL trace writer. When
// the current file exceeds MaxBytes it is renamed with a timestamp
// suffix and a fresh file opened in its place.
type Writer struct {
	mu        sync.Mutex
	dir       string
	path      string
	file      *os.File
	bytes     int64
	maxBytes  int64
	nowFn     func() time.Time
}

// Open opens (creating if necessary) the trace writer rooted at dir,
// writing to traces.jsonl. maxBytes <= 0 uses the default of 50 MiB.
func Open(dir string, maxBytes int64) (*Writer, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("trace: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "traces.jsonl")
	f, size, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: dir, path: path, file: f, bytes: size, maxBytes: maxBytes, nowFn: time.Now}, nil
}

func openAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("trace: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("trace: stat %s: %w", path, err)
	}
	return f, info.Size(), nil
}

// Write redacts nothing itself (callers must pass events through the
// secret redactor first) and appends ev as one JSON line,
// rotating the file first if it has grown past maxBytes.
func (w *Writer) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.bytes >= w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("trace: marshal event: %w", err)
	}
	line = append(line, '\n')

	n, err := w.file.Write(line)
	if err != nil {
		return fmt.Errorf("trace: write event: %w", err)
	}
	w.bytes += int64(n)
	return nil
}

func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("trace: close for rotation: %w", err)
	}
	suffix := w.nowFn().UTC().Format("20060102T150405")
	rotated := filepath.Join(w.dir, fmt.Sprintf("traces-%s.jsonl", suffix))
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("trace: rotate to %s: %w", rotated, err)
	}
	f, size, err := openAppend(w.path)
	if err != nil {
		return err
	}
	w.file = f
	w.bytes = size
	return nil
}

// Close closes the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Prune deletes rotated trace files (traces-*.jsonl) older than
// retention, returning the number removed. The live traces.jsonl file is
// never touched.
func Prune(dir string, retention time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("trace: read dir %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "traces-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > retention {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return removed, fmt.Errorf("trace: remove %s: %w", name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// ModelRate is the per-million-token USD rate for a model.
type ModelRate struct {
	InputPerMtok  float64
	OutputPerMtok float64
}

// CostTable is a static per-model rate table; unknown models yield zero
// cost.
type CostTable map[string]ModelRate

// Cost returns the USD cost of tokensIn/tokensOut against model's rate,
// or zero if model is not in the table.
func (c CostTable) Cost(model string, tokensIn, tokensOut int) float64 {
	rate, ok := c[model]
	if !ok {
		return 0
	}
	return (float64(tokensIn)/1_000_000)*rate.InputPerMtok + (float64(tokensOut)/1_000_000)*rate.OutputPerMtok
}

// DailySummary aggregates one day's worth of trace events.
type DailySummary struct {
	Date           string
	TasksCompleted int
	TotalCostUSD   float64
	AvgLatencyMS   float64
	ErrorCount     int
	ApprovalCount  int
}

// Aggregate reads every trace line across traces.jsonl and any rotated
// traces-*.jsonl files in dir and groups them into one DailySummary per
// UTC calendar day.
func Aggregate(dir string) (map[string]DailySummary, error) {
	paths, err := traceFiles(dir)
	if err != nil {
		return nil, err
	}

	type accum struct {
		DailySummary
		latencySum   int64
		latencyCount int
	}
	byDay := make(map[string]*accum)

	for _, path := range paths {
		events, err := readEvents(path)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			day := ev.Timestamp.UTC().Format("2006-01-02")
			a, ok := byDay[day]
			if !ok {
				a = &accum{DailySummary: DailySummary{Date: day}}
				byDay[day] = a
			}
			switch ev.Kind {
			case TaskTransition:
				if ev.OK {
					a.TasksCompleted++
				}
			case ApprovalRequested, ApprovalGranted:
				a.ApprovalCount++
			case Error:
				a.ErrorCount++
			}
			if !ev.OK && ev.Kind != Error {
				a.ErrorCount++
			}
			a.TotalCostUSD += ev.CostUSD
			if ev.LatencyMS > 0 {
				a.latencySum += ev.LatencyMS
				a.latencyCount++
			}
		}
	}

	out := make(map[string]DailySummary, len(byDay))
	for day, a := range byDay {
		if a.latencyCount > 0 {
			a.AvgLatencyMS = float64(a.latencySum) / float64(a.latencyCount)
		}
		out[day] = a.DailySummary
	}
	return out, nil
}

// Filter narrows Query results. Zero-value fields match everything.
type Filter struct {
	TaskID string
	Kind   Kind
	Limit  int
}

// Query reads trace events across the live and rotated files, newest
// file last, returning up to Limit matching events.
func Query(dir string, f Filter) ([]Event, error) {
	paths, err := traceFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, path := range paths {
		events, err := readEvents(path)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if f.TaskID != "" && ev.TaskID != f.TaskID {
				continue
			}
			if f.Kind != "" && ev.Kind != f.Kind {
				continue
			}
			out = append(out, ev)
			if f.Limit > 0 && len(out) >= f.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func traceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace: read dir %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if name == "traces.jsonl" || (strings.HasPrefix(name, "traces-") && strings.HasSuffix(name, ".jsonl")) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("trace: unmarshal %s: %w", path, err)
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
