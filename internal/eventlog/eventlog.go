// Package eventlog implements the append-only per-task JSON-line event log
// that is the source of truth for task replay.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind enumerates the task event kinds.
type Kind string

const (
	Created            Kind = "Created"
	StatusChanged      Kind = "StatusChanged"
	ClaimAcquired      Kind = "ClaimAcquired"
	Heartbeat          Kind = "Heartbeat"
	ToolCall           Kind = "ToolCall"
	ApprovalRequested  Kind = "ApprovalRequested"
	ApprovalGranted    Kind = "ApprovalGranted"
	ApprovalDenied     Kind = "ApprovalDenied"
	CommentAdded       Kind = "CommentAdded"
	Completed          Kind = "Completed"
	Failed             Kind = "Failed"
	LeaseExpired       Kind = "LeaseExpired"
)

// Event is one append-only entry in a task's event log.
type Event struct {
	Seq           uint64          `json:"seq"`
	Kind          Kind            `json:"kind"`
	Actor         string          `json:"actor"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"ts"`
}

// Log is a single task's append-only event-log file. Appends are
// serialized per task: sequence numbers are gap-free and strictly
// monotonic, and every write is fsynced before returning so that external
// observers replaying the log never see a torn write.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	nextSeq uint64
}

// Open opens (creating if necessary) the event log for a task, deriving the
// next sequence number by counting existing lines.
func Open(dir, taskID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, taskID+".jsonl")

	count, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: count %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	return &Log{path: path, file: f, nextSeq: uint64(count)}, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	return count, scanner.Err()
}

// Append writes a new event under the next sequence number and fsyncs
// before returning so observers never act on an unpersisted transition.
func (l *Log) Append(kind Kind, actor, correlationID string, payload any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal payload: %w", err)
	}

	ev := Event{
		Seq:           l.nextSeq,
		Kind:          kind,
		Actor:         actor,
		CorrelationID: correlationID,
		Payload:       raw,
		Timestamp:     time.Now(),
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return 0, fmt.Errorf("eventlog: write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("eventlog: fsync: %w", err)
	}

	seq := l.nextSeq
	l.nextSeq++
	return seq, nil
}

// Count returns the number of events appended so far.
func (l *Log) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Close closes the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Replay returns every event in the log, in sequence order, reconstructing
// the current task state when folded by a caller.
func Replay(dir, taskID string) ([]Event, error) {
	path := filepath.Join(dir, taskID+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: open for replay %s: %w", path, err)
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
			return nil, fmt.Errorf("eventlog: unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan replay: %w", err)
	}
	return events, nil
}
