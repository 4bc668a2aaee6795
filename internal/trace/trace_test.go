package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteAndRotate(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 200) // tiny threshold forces rotation quickly
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(Event{
			Timestamp: time.Now(), TraceID: "t1", SpanID: "s1", Kind: ToolCall, OK: true,
		}))
	}

	files, err := traceFiles(dir)
	require.NoError(t, err)
	require.Greater(t, len(files), 1, "expected at least one rotated file")
}

func TestPruneRemovesOnlyOldRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1)
	require.NoError(t, err)
	require.NoError(t, w.Write(Event{Timestamp: time.Now(), Kind: Checkpoint, OK: true}))
	require.NoError(t, w.Write(Event{Timestamp: time.Now(), Kind: Checkpoint, OK: true}))
	w.Close()

	files, err := traceFiles(dir)
	require.NoError(t, err)
	require.NotEmpty(t, files)

	removed, err := Prune(dir, time.Hour, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, 0)
}

func TestCostTableUnknownModelIsZero(t *testing.T) {
	table := CostTable{"gpt-5": {InputPerMtok: 3, OutputPerMtok: 15}}
	require.Equal(t, 0.0, table.Cost("unknown-model", 1_000_000, 1_000_000))
	require.InDelta(t, 18.0, table.Cost("gpt-5", 1_000_000, 1_000_000), 0.001)
}

func TestAggregateSumsPerDay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, defaultMaxBytes)
	require.NoError(t, err)

	day := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, w.Write(Event{Timestamp: day, Kind: TaskTransition, OK: true, CostUSD: 1.5, LatencyMS: 100}))
	require.NoError(t, w.Write(Event{Timestamp: day, Kind: ApprovalRequested, OK: true}))
	require.NoError(t, w.Write(Event{Timestamp: day, Kind: Error, OK: false}))
	require.NoError(t, w.Close())

	summaries, err := Aggregate(dir)
	require.NoError(t, err)
	s := summaries["2026-07-01"]
	require.Equal(t, 1, s.TasksCompleted)
	require.Equal(t, 1, s.ApprovalCount)
	require.Equal(t, 1, s.ErrorCount)
	require.InDelta(t, 1.5, s.TotalCostUSD, 0.001)
}
