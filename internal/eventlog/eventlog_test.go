package eventlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendSequenceIsGapFree(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "task-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		seq, err := log.Append(Heartbeat, "agent-1", "", map[string]int{"i": i})
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
	}
	require.NoError(t, log.Close())

	events, err := Replay(dir, "task-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.Equal(t, uint64(i), ev.Seq)
	}
}

func TestOpenResumesSequenceFromDisk(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "task-2")
	require.NoError(t, err)
	_, err = log.Append(Created, "daemon", "", nil)
	require.NoError(t, err)
	_, err = log.Append(StatusChanged, "daemon", "", nil)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := Open(dir, "task-2")
	require.NoError(t, err)
	require.Equal(t, uint64(2), reopened.Count())

	seq, err := reopened.Append(Completed, "daemon", "", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}

func TestReplayEmptyLogReturnsNil(t *testing.T) {
	events, err := Replay(t.TempDir(), "no-such-task")
	require.NoError(t, err)
	require.Nil(t, events)
}
