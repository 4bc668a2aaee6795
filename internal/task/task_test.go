package task

import (
	"testing"

	"github.com/clawde-io/cortexd/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, t.TempDir(), nil)
}

func TestCreateAndClaim(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Create(store.Task{ID: "t-1", Title: "fix bug", RepoPath: "/repo", Status: string(Ready)}, "daemon"))

	ok, err := mgr.Claim("t-1", "agent-1", 60)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Claim("t-1", "agent-2", 60)
	require.NoError(t, err)
	require.False(t, ok, "a second claimant must not win the race")
}

func TestHeartbeatRequiresHolder(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Create(store.Task{ID: "t-2", Title: "x", RepoPath: "/repo", Status: string(Ready)}, "daemon"))
	ok, err := mgr.Claim("t-2", "agent-1", 60)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = mgr.Heartbeat("t-2", "agent-1", 120)
	require.NoError(t, err)

	_, err = mgr.Heartbeat("t-2", "agent-2", 120)
	require.Error(t, err, "heartbeat from a non-holder must fail")
}

func TestTransitionRejectsInvalidPair(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Create(store.Task{ID: "t-3", Title: "x", RepoPath: "/repo", Status: string(Planned)}, "daemon"))

	err := mgr.Transition("t-3", Done, "skip ahead", "daemon", nil)
	require.Error(t, err)
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestTransitionBlocksOnDoDViolations(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Create(store.Task{ID: "t-4", Title: "x", RepoPath: "/repo", Status: string(Active)}, "daemon"))

	dod := func(string) ([]string, error) { return []string{"tests were not run"}, nil }
	err := mgr.Transition("t-4", NeedsReview, "", "daemon", dod)
	require.Error(t, err)

	got, err := mgr.store.GetTask("t-4")
	require.NoError(t, err)
	require.Equal(t, string(Active), got.Status, "blocked transition must not mutate status")
}

func TestTransitionSucceedsWhenDoDClean(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Create(store.Task{ID: "t-5", Title: "x", RepoPath: "/repo", Status: string(Active)}, "daemon"))

	dod := func(string) ([]string, error) { return nil, nil }
	require.NoError(t, mgr.Transition("t-5", NeedsReview, "", "daemon", dod))

	got, err := mgr.store.GetTask("t-5")
	require.NoError(t, err)
	require.Equal(t, string(NeedsReview), got.Status)
}

func TestReleaseExpiredRevertsLease(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Create(store.Task{ID: "t-6", Title: "x", RepoPath: "/repo", Status: string(Ready)}, "daemon"))
	ok, err := mgr.Claim("t-6", "agent-1", -1)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := mgr.ReleaseExpired()
	require.NoError(t, err)
	require.Contains(t, ids, "t-6")

	got, err := mgr.store.GetTask("t-6")
	require.NoError(t, err)
	require.Equal(t, string(Ready), got.Status)
	require.Empty(t, got.ClaimHolder)
}

func TestCanTransitionRejectsFromTerminal(t *testing.T) {
	require.False(t, CanTransition(Done, Active))
	require.False(t, CanTransition(Failed, Ready))
	require.True(t, CanTransition(Active, NeedsReview))
}
