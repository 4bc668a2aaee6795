package account

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clawde-io/cortexd/internal/store"
)

func newPool(t *testing.T) (*Pool, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewPool(st), st
}

func TestGetAvailablePicksLeastLoaded(t *testing.T) {
	pool, st := newPool(t)
	require.NoError(t, st.CreateAccount(store.Account{ID: "a", Provider: "claude"}))
	require.NoError(t, st.CreateAccount(store.Account{ID: "b", Provider: "claude"}))

	// Load account "a" with two requests; "b" stays idle.
	require.NoError(t, pool.RecordUsage("a", 10))
	require.NoError(t, pool.RecordUsage("a", 10))

	acc, ok, err := pool.GetAvailable("claude")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", acc.ID)
}

func TestGetAvailableSkipsBlockedAccounts(t *testing.T) {
	pool, st := newPool(t)
	require.NoError(t, st.CreateAccount(store.Account{ID: "a", Provider: "claude"}))
	require.NoError(t, pool.MarkRateLimited("a", time.Minute))

	_, ok, err := pool.GetAvailable("claude")
	require.NoError(t, err)
	require.False(t, ok, "only account is blocked")
}

func TestGetAvailableNoneForUnknownProvider(t *testing.T) {
	pool, _ := newPool(t)
	_, ok, err := pool.GetAvailable("nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResetWindowUnblocksElapsedAccounts(t *testing.T) {
	pool, st := newPool(t)
	require.NoError(t, st.CreateAccount(store.Account{ID: "a", Provider: "claude"}))
	require.NoError(t, pool.RecordUsage("a", 10))
	require.NoError(t, pool.MarkRateLimited("a", time.Millisecond))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, pool.ResetWindow())

	acc, ok, err := pool.GetAvailable("claude")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, acc.RPMUsed, "per-minute counter reset")
}
