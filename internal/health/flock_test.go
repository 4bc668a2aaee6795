package health

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireFlockExclusive(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "cortexd.lock")

	f, err := AcquireFlock(lockPath)
	require.NoError(t, err)
	defer ReleaseFlock(f)

	_, err = AcquireFlock(lockPath)
	require.Error(t, err, "second acquisition must fail while the first is held")
}

func TestReleaseFlockAllowsReacquire(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "cortexd.lock")

	f, err := AcquireFlock(lockPath)
	require.NoError(t, err)
	ReleaseFlock(f)

	f2, err := AcquireFlock(lockPath)
	require.NoError(t, err)
	ReleaseFlock(f2)
}
