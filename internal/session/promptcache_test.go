package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testPrompt = "You are an expert Go engineer."
	testHead   = "abc123def456"
)

func TestStablePrefixHashDeterministic(t *testing.T) {
	paths := []string{"internal/store/store.go", "internal/task/task.go"}
	h1 := StablePrefixHash(testPrompt, paths, testHead)
	h2 := StablePrefixHash(testPrompt, paths, testHead)
	require.Equal(t, h1, h2)
}

func TestStablePrefixHashPathOrderDoesNotMatter(t *testing.T) {
	a := []string{"internal/store/store.go", "internal/task/task.go"}
	b := []string{"internal/task/task.go", "internal/store/store.go"}
	require.Equal(t, StablePrefixHash(testPrompt, a, testHead), StablePrefixHash(testPrompt, b, testHead))
}

func TestStablePrefixHashChangesWithEachInput(t *testing.T) {
	paths := []string{"main.go"}
	base := StablePrefixHash(testPrompt, paths, testHead)

	require.NotEqual(t, base, StablePrefixHash("You are an expert TypeScript engineer.", paths, testHead))
	require.NotEqual(t, base, StablePrefixHash(testPrompt, []string{"main.go", "lib.go"}, testHead))
	require.NotEqual(t, base, StablePrefixHash(testPrompt, paths, "deadbeef"))
}

func TestStablePrefixHashSortedInputUnaffected(t *testing.T) {
	// Sorting must not mutate the caller's slice.
	paths := []string{"z.go", "a.go"}
	StablePrefixHash(testPrompt, paths, testHead)
	require.Equal(t, []string{"z.go", "a.go"}, paths)
}

func TestStablePrefixHashEmptyInputsValid(t *testing.T) {
	hash := StablePrefixHash("", nil, "")
	require.Len(t, hash, 64)
	for _, c := range hash {
		require.Contains(t, "0123456789abcdef", string(c))
	}
}

func TestPrefixChanged(t *testing.T) {
	paths := []string{"main.go"}
	old := StablePrefixHash(testPrompt, paths, testHead)
	renewed := StablePrefixHash(testPrompt, paths, "newhead")
	require.True(t, PrefixChanged(old, renewed))
	require.False(t, PrefixChanged(old, old))
}
