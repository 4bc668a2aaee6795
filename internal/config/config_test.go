package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortexd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[general]
data_dir = "~/cx-test"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4300, cfg.API.Port)
	require.Equal(t, 600, cfg.API.RPCCapMin)
	require.Equal(t, 2.0, cfg.Backoff.Multiplier)
	require.NotEmpty(t, cfg.Trace.Dir)
	require.NotEmpty(t, cfg.Worktree.BaseDir)
}

func TestAutoApproveLowDefaultsOn(t *testing.T) {
	path := writeConfig(t, "[general]\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.General.AutoApproveLow)

	path = writeConfig(t, "[general]\nauto_approve_low = false\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	require.False(t, cfg.General.AutoApproveLow, "explicit key wins")
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
[api]
port = 99999
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := &Config{Providers: map[string]Provider{"claude": {CLI: "claude"}}}
	clone := cfg.Clone()
	clone.Providers["claude"] = Provider{CLI: "mutated"}
	require.Equal(t, "claude", cfg.Providers["claude"].CLI)
}

func TestValidateReloadRejectsImmutableFieldChange(t *testing.T) {
	old := &Config{General: General{DataDir: "/a"}, API: API{Port: 4300}}
	changed := &Config{General: General{DataDir: "/b"}, API: API{Port: 4300}}
	require.Error(t, ValidateReload(old, changed))

	same := &Config{General: General{DataDir: "/a"}, API: API{Port: 4300}}
	require.NoError(t, ValidateReload(old, same))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, home, ExpandHome("~"))
	require.Equal(t, filepath.Join(home, "foo"), ExpandHome("~/foo"))
	require.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}
