package policy

import (
	"testing"

	"github.com/clawde-io/cortexd/internal/config"
	"github.com/stretchr/testify/require"
)

func newCfg() *config.Config {
	return &config.Config{
		General: config.General{AutoApproveLow: true},
		Risk:    map[string]string{},
		Trust:   map[string]config.TrustEntry{},
	}
}

func TestEvaluateLowRiskAutoApproved(t *testing.T) {
	eng := NewEngine(newCfg(), nil)
	out, err := eng.Evaluate(Call{Tool: "read", Args: map[string]any{"path": "a.go"}})
	require.NoError(t, err)
	require.Equal(t, Allow, out.Kind)
}

func TestEvaluateMediumRiskRequiresActiveTask(t *testing.T) {
	cfg := newCfg()
	eng := NewEngine(cfg, func(taskID string) (bool, error) { return taskID == "t-active", nil })

	out, err := eng.Evaluate(Call{Tool: "run-tests", TaskID: "t-active"})
	require.NoError(t, err)
	require.Equal(t, Allow, out.Kind)

	out, err = eng.Evaluate(Call{Tool: "run-tests", TaskID: "t-idle"})
	require.NoError(t, err)
	require.Equal(t, Deny, out.Kind)
}

func TestEvaluateHighRiskAlwaysNeedsApproval(t *testing.T) {
	eng := NewEngine(newCfg(), nil)
	out, err := eng.Evaluate(Call{Tool: "apply-patch"})
	require.NoError(t, err)
	require.Equal(t, NeedsApproval, out.Kind)

	out, err = eng.Evaluate(Call{Tool: "git-push"})
	require.NoError(t, err)
	require.Equal(t, NeedsApproval, out.Kind)
}

func TestEvaluateSecretDetectedAlwaysDenies(t *testing.T) {
	eng := NewEngine(newCfg(), nil)
	out, err := eng.Evaluate(Call{Tool: "read", Args: map[string]any{"body": "sk-abcdefghijklmnopqrstuvwxyz"}})
	require.NoError(t, err)
	require.Equal(t, Deny, out.Kind)
	require.Equal(t, "SecretDetected", out.Reason)
}

func TestEvaluateUntrustedProviderDenied(t *testing.T) {
	eng := NewEngine(newCfg(), nil)
	out, err := eng.Evaluate(Call{Tool: "read", ProviderServer: "some-mcp-server"})
	require.NoError(t, err)
	require.Equal(t, Deny, out.Kind)
}

func TestEvaluateTrustedProviderWithAllowlist(t *testing.T) {
	cfg := newCfg()
	cfg.Trust["good-server"] = config.TrustEntry{Trusted: true, AllowedTools: []string{"read"}}
	eng := NewEngine(cfg, nil)

	out, err := eng.Evaluate(Call{Tool: "read", ProviderServer: "good-server"})
	require.NoError(t, err)
	require.Equal(t, Allow, out.Kind)

	out, err = eng.Evaluate(Call{Tool: "search", ProviderServer: "good-server"})
	require.NoError(t, err)
	require.Equal(t, Deny, out.Kind)
}

func TestEvaluateCommandHashMismatchDenied(t *testing.T) {
	cfg := newCfg()
	cfg.Trust["good-server"] = config.TrustEntry{Trusted: true, CommandHash: "abc123"}
	eng := NewEngine(cfg, nil)

	out, err := eng.Evaluate(Call{Tool: "read", ProviderServer: "good-server", CommandHash: "different"})
	require.NoError(t, err)
	require.Equal(t, Deny, out.Kind)
}

func TestEvaluateModeGateBlocksFileWriteInForgeMode(t *testing.T) {
	eng := NewEngine(newCfg(), nil)
	out, err := eng.Evaluate(Call{Tool: "apply-patch", SessionMode: "forge"})
	require.NoError(t, err)
	require.Equal(t, Deny, out.Kind)
	require.Equal(t, "ModeViolation", out.Reason)
}

func TestCheckDoDReportsAllViolations(t *testing.T) {
	violations := CheckDoD(TaskSpec{}, "+ // TODO: finish this\n")
	require.Len(t, violations, 3, "missing acceptance criteria, placeholder stub, and no test run")
}

func TestCheckDoDCleanWhenSatisfied(t *testing.T) {
	violations := CheckDoD(TaskSpec{
		AcceptanceCriteria: "must return 200",
		TestsRun:           true,
		LastTestPassed:     true,
	}, "+ fmt.Println(\"done\")\n")
	require.Empty(t, violations)
}

func TestFindPlaceholdersInDiffIgnoresContextLines(t *testing.T) {
	diff := "--- a/f.go\n+++ b/f.go\n context line with TODO\n+added line clean\n"
	require.Empty(t, FindPlaceholdersInDiff(diff))
}

func TestScanOutputRedactsAndLabels(t *testing.T) {
	out := ScanOutput("token=sk-abcdefghijklmnopqrstuvwxyz", true)
	require.True(t, out.Redacted)
	require.True(t, out.Untrusted)
	require.NotContains(t, out.Text, "sk-abcdefghijklmnopqrstuvwxyz")
}
