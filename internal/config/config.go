// Package config loads and validates the cortexd TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level daemon configuration, read from TOML and env vars.
type Config struct {
	General           General                `toml:"general"`
	API               API                    `toml:"api"`
	License           License                `toml:"license"`
	Providers         map[string]Provider    `toml:"providers"`
	RateLimits        RateLimits             `toml:"rate_limits"`
	ModelIntelligence ModelIntelligence      `toml:"model_intelligence"`
	Security          Security               `toml:"security"`
	Trace             Trace                  `toml:"trace"`
	Worktree          Worktree               `toml:"worktree"`
	Heartbeat         Heartbeat              `toml:"heartbeat"`
	Backoff           Backoff                `toml:"backoff"`
	Risk              map[string]string      `toml:"risk"` // tool name -> Low|Medium|High|Critical override
	Trust             map[string]TrustEntry  `toml:"trust"`
}

// General holds daemon-wide settings.
type General struct {
	DataDir        string   `toml:"data_dir"`
	LogLevel       string   `toml:"log_level"`
	LockFile       string   `toml:"lock_file"`
	APIBaseURL     string   `toml:"api_base_url"`
	RelayURL       string   `toml:"relay_url"`
	MaxFileReadMB  int      `toml:"max_file_read_mb"` // resource cap, default 1
	AutoApproveLow bool     `toml:"auto_approve_low"`
	TemporalHost   string   `toml:"temporal_host"` // host:port; empty disables the workflow worker
	SystemPrompt   string   `toml:"system_prompt"` // stable prompt prefix; empty uses the built-in default
}

// API configures the JSON-RPC transport.
type API struct {
	Port      int    `toml:"port"`
	APIToken  string `toml:"api_token"`
	RPCCapMin int    `toml:"rpc_cap_per_minute"` // default 600
}

// License configures the optional remote license check.
type License struct {
	Token string `toml:"license_token"`
}

// Provider describes a named external LLM coding-agent provider and its accounts.
type Provider struct {
	CLI               string  `toml:"cli"`
	CostInputPerMtok  float64 `toml:"cost_input_per_mtok"`
	CostOutputPerMtok float64 `toml:"cost_output_per_mtok"`
}

// RateLimits are defaults applied to newly registered accounts.
type RateLimits struct {
	DefaultRPM int `toml:"default_rpm"`
	DefaultTPM int `toml:"default_tpm"`
}

// ModelIntelligence configures spend guardrails.
type ModelIntelligence struct {
	MonthlyBudgetUSD float64 `toml:"monthly_budget_usd"`
}

// Security configures tool-name allow/deny filters applied in addition to risk gating.
type Security struct {
	Allowlist []string `toml:"allowlist"`
	Denylist  []string `toml:"denylist"`
}

// Trace configures the telemetry writer.
type Trace struct {
	Dir             string `toml:"dir"`
	MaxBytes        int64  `toml:"max_bytes"`        // rotate threshold, default 50MiB
	RetentionDays   int    `toml:"retention_days"`   // prune rotated files older than this, default 30
}

// Worktree configures the worktree manager.
type Worktree struct {
	BaseDir string `toml:"base_dir"`
}

// Heartbeat configures session/task liveness checking.
type Heartbeat struct {
	Interval Duration `toml:"interval"` // how often an active task records a heartbeat
	Timeout  Duration `toml:"timeout"`  // how long before a missed heartbeat marks a task interrupted
}

// Backoff configures exponential-backoff-plus-jitter parameters.
type Backoff struct {
	Base           Duration `toml:"base"`
	Multiplier     float64  `toml:"multiplier"`
	Max            Duration `toml:"max"`
	JitterFraction float64  `toml:"jitter_fraction"`
}

// TrustEntry is one row of the supply-chain trust registry (provider-server name -> trust level).
type TrustEntry struct {
	Trusted      bool     `toml:"trusted"`
	CommandHash  string   `toml:"command_hash"`
	AllowedTools []string `toml:"allowed_tools"` // empty means "all tools"
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = "~/.cortexd"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.MaxFileReadMB == 0 {
		cfg.General.MaxFileReadMB = 1
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 4300
	}
	if cfg.API.RPCCapMin == 0 {
		cfg.API.RPCCapMin = 600
	}
	if cfg.RateLimits.DefaultRPM == 0 {
		cfg.RateLimits.DefaultRPM = 60
	}
	if cfg.RateLimits.DefaultTPM == 0 {
		cfg.RateLimits.DefaultTPM = 100000
	}
	if cfg.Trace.Dir == "" {
		cfg.Trace.Dir = filepath.Join(cfg.General.DataDir, "telemetry")
	}
	if cfg.Trace.MaxBytes == 0 {
		cfg.Trace.MaxBytes = 50 * 1024 * 1024
	}
	if cfg.Trace.RetentionDays == 0 {
		cfg.Trace.RetentionDays = 30
	}
	if cfg.Worktree.BaseDir == "" {
		cfg.Worktree.BaseDir = filepath.Join(cfg.General.DataDir, "worktrees")
	}
	if cfg.Heartbeat.Interval.Duration == 0 {
		cfg.Heartbeat.Interval.Duration = 15 * time.Second
	}
	if cfg.Heartbeat.Timeout.Duration == 0 {
		cfg.Heartbeat.Timeout.Duration = 2 * time.Minute
	}
	if cfg.Backoff.Base.Duration == 0 {
		cfg.Backoff.Base.Duration = time.Second
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = 2.0
	}
	if cfg.Backoff.Max.Duration == 0 {
		cfg.Backoff.Max.Duration = 2 * time.Minute
	}
	if cfg.Backoff.JitterFraction == 0 {
		cfg.Backoff.JitterFraction = 0.2
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.DataDir = ExpandHome(cfg.General.DataDir)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
	cfg.Trace.Dir = ExpandHome(cfg.Trace.Dir)
	cfg.Worktree.BaseDir = ExpandHome(cfg.Worktree.BaseDir)
}

func validate(cfg *Config) error {
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", cfg.API.Port)
	}
	if cfg.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier must be >= 1")
	}
	if cfg.Backoff.JitterFraction < 0 || cfg.Backoff.JitterFraction > 1 {
		return fmt.Errorf("backoff.jitter_fraction must be within [0,1]")
	}
	return nil
}

// Load reads and validates a cortexd TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	// Low-risk auto-approval defaults on; only an explicit key disables it.
	if !md.IsDefined("general", "auto_approve_low") {
		cfg.General.AutoApproveLow = true
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists:
// every option at its documented default.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	normalizePaths(&cfg)
	cfg.General.AutoApproveLow = true
	return &cfg
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Providers = cloneProviderMap(cfg.Providers)
	cloned.Security.Allowlist = cloneStringSlice(cfg.Security.Allowlist)
	cloned.Security.Denylist = cloneStringSlice(cfg.Security.Denylist)
	cloned.Risk = cloneStringMap(cfg.Risk)
	cloned.Trust = cloneTrustMap(cfg.Trust)
	return &cloned
}

func cloneProviderMap(in map[string]Provider) map[string]Provider {
	if in == nil {
		return nil
	}
	out := make(map[string]Provider, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTrustMap(in map[string]TrustEntry) map[string]TrustEntry {
	if in == nil {
		return nil
	}
	out := make(map[string]TrustEntry, len(in))
	for k, v := range in {
		v.AllowedTools = cloneStringSlice(v.AllowedTools)
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
