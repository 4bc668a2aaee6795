package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clawde-io/cortexd/internal/account"
	"github.com/clawde-io/cortexd/internal/backoff"
	"github.com/clawde-io/cortexd/internal/broadcast"
	"github.com/clawde-io/cortexd/internal/config"
	"github.com/clawde-io/cortexd/internal/health"
	"github.com/clawde-io/cortexd/internal/policy"
	"github.com/clawde-io/cortexd/internal/rpc"
	"github.com/clawde-io/cortexd/internal/session"
	"github.com/clawde-io/cortexd/internal/store"
	"github.com/clawde-io/cortexd/internal/task"
	"github.com/clawde-io/cortexd/internal/trace"
	"github.com/clawde-io/cortexd/internal/vendoragent"
	"github.com/clawde-io/cortexd/internal/workflow"
	"github.com/clawde-io/cortexd/internal/worktree"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// ensureAuthToken returns the effective API token: the configured one, or
// the persisted data-dir token, generating a fresh one with owner-only
// permissions on first run.
func ensureAuthToken(cfg *config.Config) (string, error) {
	if cfg.API.APIToken != "" {
		return cfg.API.APIToken, nil
	}
	path := filepath.Join(cfg.General.DataDir, "auth_token")
	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write auth token: %w", err)
	}
	return token, nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func main() {
	configPath := flag.String("config", "cortexd.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("cortexd starting", "config", *configPath)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfgManager := config.NewManager(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.General.DataDir, 0700); err != nil {
		logger.Error("failed to create data dir", "dir", cfg.General.DataDir, "error", err)
		os.Exit(1)
	}

	lockPath := cfg.General.LockFile
	if lockPath == "" {
		lockPath = filepath.Join(cfg.General.DataDir, "cortexd.lock")
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	apiToken, err := ensureAuthToken(cfg)
	if err != nil {
		logger.Error("failed to resolve auth token", "error", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(cfg.General.DataDir, "storage.db")
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := broadcast.New(logger.With("component", "broadcast"))
	pool := account.NewPool(st)
	fallback := backoff.NewEngine(pool)
	worktrees := worktree.NewManager(cfg.Worktree.BaseDir, logger.With("component", "worktree"))
	tasks := task.NewManager(st, filepath.Join(cfg.General.DataDir, "tasks"), bus)
	tasks.SetActiveMarkdown(filepath.Join(cfg.General.DataDir, "tasks", "active.md"))

	policyEngine := policy.NewEngine(cfg, func(taskID string) (bool, error) {
		t, err := st.GetTask(taskID)
		if err != nil {
			return false, err
		}
		return task.Status(t.Status) == task.Active, nil
	})

	tracer, err := trace.Open(cfg.Trace.Dir, cfg.Trace.MaxBytes)
	if err != nil {
		logger.Error("failed to open trace writer", "dir", cfg.Trace.Dir, "error", err)
		os.Exit(1)
	}
	defer tracer.Close()

	costs := make(trace.CostTable, len(cfg.Providers))
	for name, p := range cfg.Providers {
		costs[name] = trace.ModelRate{InputPerMtok: p.CostInputPerMtok, OutputPerMtok: p.CostOutputPerMtok}
	}

	invokerFor := func(provider string) (vendoragent.Invoker, error) {
		p, ok := cfg.Providers[provider]
		if !ok || p.CLI == "" {
			return nil, fmt.Errorf("no CLI configured for provider %q", provider)
		}
		return vendoragent.NewCLIInvoker(func(req vendoragent.InvokeRequest) ([]string, error) {
			return []string{p.CLI}, nil
		}), nil
	}

	runtime := session.NewRuntime(session.Config{
		Store: st, Cfg: cfg, Policy: policyEngine, Pool: pool, Fallback: fallback,
		Worktrees: worktrees, Tasks: tasks, Bus: bus, Tracer: tracer, Costs: costs,
		Executor:   session.NewBuiltinExecutor(cfg.General.MaxFileReadMB),
		InvokerFor: invokerFor,
		Logger:     logger.With("component", "session"),
	})
	defer runtime.Close()

	// Crash recovery: stale sessions and lapsed leases, before anything
	// else can observe them.
	if err := runtime.Recover(); err != nil {
		logger.Warn("recovery pass reported errors", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)

	go pool.RunPeriodicReset(stop, func(err error) {
		logger.Warn("account window reset failed", "error", err)
	})

	monitor := session.NewHeartbeatMonitor(tasks, cfg.Heartbeat.Interval.Duration, cfg.Heartbeat.Timeout.Duration, logger.With("component", "heartbeat"))
	go monitor.Run(stop)

	traceSched, err := trace.NewScheduler(cfg.Trace.Dir, time.Duration(cfg.Trace.RetentionDays)*24*time.Hour, func(summaries map[string]trace.DailySummary) {
		for _, s := range summaries {
			_ = st.RecordMetricsTick(store.MetricsTick{
				TasksCompleted: s.TasksCompleted, CostUSD: s.TotalCostUSD,
				Errors: s.ErrorCount, Approvals: s.ApprovalCount,
			})
		}
	}, logger.With("component", "trace"))
	if err != nil {
		logger.Error("failed to build trace scheduler", "error", err)
		os.Exit(1)
	}
	traceSched.Start()
	defer traceSched.Stop()

	if cfg.General.TemporalHost != "" {
		go func() {
			logger.Info("starting temporal worker", "host", cfg.General.TemporalHost)
			acts := &workflow.Activities{Tasks: tasks}
			if err := workflow.StartWorker(cfg.General.TemporalHost, acts); err != nil {
				logger.Error("temporal worker error", "error", err)
			}
		}()
	}

	dispatcher := rpc.NewDispatcher(apiToken, cfg.API.RPCCapMin, logger.With("component", "rpc"))
	rpc.RegisterAll(dispatcher, rpc.Deps{
		Store: st, Sessions: runtime, Tasks: tasks, Pool: pool, Bus: bus,
		Cfg: cfg, TraceDir: cfg.Trace.Dir, WorktreeDir: cfg.Worktree.BaseDir,
	})

	server := rpc.NewServer(fmt.Sprintf("127.0.0.1:%d", cfg.API.Port), dispatcher, bus, logger.With("component", "rpc"))
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Serve(ctx) }()

	logger.Info("cortexd running", "port", cfg.API.Port, "data_dir", cfg.General.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := reload(cfgManager, *configPath, cfg); err != nil {
					logger.Warn("config reload rejected", "error", err)
				} else {
					cfg = cfgManager.Get()
					logger = configureLogger(cfg.General.LogLevel, *dev)
					slog.SetDefault(logger)
					logger.Info("config reloaded")
				}
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			cancel()
			<-serverDone
			return
		case err := <-serverDone:
			if err != nil {
				logger.Error("rpc server error", "error", err)
				os.Exit(1)
			}
			return
		}
	}
}

// reload applies a SIGHUP-triggered config reload, rejecting changes to
// fields that require a restart (bind port, data dir).
func reload(mgr config.Manager, path string, current *config.Config) error {
	updated, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := config.ValidateReload(current, updated); err != nil {
		return err
	}
	mgr.Set(updated)
	return nil
}
