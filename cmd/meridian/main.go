package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/antigravity-dev/meridian/internal/axis"
	"github.com/antigravity-dev/meridian/internal/config"
	"github.com/antigravity-dev/meridian/internal/pipeline"
	"github.com/antigravity-dev/meridian/internal/sandbox"
	"github.com/antigravity-dev/meridian/internal/scout"
	"github.com/antigravity-dev/meridian/internal/sentinel"
	"github.com/antigravity-dev/meridian/internal/store"
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

func main() {
	configPath := flag.String("config", "meridian.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	dryRun := flag.Bool("dry-run", false, "run the plan/review pipeline without dispatching Gear")
	once := flag.Bool("once", false, "run startup recovery and exit without starting the worker pool")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("meridian starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	if *dryRun {
		cfg.General.DryRun = true
	}

	lockPath := cfg.General.LockFile
	if lockPath == "" {
		lockPath = "/tmp/meridian.lock"
	}
	lock, err := acquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "path", lockPath, "error", err)
		os.Exit(1)
	}
	defer lock.release()

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	breaker := axis.NewCircuitBreaker(axis.CircuitBreakerConfig{
		FailureThreshold:         cfg.CircuitBreaker.FailureThreshold,
		Window:                   cfg.CircuitBreaker.WindowMs.Duration,
		Cooldown:                 cfg.CircuitBreaker.CooldownMs.Duration,
		HalfOpenSuccessesToClose: cfg.CircuitBreaker.HalfOpenSuccessesToClose,
	})

	orchestrator, err := buildOrchestrator(ctx, cfg, st, logger, breaker)
	if err != nil {
		logger.Error("failed to build pipeline orchestrator", "error", err)
		os.Exit(1)
	}
	orchestrator.SetDryRun(cfg.General.DryRun)

	scheduler := axis.New(st, orchestrator, logger.With("component", "axis"), *cfg, breaker)

	summary, err := scheduler.Recover(ctx)
	if err != nil {
		logger.Error("startup recovery failed", "error", err)
		os.Exit(1)
	}
	logger.Info("startup recovery complete",
		"nonTerminalJobs", summary.NonTerminalJobCount,
		"reset", len(summary.ResetJobIDs),
		"stalePipeline", len(summary.StalePipelineJobIDs),
		"failedExecutions", summary.FailedExecutionEntries,
	)

	if *once {
		logger.Info("recovery-only run complete (--once), exiting")
		return
	}

	var cfgMu sync.Mutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()
		return cfgManager.Reload(*configPath)
	}

	scheduler.Start(ctx)
	logger.Info("meridian running", "workerCount", cfg.General.WorkerCount, "trustProfile", cfg.Trust.Profile)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			scheduler.Stop()
			logger.Info("meridian stopped", "shutdownDuration", time.Since(shutdownStart).String())
			return
		}
	}
}

// buildOrchestrator wires Scout's planner/validator providers, Sentinel's
// safety review, and the Gear sandbox runtime into one pipeline.Orchestrator
// implementing axis.JobRunner. breaker is the single per-gear
// CircuitBreaker shared with the axis.Scheduler built alongside it.
func buildOrchestrator(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger, breaker *axis.CircuitBreaker) (*pipeline.Orchestrator, error) {
	plannerProvider, err := scout.NewProvider(ctx, cfg.Scout, cfg.Scout.PlannerProvider)
	if err != nil {
		return nil, fmt.Errorf("building planner provider: %w", err)
	}
	validatorProvider, err := scout.NewProvider(ctx, cfg.Scout, cfg.Scout.ValidatorProvider)
	if err != nil {
		return nil, fmt.Errorf("building validator provider: %w", err)
	}

	limitedPlanner := scout.NewRateLimitedProvider(plannerProvider, cfg.Scout.RateLimitPerSecond, cfg.Scout.RateLimitBurst)
	limitedValidator := scout.NewRateLimitedProvider(validatorProvider, cfg.Scout.RateLimitPerSecond, cfg.Scout.RateLimitBurst)

	scoutPlanner := scout.New(limitedPlanner)
	validatorAdapter := scout.NewValidatorAdapter(limitedValidator)

	memory := sentinel.NewMemory(st)
	sentinelReviewer := sentinel.New(memory, validatorAdapter, cfg, plannerProvider.Name())

	runtime, err := sandbox.NewRuntime()
	if err != nil {
		return nil, fmt.Errorf("building sandbox runtime: %w", err)
	}
	gears := pipeline.NewGearRegistry(*cfg, runtime)

	workspaceRoot := "workspaces"
	return pipeline.New(st, scoutPlanner, sentinelReviewer, runtime, gears, breaker, logger.With("component", "pipeline"), workspaceRoot), nil
}
