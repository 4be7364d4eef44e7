// tractiond evaluates business ideas through the phase pipeline.
//
// Usage:
//
//	tractiond run "an idea worth checking"   evaluate one idea to completion
//	tractiond resume <project-id>            lift a human-intervention pause and continue
//	tractiond serve                          run the scheduler loop until interrupted
//	tractiond version                        print the build version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/budget"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/crews"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/engine"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/expressions"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/logging"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/reliability"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/router"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/scheduler"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/store"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/streaming"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/validate"
	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("tractiond failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tractiond run <idea> | resume <project-id> | serve | version")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger, command string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	eventLog := store.NewEventLog(db)

	scores := reliability.NewStore(
		reliability.WithPersister(db),
		reliability.WithLogger(logger),
	)
	if records, err := db.ListReliability(ctx); err == nil {
		scores.Load(records)
	} else {
		logger.Warn("could not load reliability records", "error", err)
	}

	registry := crews.NewRegistry()
	if err := crews.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register crews: %w", err)
	}

	guards, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init guard engine: %w", err)
	}

	pipeline := schema.DefaultPipeline()
	validator := validate.New(pipeline)
	hub := streaming.NewMemoryHub()

	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Workers:   cfg.PoolSize,
		QueueSize: cfg.QueueSize,
	}, validator, eventLog, hub, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	eng, err := engine.New(engine.Deps{
		Pipeline:    pipeline,
		Store:       db,
		Events:      eventLog,
		Dispatcher:  dispatcher,
		Crews:       registry,
		Router:      router.New(scores),
		Reliability: scores,
		Ledger: budget.NewLedger(budget.Config{
			HardCap: cfg.BudgetHardCap,
			SoftCap: cfg.BudgetSoftCap,
		}),
		Guards: guards,
		Costs:  expressions.NewExprEngine(),
		Hub:    hub,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("wire engine: %w", err)
	}

	switch command {
	case "run":
		if len(args) < 1 {
			usage()
			return fmt.Errorf("run requires an idea")
		}
		return runIdea(ctx, eng, args[0])
	case "resume":
		if len(args) < 1 {
			usage()
			return fmt.Errorf("resume requires a project id")
		}
		return resumeProject(ctx, eng, args[0])
	case "serve":
		return serve(ctx, cfg, db, eng, logger)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runIdea(ctx context.Context, eng *engine.Engine, idea string) error {
	p, err := eng.CreateProject(ctx, idea)
	if err != nil {
		return err
	}
	fmt.Printf("project %s created\n", p.ID)

	p, err = eng.Run(ctx, p.ID)
	if err != nil {
		return err
	}
	return printOutcome(p)
}

func resumeProject(ctx context.Context, eng *engine.Engine, projectID string) error {
	p, err := eng.Resume(ctx, projectID)
	if err != nil {
		return err
	}
	p, err = eng.Run(ctx, p.ID)
	if err != nil {
		return err
	}
	return printOutcome(p)
}

func printOutcome(p *store.Project) error {
	switch {
	case p.Paused:
		fmt.Printf("project %s paused in %s: %s\n", p.ID, p.Phase, p.PauseReason)
	case p.Phase == schema.PhaseError:
		fmt.Printf("project %s failed: %s\n", p.ID, string(p.Error))
	default:
		fmt.Printf("project %s completed\n", p.ID)
	}
	return nil
}

func serve(ctx context.Context, cfg Config, db store.Store, eng *engine.Engine, logger *slog.Logger) error {
	if !cfg.Scheduler {
		logger.Warn("scheduler disabled, nothing to serve")
		<-ctx.Done()
		return nil
	}

	sched := scheduler.NewScheduler(db, eng, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-run recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler stop failed", "error", err)
		}
	}()

	logger.Info("tractiond serving", "db", cfg.DBPath, "workers", cfg.PoolSize)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
