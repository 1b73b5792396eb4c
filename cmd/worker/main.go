package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/taskd/internal/config"
	"github.com/nadmax/taskd/internal/logging"
	"github.com/nadmax/taskd/internal/metadata"
	"github.com/nadmax/taskd/internal/notify"
	"github.com/nadmax/taskd/internal/repository"
	"github.com/nadmax/taskd/internal/runner"
	"github.com/nadmax/taskd/internal/store"
	"github.com/nadmax/taskd/internal/task"
	"github.com/nadmax/taskd/internal/tasks"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	configPath := flag.String("config", "", "path to the YAML config file")
	taskName := flag.String("task", "", "name of the task to run")
	cancelRun := flag.Bool("cancel", false, "ask the running instance of the task to stop and exit")
	timeLimit := flag.Duration("time-limit", 0, "stop the run after this long (0 uses the configured limit)")
	flag.Parse()

	registry := tasks.DefaultRegistry()
	if *taskName == "" || !registry.Has(*taskName) {
		fmt.Fprintf(os.Stderr, "usage: worker -task <%v> [-cancel] [-time-limit d]\n", registry.Names())
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logCfg := cfg.Log
	logCfg.Component = "worker"
	logger := logging.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := s.Close(); err != nil {
			log.Printf("failed to close store: %v", err)
		}
	}()

	md := metadata.NewStoreMetadata(s)

	if *cancelRun {
		if err := md.Cancel(ctx, *taskName); err != nil {
			log.Fatal(err)
		}
		log.Printf("Cancel requested for %s", *taskName)
		return 0
	}

	var stats tasks.StatsSource
	opts := tasks.RunnerOptions{
		MemoryLimitMB: cfg.Runner.MemoryLimitMB,
		StaleAfter:    cfg.Runner.StaleAfter,
	}
	if cfg.History.PostgresDSN != "" {
		repo, err := repository.NewPostgresRunRepository(cfg.History.PostgresDSN)
		if err != nil {
			log.Fatal(err)
		}

		defer func() {
			if err := repo.Close(); err != nil {
				log.Printf("failed to close Postgres repository: %v", err)
			}
		}()

		stats = repo
		opts.History = repo
	}
	if cfg.NotifyEnabled() {
		mailer, err := notify.NewMailer(cfg.Notify)
		if err != nil {
			log.Fatal(err)
		}
		opts.Notifier = mailer
	}

	deps := tasks.Deps{
		Stats:          stats,
		Report:         cfg.Report,
		TickerInterval: cfg.Ticker.Interval,
	}
	launcher := tasks.NewLauncher(registry, deps, md, logger, opts)

	r, err := launcher.Runner(*taskName)
	if err != nil {
		log.Fatal(err)
	}

	limit := cfg.Runner.TimeLimit
	if *timeLimit > 0 {
		limit = *timeLimit
	}

	return run(ctx, r.Start, md, *taskName, limit)
}

// run returns the process exit code.
func run(ctx context.Context, start func(context.Context, time.Duration) error, md metadata.Metadata, name string, limit time.Duration) int {
	runCtx, cancel := runner.WithTimeLimit(ctx, limit)
	defer cancel()

	if err := start(runCtx, limit); err != nil {
		if errors.Is(err, task.ErrAlreadyRunning) {
			log.Printf("Task %s is already running", name)
		} else {
			log.Printf("Task %s failed: %v", name, err)
		}
		return 1
	}

	rec, err := md.Record(context.WithoutCancel(ctx), name)
	if err != nil {
		log.Printf("failed to read record of %s: %v", name, err)
		return 0
	}

	log.Printf("Task %s stopped: %s (%s) after %s", name, rec.StopType, rec.StopReason, rec.DurationTimeHuman)
	return 0
}
