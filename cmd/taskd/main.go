package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/taskd/internal/api"
	"github.com/nadmax/taskd/internal/config"
	"github.com/nadmax/taskd/internal/logging"
	"github.com/nadmax/taskd/internal/metadata"
	"github.com/nadmax/taskd/internal/notify"
	"github.com/nadmax/taskd/internal/repository"
	"github.com/nadmax/taskd/internal/store"
	"github.com/nadmax/taskd/internal/tasks"
	"github.com/nadmax/taskd/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logCfg := cfg.Log
	logCfg.Component = "taskd"
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

	var history repository.RunRepository
	var stats tasks.StatsSource
	if cfg.History.PostgresDSN != "" {
		repo, err := repository.NewPostgresRunRepository(cfg.History.PostgresDSN)
		if err != nil {
			log.Fatal(err)
		}
		if err := repo.Migrate(ctx); err != nil {
			log.Fatal(err)
		}

		defer func() {
			if err := repo.Close(); err != nil {
				log.Printf("failed to close Postgres repository: %v", err)
			}
		}()

		history = repo
		stats = repo
	}

	opts := tasks.RunnerOptions{
		MemoryLimitMB: cfg.Runner.MemoryLimitMB,
		StaleAfter:    cfg.Runner.StaleAfter,
		History:       history,
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
	launcher := tasks.NewLauncher(tasks.DefaultRegistry(), deps, metadata.NewStoreMetadata(s), logger, opts)

	apiHandler := api.NewAPI(launcher, history, logger)
	apiHandler.SetTimeLimit(cfg.Runner.TimeLimit)

	go startMetricsCollector(ctx, launcher, cfg.Server.MetricsInterval)

	var supervisor *worker.Worker
	supervisorDone := make(chan struct{})
	if len(cfg.Worker.Autostart) > 0 {
		hostname, _ := os.Hostname()
		supervisor = worker.NewWorker(hostname, launcher, cfg.Worker.Autostart)
		supervisor.SetPollInterval(cfg.Worker.PollInterval)
		supervisor.SetRestartDelay(cfg.Worker.RestartDelay)
		supervisor.SetTimeLimit(cfg.Runner.TimeLimit)

		go func() {
			supervisor.Start(ctx)
			close(supervisorDone)
		}()
	} else {
		close(supervisorDone)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", cfg.Server.Port)
		log.Printf("Using %s", cfg)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if supervisor != nil {
		supervisor.Stop()
	}
	<-supervisorDone

	if err := apiHandler.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to stop detached runs: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to shut down server: %v", err)
	}
}
