package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/seantiz/bptl/internal/api"
	"github.com/seantiz/bptl/internal/camunda"
	"github.com/seantiz/bptl/internal/config"
	"github.com/seantiz/bptl/internal/dispatch"
	"github.com/seantiz/bptl/internal/handler"
	"github.com/seantiz/bptl/internal/handlers/zgw"
	"github.com/seantiz/bptl/internal/service"
	"github.com/seantiz/bptl/internal/store"
	"github.com/seantiz/bptl/internal/worker"
)

func main() {
	// A missing .env is fine; the environment may be set by other means.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("bptl: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"worker_id", cfg.Worker.ID,
		"engine_url", cfg.Engine.BaseURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if cfg.MappingsFile != "" {
		seed, err := config.LoadSeed(cfg.MappingsFile)
		if err != nil {
			log.Fatalf("failed to load mappings: %v", err)
		}
		if err := seed.Apply(ctx, db); err != nil {
			log.Fatalf("failed to seed mappings: %v", err)
		}
		logger.Info("mappings seeded", "services", len(seed.Services), "mappings", len(seed.Mappings))
	}

	reg := handler.NewRegistry(db)
	reg.MustRegister(zgw.Handlers()...)

	var engine camunda.LockManager
	if cfg.Engine.BaseURL != "" {
		engine = camunda.NewClient(camunda.Config{
			BaseURL:           cfg.Engine.BaseURL,
			AuthHeader:        cfg.Engine.AuthHeader,
			Timeout:           cfg.Engine.Timeout,
			RequestsPerSecond: cfg.Engine.RequestsPerSecond,
		}, nil)
	}

	calls := dispatch.DefaultCallPolicy()
	calls.Attempts = cfg.Worker.CallAttempts

	pool := service.NewPool(&http.Client{Timeout: cfg.Services.Timeout})
	orch := dispatch.NewOrchestrator(db, reg, engine, pool, logger, dispatch.Config{
		WorkerID:       cfg.Worker.ID,
		LockDuration:   cfg.Worker.LockDuration,
		DefaultRetries: cfg.Worker.DefaultRetries,
		Retry: dispatch.RetryPolicy{
			Initial:    cfg.Retry.Initial,
			Multiplier: cfg.Retry.Multiplier,
			Max:        cfg.Retry.Max,
		},
		Calls:          calls,
		RenewLeases:    cfg.Worker.RenewLeases,
		HandlerTimeout: cfg.Worker.HandlerTimeout,
	})

	var wg sync.WaitGroup
	if engine != nil {
		poller := worker.NewPoller(engine, orch, db, logger, worker.Config{
			Topics:            cfg.Worker.Topics,
			MaxTasks:          cfg.Worker.MaxTasks,
			PollInterval:      cfg.Worker.PollInterval,
			ReconcileInterval: cfg.Worker.ReconcileInterval,
			Concurrency:       cfg.Worker.Concurrency,
		})
		wg.Go(func() {
			if err := poller.Run(ctx); err != nil {
				logger.Error("poller stopped", "error", err)
			}
		})
	} else {
		logger.Warn("no engine configured; serving direct submissions only")
	}

	if len(cfg.API.Tokens) == 0 {
		logger.Warn("no API tokens configured; work-unit submission and task completion are refused")
	}
	srv := api.NewServer(api.Config{Addr: cfg.ListenAddr, Tokens: cfg.API.Tokens}, db, reg, orch, logger)
	err = srv.Run(ctx)
	stop()
	wg.Wait()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
