// Package main provides the ingestion worker entry point for the guild tracker.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guild-tracker/internal/adapter"
	"github.com/guild-tracker/internal/circuitbreaker"
	"github.com/guild-tracker/internal/config"
	"github.com/guild-tracker/internal/ingest"
	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/queue"
	"github.com/guild-tracker/internal/ratelimit"
	"github.com/guild-tracker/internal/resolver"
	"github.com/guild-tracker/internal/retry"
	"github.com/guild-tracker/internal/storage"
	"github.com/guild-tracker/internal/worker"
)

func main() {
	log.Println("Guild tracker worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Connecting to databases...")

	var postgres *storage.PostgresDB
	if err := retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
		postgres, err = storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		return err
	}); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	var clickhouse *storage.ClickHouseDB
	if err := retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
		clickhouse, err = storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		return err
	}); err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	var redis *storage.RedisCache
	if cfg.Tokens.Store == "redis" || cfg.Executor.BudgetPerWindow > 0 {
		redis, err = storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
	}

	var credentials adapter.CredentialStore = storage.NewCredentialRepository(postgres)
	if cfg.Tokens.Store == "redis" {
		credentials = storage.NewRedisCredentialStore(redis)
	}
	logger.WithField("tokenStore", cfg.Tokens.Store).Info("Database connections established")

	httpClient := &http.Client{Timeout: cfg.Executor.RequestTimeout}

	tokens := adapter.NewTokenCache(credentials, cfg.Tokens.SafetyMargin, logger)
	tokens.Register(adapter.ServiceBlizzard, adapter.NewClientCredentialsExchanger(
		cfg.Blizzard.ClientID, cfg.Blizzard.ClientSecret, cfg.Blizzard.TokenURL, httpClient))
	tokens.Register(adapter.ServiceWarcraftLogs, adapter.NewClientCredentialsExchanger(
		cfg.WarcraftLogs.ClientID, cfg.WarcraftLogs.ClientSecret, cfg.WarcraftLogs.TokenURL, httpClient))

	execCfg := adapter.ExecutorConfig{
		MaxAttempts: cfg.Executor.MaxAttempts,
		BackoffUnit: cfg.Executor.BackoffUnit,
		MaxBackoff:  cfg.Executor.MaxBackoff,
	}
	blizzardExec := adapter.NewExecutor(adapter.ServiceBlizzard, httpClient, tokens, execCfg, logger)
	wclExec := adapter.NewExecutor(adapter.ServiceWarcraftLogs, httpClient, tokens, execCfg, logger)
	if cfg.Executor.BudgetPerWindow > 0 {
		for _, exec := range []*adapter.Executor{blizzardExec, wclExec} {
			budget, err := ratelimit.NewRequestBudget(&ratelimit.BudgetConfig{
				Redis:      redis.Client(),
				Service:    exec.Service(),
				Limit:      cfg.Executor.BudgetPerWindow,
				WindowSize: cfg.Executor.BudgetWindow,
				Logger:     logger,
			})
			if err != nil {
				logger.WithError(err).Fatal("Failed to create request budget")
			}
			exec.WithBudget(budget)
		}
		logger.WithFields(map[string]interface{}{
			"perWindow": cfg.Executor.BudgetPerWindow,
			"window":    cfg.Executor.BudgetWindow.String(),
		}).Info("Shared request budget enabled")
	}

	blizzard := adapter.NewBlizzardClient(blizzardExec, cfg.Blizzard.APIBaseURL, cfg.Blizzard.Region, cfg.Blizzard.Locale)
	wcl := adapter.NewWarcraftLogsClient(wclExec, cfg.WarcraftLogs.APIURL, cfg.WarcraftLogs.PageSize)

	assets, err := storage.NewFileAssetStore(cfg.Icons.Dir, cfg.Icons.PublicPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open icon directory")
	}

	icons := resolver.NewIconResolver(resolver.Config{
		Store:      storage.NewResolutionRepository(postgres),
		Index:      storage.NewResourceRepository(postgres),
		Media:      blizzard,
		Downloader: adapter.NewAssetDownloader(httpClient, nil),
		Assets:     assets,
		Matcher:    resolver.Matcher{Prefix: cfg.Icons.MatchPrefix, CompositeFormat: cfg.Icons.CompositeFormat},
		BatchDelay: cfg.Icons.BatchDelay,
		Logger:     logger,
	})

	processor := ingest.NewReportProcessor(wcl, storage.NewFightRepository(clickhouse), icons, logger)

	q := queue.New(storage.NewQueueRepository(postgres), queue.Options{
		MaxRetries:      cfg.Queue.MaxRetries,
		DefaultPriority: cfg.Queue.DefaultPriority,
	}, logger)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "upstream",
		MaxFailures:      cfg.Breaker.MaxFailures,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.Timeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		IsFailure:        worker.IsUpstreamFailure,
		Logger:           logger,
	})

	pool, err := worker.NewPool(q, processor, worker.Config{
		Workers:           cfg.Queue.Workers,
		PollInterval:      cfg.Queue.PollInterval,
		InactivityTimeout: cfg.Queue.InactivityTimeout,
		ReclaimInterval:   cfg.Queue.ReclaimInterval,
		Breaker:           breaker,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create worker pool")
	}

	if err := pool.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start worker pool")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := pool.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping worker pool")
	}

	stats := pool.Stats()
	logger.WithFields(map[string]interface{}{
		"claimed":   stats.Claimed,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"released":  stats.Released,
	}).Info("Worker stopped. Goodbye!")
}
