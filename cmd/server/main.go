// Package main provides the admin API server entry point for the guild tracker.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guild-tracker/internal/api"
	"github.com/guild-tracker/internal/config"
	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/queue"
	"github.com/guild-tracker/internal/retry"
	"github.com/guild-tracker/internal/storage"
)

func main() {
	log.Println("Guild tracker admin server starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()

	var postgres *storage.PostgresDB
	if err := retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
		postgres, err = storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		return err
	}); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	q := queue.New(storage.NewQueueRepository(postgres), queue.Options{
		MaxRetries:      cfg.Queue.MaxRetries,
		DefaultPriority: cfg.Queue.DefaultPriority,
	}, logger)

	serverConfig := &api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		IconDir:        cfg.Icons.Dir,
		IconPath:       cfg.Icons.PublicPath,
		RequestsPerSec: cfg.Server.RequestsPerSec,
	}

	server := api.NewServer(serverConfig, q, storage.NewResolutionRepository(postgres), logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
