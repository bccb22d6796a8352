// Package main provides a CLI tool for maintaining boss and raid icons.
//
//	icons -sync-index                       refresh the local achievement index
//	icons -names "Fyrakk the Blazing,Tindral Sageswift"
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/guild-tracker/internal/adapter"
	"github.com/guild-tracker/internal/config"
	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/resolver"
	"github.com/guild-tracker/internal/storage"
)

func main() {
	var (
		syncIndex = flag.Bool("sync-index", false, "Copy the upstream achievement index into Postgres")
		names     = flag.String("names", "", "Comma-separated boss or raid names to resolve")
	)
	flag.Parse()

	if !*syncIndex && *names == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	httpClient := &http.Client{Timeout: cfg.Executor.RequestTimeout}
	tokens := adapter.NewTokenCache(storage.NewCredentialRepository(postgres), cfg.Tokens.SafetyMargin, logger)
	tokens.Register(adapter.ServiceBlizzard, adapter.NewClientCredentialsExchanger(
		cfg.Blizzard.ClientID, cfg.Blizzard.ClientSecret, cfg.Blizzard.TokenURL, httpClient))

	blizzard := adapter.NewBlizzardClient(
		adapter.NewExecutor(adapter.ServiceBlizzard, httpClient, tokens, adapter.ExecutorConfig{
			MaxAttempts: cfg.Executor.MaxAttempts,
			BackoffUnit: cfg.Executor.BackoffUnit,
			MaxBackoff:  cfg.Executor.MaxBackoff,
		}, logger),
		cfg.Blizzard.APIBaseURL, cfg.Blizzard.Region, cfg.Blizzard.Locale)

	assets, err := storage.NewFileAssetStore(cfg.Icons.Dir, cfg.Icons.PublicPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open icon directory")
	}

	resources := storage.NewResourceRepository(postgres)
	icons := resolver.NewIconResolver(resolver.Config{
		Store:      storage.NewResolutionRepository(postgres),
		Index:      resources,
		Media:      blizzard,
		Downloader: adapter.NewAssetDownloader(httpClient, nil),
		Assets:     assets,
		Matcher:    resolver.Matcher{Prefix: cfg.Icons.MatchPrefix, CompositeFormat: cfg.Icons.CompositeFormat},
		BatchDelay: cfg.Icons.BatchDelay,
		Logger:     logger,
	})

	if *syncIndex {
		n, err := icons.SyncIndex(ctx, blizzard, resources)
		if err != nil {
			logger.WithError(err).Fatal("Index sync failed")
		}
		fmt.Printf("synced %d resources\n", n)
	}

	if *names == "" {
		return
	}

	var list []string
	for _, name := range strings.Split(*names, ",") {
		if name = strings.TrimSpace(name); name != "" {
			list = append(list, name)
		}
	}

	refs, err := icons.ResolveMany(ctx, list)
	if err != nil {
		logger.WithError(err).Warn("Some names could not be resolved")
	}

	sort.Strings(list)
	for _, name := range list {
		ref, ok := refs[name]
		switch {
		case !ok:
			fmt.Printf("%-40s error\n", name)
		case ref == "":
			fmt.Printf("%-40s no match\n", name)
		default:
			fmt.Printf("%-40s %s\n", name, ref)
		}
	}
}
