// Kestrel - Real-time transaction fraud scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/predictor"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"model_path", cfg.Model.Path,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Override Engine
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize override engine", "error", err)
		os.Exit(1)
	}

	// Load overrides from database (no hardcoded defaults - configure via API)
	if err := loadOverridesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load overrides", "error", err)
		os.Exit(1)
	}
	slog.Info("override engine initialized", "override_count", engine.Count())

	// Load the model artifact. A missing or invalid artifact is not fatal:
	// the server starts and reports 503 on scoring until a reload succeeds.
	capability, err := model.Load(cfg.Model)
	if err != nil {
		slog.Warn("model not loaded at startup, scoring unavailable until reload",
			"path", cfg.Model.Path,
			"error", err,
		)
		capability = nil
	} else {
		info := capability.Info()
		slog.Info("model loaded",
			"path", cfg.Model.Path,
			"name", info.Name,
			"version", info.Version,
			"estimators", info.Estimators,
		)
	}

	// Initialize Predictor
	pred := predictor.NewService(capability, engine)

	// Initialize Stats Service
	statsSvc := stats.NewService(repo, cacheImpl)
	slog.Info("stats service initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, pred)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, tenant := range strings.Split(envTenants, ",") {
				if tenant = strings.TrimSpace(tenant); tenant != "" {
					tenantIDs = append(tenantIDs, tenant)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: 5,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, pred, engine, statsSvc, cfg.Model, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_loaded", pred.Ready(),
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides applies KESTREL_* environment overrides on top of the
// tier defaults.
func applyEnvOverrides(cfg *domain.Config) {
	if port := os.Getenv("KESTREL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.Server.Port = p
		} else {
			slog.Warn("ignoring invalid KESTREL_PORT", "value", port)
		}
	}
	if path := os.Getenv("KESTREL_MODEL_PATH"); path != "" {
		cfg.Model.Path = path
	}
	if dbPath := os.Getenv("KESTREL_DB_PATH"); dbPath != "" && cfg.Repository.Driver == "sqlite" {
		cfg.Repository.SQLitePath = dbPath
	}
	if addr := os.Getenv("KESTREL_REDIS_ADDR"); addr != "" && cfg.Cache.Type == "redis" {
		cfg.Cache.RedisAddr = addr
	}
	if url := os.Getenv("KESTREL_NATS_URL"); url != "" && cfg.EventBus.Type == "nats" {
		cfg.EventBus.NATSUrl = url
	}
}

// loadOverridesFromDatabase loads policy overrides from the database into
// the engine. All overrides are configured via POST /overrides - no
// hardcoded defaults.
func loadOverridesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	configs, err := repo.ListOverrideConfigs(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list overrides from database", "error", err)
		return nil // Start with empty overrides - they can be added via API
	}

	if len(configs) > 0 {
		slog.Info("loading overrides from database", "count", len(configs))
		return engine.LoadAll(configs)
	}

	slog.Info("no overrides in database - configure via POST /overrides API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Fraud Scoring Microservice           ║")
	fmt.Println("  ║     Every transaction, explained.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict           - Score a transaction")
	fmt.Println("    GET  /predictions/{id}  - Get prediction by ID")
	fmt.Println("    GET  /stats             - Per-tenant scoring statistics")
	fmt.Println("    GET  /model             - Loaded model info")
	fmt.Println("    POST /model/reload      - Hot-reload the model artifact")
	fmt.Println("    GET  /overrides         - List policy overrides")
	fmt.Println("    POST /overrides         - Create a policy override")
	fmt.Println("    POST /overrides/reload  - Hot-reload overrides from database")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println("    GET  /ready             - Readiness (503 until model loads)")
	fmt.Println()
}
