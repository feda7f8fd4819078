package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	corecfg "github.com/aevon-lab/transitions/internal/core/config"
	"github.com/aevon-lab/transitions/internal/core/storage/memory"
	"github.com/aevon-lab/transitions/internal/core/storage/postgres"
	"github.com/aevon-lab/transitions/internal/engine"
	"github.com/aevon-lab/transitions/internal/ingestion"
	"github.com/aevon-lab/transitions/internal/migrations"
	"github.com/aevon-lab/transitions/internal/server"
	"github.com/aevon-lab/transitions/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "transitions.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration (includes the service rule files)
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"database", cfg.Database.Type,
		"config_dir", cfg.Transitions.ConfigDir,
		"services", len(cfg.Rules.Services()))

	// 2. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		slog.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	// 3. Initialize Storage
	var (
		stores engine.Stores
		health server.HealthChecker
	)
	switch cfg.Database.Type {
	case "postgres":
		dbAdapter, err := postgres.NewAdapter(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer dbAdapter.Close()

		// 3.1. Run Database Migrations
		if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
			slog.Error("Failed to run database migrations", "error", err)
			os.Exit(1)
		}
		if err := dbAdapter.ValidateSchema(context.Background()); err != nil {
			slog.Error("Database schema is incomplete", "error", err)
			os.Exit(1)
		}

		stores = engine.Stores{
			Snapshots: dbAdapter.Snapshots(),
			Codes:     dbAdapter.Codes(),
			Rollups:   dbAdapter.Rollups(),
			Synthetic: dbAdapter.Synthetic(),
		}
		health = dbAdapter
	case "memory":
		slog.Warn("Using in-memory storage; counters are lost on restart")
		store := memory.New()
		stores = engine.Stores{Snapshots: store, Codes: store, Rollups: store, Synthetic: store}
	}

	// 4. Initialize Engine
	opts := engine.OptionsFromConfig(cfg)
	opts.Metrics = metrics
	eng, err := engine.New(context.Background(), stores, opts)
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}

	// 5. Initialize Ingestion
	ingestionSvc := ingestion.NewService(eng.Handler(), cfg.Server.MaxBodySizeMB)

	// 6. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), cfg.Server.Mode, health, registry)
	ingestionSvc.RegisterRoutes(srv.Engine)

	// 7. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)

	// Signal handler → triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
		cancel()
	}

	// The server has stopped accepting state changes; flush what is buffered.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("Engine shutdown incomplete", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
