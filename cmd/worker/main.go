package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"msggateway/internal/engine/connections"
	"msggateway/internal/engine/providers"
	"msggateway/internal/pkg/logger"
	"msggateway/internal/platform/config"
	"msggateway/internal/platform/database"
	"msggateway/internal/platform/repositories"
	"msggateway/internal/platform/vault"
	"msggateway/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	once := flag.Bool("once", false, "Run a single reconcile pass and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)
	logger.WatchLevel()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	connRepo := repositories.NewConnectionRepository(db, vault.New(cfg.Vault.Key))
	registry := providers.NewRegistry(cfg.Providers, nil)
	// worker has no websocket clients, so state changes are not published
	svc := connections.NewService(connRepo, registry, cfg.Gateway.PublicBaseURL, nil)

	reconciler := &workers.ConnectionReconciler{Connections: svc, StaleAfter: cfg.Worker.StaleAfter}
	if *once {
		if err := reconciler.RunOnce(ctx); err != nil {
			log.Fatal().Err(err).Msg("reconcile failed")
		}
		return
	}

	log.Info().Dur("interval", cfg.Worker.ReconcileInterval).Msg("connection reconciler starting")
	if err := reconciler.Run(ctx, cfg.Worker.ReconcileInterval); err != nil {
		log.Fatal().Err(err).Msg("reconciler stopped")
	}
}
