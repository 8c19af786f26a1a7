package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"msggateway/internal/api"
	"msggateway/internal/api/handlers"
	"msggateway/internal/api/middleware"
	"msggateway/internal/engine/automation"
	"msggateway/internal/engine/campaigns"
	"msggateway/internal/engine/connections"
	"msggateway/internal/engine/inbound"
	"msggateway/internal/engine/metrics"
	"msggateway/internal/engine/notify"
	"msggateway/internal/engine/outbound"
	"msggateway/internal/engine/providers"
	"msggateway/internal/engine/tasks"
	"msggateway/internal/pkg/logger"
	"msggateway/internal/platform/auth"
	"msggateway/internal/platform/config"
	"msggateway/internal/platform/database"
	"msggateway/internal/platform/repositories"
	"msggateway/internal/platform/vault"
	"msggateway/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

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

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	if cfg.Vault.Key == "" {
		log.Warn().Msg("vault.key is empty, provider credentials are stored unsealed")
	}

	// Repositories
	connRepo := repositories.NewConnectionRepository(db, vault.New(cfg.Vault.Key))
	contactRepo := repositories.NewContactRepository(db)
	conversationRepo := repositories.NewConversationRepository(db)
	messageRepo := repositories.NewMessageRepository(db)
	flowRepo := repositories.NewFlowRepository(db)
	executionRepo := repositories.NewExecutionRepository(db)
	counterRepo := repositories.NewCounterRepository(db)

	// Engine
	registry := providers.NewRegistry(cfg.Providers, nil)
	hub := notify.NewHub(64)
	counters := metrics.NewBuffer(counterRepo)
	runner := tasks.NewRunner(256)

	var pending *inbound.PendingStatuses
	if cfg.Inbound.PendingStatusTTL > 0 {
		pending = inbound.NewPendingStatuses(cfg.Inbound.PendingStatusTTL)
	}

	connSvc := connections.NewService(connRepo, registry, cfg.Gateway.PublicBaseURL, hub)
	pipeline := inbound.NewPipeline(inbound.Deps{
		Registry:      registry,
		Connections:   connRepo,
		State:         connSvc,
		Contacts:      contactRepo,
		Conversations: conversationRepo,
		Messages:      messageRepo,
		Pending:       pending,
		Tasks:         runner,
		Counters:      counters,
		Events:        hub,
	})
	sender := outbound.NewSender(outbound.Deps{
		Registry:      registry,
		Connections:   connSvc,
		Contacts:      contactRepo,
		Conversations: conversationRepo,
		Messages:      messageRepo,
		Pending:       pipeline,
		Counters:      counters,
		Events:        hub,
	}, cfg.Outbound)
	engine := automation.NewEngine(automation.Deps{
		Flows:      flowRepo,
		Executions: executionRepo,
		Contacts:   contactRepo,
		Sender:     sender,
		Counters:   counters,
		Events:     hub,
	})
	pipeline.Automation = engine
	campaignRunner := campaigns.NewRunner(sender, runner, counters, cfg.Campaigns)

	// HTTP
	tokenSvc := auth.NewTokenService(cfg.JWT)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit)

	router := api.NewRouter(&api.Dependencies{
		ConnectionHandler: handlers.NewConnectionHandler(connSvc),
		MessageHandler:    handlers.NewMessageHandler(sender),
		WebhookHandler:    handlers.NewWebhookHandler(pipeline),
		AutomationHandler: handlers.NewAutomationHandler(automation.NewCatalog(flowRepo, executionRepo), engine, runner),
		CampaignHandler:   handlers.NewCampaignHandler(campaignRunner),
		EventsHandler:     handlers.NewEventsHandler(hub, nil),
		HealthHandler:     handlers.NewHealthHandler(db, registry),
		MetricsHandler:    handlers.NewMetricsHandler(counters, counterRepo),
		AuthMiddleware:    middleware.NewAuthMiddleware(tokenSvc),
		TenantMiddleware:  middleware.NewTenantMiddleware(),
		RateLimiter:       rateLimiter,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Strs("providers", registry.Names()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return counters.Run(gctx, cfg.Metrics.FlushInterval) })
	g.Go(func() error { return runner.Drain(gctx) })
	g.Go(func() error { return rateLimiter.Run(gctx) })
	g.Go(func() error {
		return workers.Every(gctx, time.Minute, "campaign-progress-sweep", func(context.Context) error {
			campaignRunner.Sweep()
			return nil
		})
	})
	if pending != nil {
		g.Go(func() error {
			return workers.Every(gctx, cfg.Inbound.PendingStatusTTL, "pending-status-sweep", func(context.Context) error {
				pending.Sweep()
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}

	// automation and campaign sends started before shutdown still count
	if !waitTimeout(runner, cfg.Server.ShutdownTimeout) {
		log.Warn().Msg("background tasks still running at exit")
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := counters.Flush(flushCtx); err != nil {
		log.Error().Err(err).Msg("final metrics flush failed")
	}
	log.Info().Msg("server stopped")
}

func waitTimeout(runner *tasks.Runner, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
