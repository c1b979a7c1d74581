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

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"beacon/internal/api"
	"beacon/internal/api/handlers"
	"beacon/internal/api/middleware"
	"beacon/internal/engine/webhooks"
	"beacon/internal/ingest"
	"beacon/internal/pkg/logger"
	"beacon/internal/platform/audit"
	"beacon/internal/platform/auth"
	"beacon/internal/platform/config"
	"beacon/internal/platform/database"
	"beacon/internal/platform/repositories"
	"beacon/internal/platform/secrets"
	"beacon/internal/platform/telemetry"
	"beacon/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config) error {
	shutdownTracing, err := telemetry.Init(cfg.Observability)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTracing()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	box, err := secrets.NewBox(cfg.Webhooks.SecretKey)
	if err != nil {
		return fmt.Errorf("load secret key: %w", err)
	}
	if !box.Enabled() {
		log.Warn().Msg("webhooks.secret_key not set, webhook secrets are stored unencrypted")
	}

	// Repositories
	webhookRepo := repositories.NewWebhookRepository(db, box)
	deliveryRepo := repositories.NewDeliveryRepository(db)

	// Engine
	sender := webhooks.NewSender(webhooks.SenderConfig{
		Webhooks:             webhookRepo,
		Deliveries:           deliveryRepo,
		Scheduler:            webhooks.NewScheduler(),
		UserAgent:            cfg.Webhooks.UserAgent,
		MaxResponseBodyBytes: cfg.Webhooks.MaxResponseBodyBytes,
	})
	dispatcher := webhooks.NewDispatcher(webhookRepo, deliveryRepo, sender)
	registry := webhooks.NewRegistry(webhookRepo, sender, webhooks.LimitsFromConfig(cfg.Webhooks))
	ledger := webhooks.NewLedger(webhookRepo, deliveryRepo)

	// Services
	tokenSvc := auth.NewTokenService(cfg.JWT)
	auditLogger := audit.NewLogger(db)

	deps := &api.Dependencies{
		WebhookHandler:   handlers.NewWebhookHandler(registry, ledger, dispatcher).WithAudit(auditLogger),
		DeliveryHandler:  handlers.NewDeliveryHandler(ledger, dispatcher).WithAudit(auditLogger),
		EventHandler:     handlers.NewEventHandler(dispatcher),
		AuditHandler:     handlers.NewAuditHandler(auditLogger),
		HealthHandler:    handlers.NewHealthHandler(db),
		MetricsHandler:   handlers.NewMetricsHandler(sender),
		AuthMiddleware:   middleware.NewAuthMiddleware(tokenSvc),
		TenantMiddleware: middleware.NewTenantMiddleware(),
		RateLimiter:      middleware.NewRateLimiter(cfg.RateLimit),
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sweeper := workers.NewRetrySweeper(deliveryRepo, sender,
		cfg.Webhooks.SweepInterval, cfg.Webhooks.PendingRecoveryAfter)
	g.Go(func() error {
		return sweeper.Run(gctx, cfg.Webhooks.RecoverOnStart)
	})

	if cfg.Ingest.AMQPURL != "" {
		consumer := ingest.NewConsumer(cfg.Ingest, dispatcher)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("abandoned in-flight deliveries")
		}
		return httpErr
	})

	return g.Wait()
}
