package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/support-bridge/internal/api/http"
	"github.com/spec-kit/support-bridge/internal/api/http/handlers"
	"github.com/spec-kit/support-bridge/internal/config"
	"github.com/spec-kit/support-bridge/internal/events"
	"github.com/spec-kit/support-bridge/internal/identity"
	"github.com/spec-kit/support-bridge/internal/observability"
	"github.com/spec-kit/support-bridge/internal/persistence"
	"github.com/spec-kit/support-bridge/internal/repository"
	"github.com/spec-kit/support-bridge/internal/service"
	"github.com/spec-kit/support-bridge/internal/transport"
	"github.com/spec-kit/support-bridge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.Pool, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()
	pool := pg.Pool

	ticketRepo := repository.NewTicketRepository(pool)
	messageRepo := repository.NewTicketMessageRepository(pool)
	attachmentRepo := repository.NewAttachmentRepository(pool)
	handlerRepo := repository.NewHandlerRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	historyRepo := repository.NewTicketHistoryRepository(pool)

	resolver := identity.NewResolver(cfg.Bot.AdminIDs, handlerRepo, userRepo, ticketRepo, redis, logger)
	gateway, err := transport.NewBotAPIGateway(cfg.Bot.APIBaseURL, cfg.Bot.Token, logger)
	if err != nil {
		logger.Fatal("transport gateway init failed", zap.Error(err))
	}
	dispatcher := events.NewInMemoryDispatcher(logger)

	router, err := service.NewTicketRouter(service.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Gateway:     gateway,
		Resolver:    resolver,
		Tickets:     ticketRepo,
		Messages:    messageRepo,
		Attachments: attachmentRepo,
		Handlers:    handlerRepo,
		Users:       userRepo,
		Dispatcher:  dispatcher,
	})
	if err != nil {
		logger.Fatal("failed to build ticket router", zap.Error(err))
	}

	audit := service.NewAuditService(historyRepo, metrics, logger)
	worker.StartAuditWorker(dispatcher, audit, logger)

	app := fiber.New()
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:  handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Webhook: handlers.NewWebhookHandler(router, logger),
		Ops:     handlers.NewOpsHandler(ticketRepo, handlerRepo, metrics),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
