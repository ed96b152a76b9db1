package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/entitlement-service/internal/api/http"
	"github.com/spec-kit/entitlement-service/internal/api/http/handlers"
	"github.com/spec-kit/entitlement-service/internal/auth"
	"github.com/spec-kit/entitlement-service/internal/billing"
	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/observability"
	"github.com/spec-kit/entitlement-service/internal/persistence"
	"github.com/spec-kit/entitlement-service/internal/repository"
	"github.com/spec-kit/entitlement-service/internal/service"
	"github.com/spec-kit/entitlement-service/internal/session"
	"github.com/spec-kit/entitlement-service/internal/worker"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()
	pool := pg.PoolHandle()
	if pool == nil {
		return errors.New("POSTGRES_DSN is required")
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(cfg.Postgres.DSN, logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	userRepo := repository.NewUserRepository(pool)
	resetRepo := repository.NewPasswordResetRepository(pool)
	profileRepo := repository.NewProfileRepository(pool)
	lessonRepo := repository.NewLessonRepository(pool)

	notifications := service.NewNotificationService(redis.Client, cfg.Billing.NotifyChannel, logger, cfg.Notify)
	identity := service.NewIdentityService(cfg.Auth, service.IdentityDependencies{
		UserRepo:          userRepo,
		PasswordResetRepo: resetRepo,
		RefreshTokens:     repository.NewRefreshTokenStore(redis.Client),
		ClientSessions:    repository.NewClientSessionStore(redis.Client),
		Notifier:          notifications,
	}, logger)
	profiles := service.NewProfileSynchronizer(profileRepo, cfg.Profile, metrics, logger)

	registry := session.NewRegistry(func(clientID string) (*session.Manager, error) {
		return session.NewManager(identity.Client(clientID), profiles, session.Options{
			ClientID:    clientID,
			Retry:       cfg.Profile,
			ExpiryGrace: cfg.Session.ExpiryGrace,
			Metrics:     metrics,
			Logger:      logger,
		})
	}, cfg.Session.IdleTTL, metrics, logger)
	defer registry.Close()

	processor := billing.NewProcessor(cfg.Billing.StripeWebhookSecret, cfg.Billing.PricePlans, billing.ProcessorDependencies{
		Profiles: profileRepo,
		Catalog:  lessonRepo,
		Notifier: notifications,
		Deduper:  billing.NewRedisDeduper(redis.Client, cfg.Billing.EventDedupeTTL),
		Metrics:  metrics,
		Logger:   logger,
	})
	reconciler := billing.NewReconciler(cfg.Billing, logger)
	limiter := auth.NewRateLimiter(cfg.Auth.SignInPerMinute, cfg.Auth.SignInBurst, 10*time.Minute, logger)
	changes := worker.NewProfileChangeWorker(redis.Client, cfg.Billing.NotifyChannel, registry, 2*cfg.Profile.FetchTimeout, logger)

	go registry.Run(ctx)
	go limiter.Run(ctx, 5*time.Minute)
	go func() {
		if err := changes.Run(ctx); err != nil {
			logger.Error("profile change worker stopped", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
		}),
		Auth:     handlers.NewAuthHandler(identity, limiter, registry),
		Session:  handlers.NewSessionHandler(cfg.Session.GateWait),
		App:      handlers.NewAppHandler(lessonRepo),
		Checkout: handlers.NewCheckoutHandler(reconciler),
		Webhooks: handlers.NewWebhookHandler(processor),
		Clients:  auth.NewClientMiddleware(registry, cfg.Session.CookieName, cfg.Session.CookieSecure, cfg.Auth.RefreshTokenTTL()),
		Gates: auth.NewGates(auth.GateConfig{
			Wait:       cfg.Session.GateWait,
			SignInPath: cfg.Session.SignInPath,
			PlansPath:  cfg.Session.PlansPath,
			Metrics:    metrics,
		}),
		RateLimiter: limiter,
		Gatherer:    reg,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
