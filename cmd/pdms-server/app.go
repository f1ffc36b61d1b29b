package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dialysis/pdms/internal/config"
	"github.com/dialysis/pdms/internal/domain/ingestion"
	"github.com/dialysis/pdms/internal/domain/treatment"
	"github.com/dialysis/pdms/internal/domain/vitals"
	"github.com/dialysis/pdms/internal/platform/auth"
	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/internal/platform/events"
	"github.com/dialysis/pdms/internal/platform/keylock"
	"github.com/dialysis/pdms/internal/platform/middleware"
	"github.com/dialysis/pdms/migrations"
)

// storage bundles the session repository with the outbox it writes to.
type storage struct {
	repo    treatment.Repository
	outbox  events.Store
	checker db.Checker
	close   func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) (*storage, error) {
	if cfg.UsesMemoryStorage() {
		logger.Warn().Msg("using in-memory storage; state is lost on restart")
		outbox := events.NewMemoryOutbox()
		repo := treatment.NewMemoryRepository(outbox)
		return &storage{
			repo:   repo,
			outbox: outbox,
			checker: func(context.Context) (any, error) {
				stats := repo.Stats()
				stats["outbox_pending"] = outbox.Len()
				return stats, nil
			},
			close: func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	outbox := events.NewPGOutbox(pool)
	return &storage{
		repo:    treatment.NewRepoPG(pool, outbox),
		outbox:  outbox,
		checker: db.PoolChecker(pool),
		close:   pool.Close,
	}, nil
}

// newPublisher returns the outbox relay's sink and a function releasing its
// connections.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func(), error) {
	noop := func() {}
	switch cfg.EventPublisher {
	case "redis":
		client, err := events.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		return events.NewRedisStreamPublisher(client, cfg.EventStream, 0), func() { client.Close() }, nil
	case "webhook":
		return events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, 10*time.Second), noop, nil
	case "log", "":
		return events.NewLogPublisher(logger.With().Str("component", "events").Logger()), noop, nil
	case "none":
		return events.Discard, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown event publisher %q", cfg.EventPublisher)
}

type app struct {
	echo     *echo.Echo
	service  *treatment.Service
	pipeline *ingestion.Pipeline
}

// newApp wires the domain services over st and mounts them on an echo
// instance carrying the global middleware chain.
func newApp(cfg *config.Config, st *storage, logger zerolog.Logger) (*app, error) {
	svc, pipeline, err := newDomain(cfg, st, logger)
	if err != nil {
		return nil, err
	}
	return &app{echo: newEcho(cfg, st, svc, pipeline, logger), service: svc, pipeline: pipeline}, nil
}

func newDomain(cfg *config.Config, st *storage, logger zerolog.Logger) (*treatment.Service, *ingestion.Pipeline, error) {
	monitor := vitals.NewMonitor(vitals.DefaultThresholds())
	if cfg.VitalThresholdsFile != "" {
		m, err := vitals.LoadMonitor(cfg.VitalThresholdsFile)
		if err != nil {
			return nil, nil, err
		}
		monitor = m
		logger.Info().Str("file", cfg.VitalThresholdsFile).Int("thresholds", m.Len()).Msg("loaded vital thresholds")
	}

	// One lock table so API mutations and ingestion serialise on the same
	// session keys.
	locks := keylock.New()

	svc := treatment.NewService(st.repo, locks)
	svc.SetLogger(logger.With().Str("component", "treatment").Logger())

	drift := ingestion.DriftFromSeconds(cfg.MaxClockDriftSeconds)
	pipeline := ingestion.NewPipeline(st.repo, locks, ingestion.Config{
		MaxDrift:    drift,
		Concurrency: cfg.IngestConcurrency,
		Monitor:     monitor,
		Logger:      logger.With().Str("component", "ingestion").Logger(),
	})
	if drift == nil {
		logger.Info().Msg("clock drift check disabled")
	}
	return svc, pipeline, nil
}

func newEcho(cfg *config.Config, st *storage, svc *treatment.Service, pipeline *ingestion.Pipeline, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit("1M", "16M"))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled; every request is trusted")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Tenant middleware
	e.Use(db.TenantMiddleware(cfg.DefaultTenant))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(cfg.StorageDriver, st.checker))

	apiV1 := e.Group("/api/v1")
	treatment.NewHandler(svc).RegisterRoutes(apiV1)
	ingestion.NewHandler(pipeline).RegisterRoutes(apiV1, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))

	return e
}
