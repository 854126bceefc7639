package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/domain/clinic"
	"github.com/clinic/clinic/internal/domain/inventory"
	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/domain/treatment"
	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/notification"
)

// deps is everything the router needs from the process.
type deps struct {
	cfg      *config.Config
	log      zerolog.Logger
	pool     *pgxpool.Pool
	metrics  *metrics.Metrics
	events   events.Publisher
	resolver *auth.Resolver
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var cache auth.PermissionCache = auth.NewMemoryPermissionCache()
	if cfg.RedisURL != "" {
		client, err := auth.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		cache = auth.NewRedisPermissionCache(client)
		logger.Info().Msg("permission cache: redis")
	}

	m := metrics.New()
	templates := notification.NewTemplateEngine()
	dispatcher := events.NewDispatcher(events.Config{
		QueueSize: cfg.EventQueueSize,
		Workers:   cfg.EventWorkers,
		Timeout:   5 * time.Second,
	}, audit.NewPGSink(pool), notification.NewLogDispatcher(templates, logger), m, logger)
	defer dispatcher.Close()

	e := newRouter(deps{
		cfg:      cfg,
		log:      logger,
		pool:     pool,
		metrics:  m,
		events:   dispatcher,
		resolver: auth.NewResolver(auth.NewPGMembershipStore(pool), cache, cfg.PermissionCacheTTL, logger),
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newRouter(d deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(d.log)

	// Global middleware
	e.Use(middleware.Recovery(d.log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.log))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	if d.cfg.MetricsEnabled {
		e.Use(d.metrics.Middleware())
		e.GET("/metrics", echo.WrapHandler(d.metrics.Handler()))
	}
	if d.cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(d.cfg.RequestTimeout))
	}

	e.GET("/health", db.HealthHandler(d.pool, func() *db.PoolStats { return db.GetPoolStats(d.pool) }))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: d.cfg.RateLimitRPS,
		BurstSize:         d.cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", auth.IdentityMiddleware(jwtConfig(d.cfg)))

	tx := db.NewTransactor(d.pool)
	billingSvc := billing.NewService(billing.NewInvoiceRepoPG(d.pool), tx, d.events)
	clinicH := clinic.NewHandler(clinic.NewService(
		clinic.NewTenantStorePG(d.pool), clinic.NewMemberRepoPG(d.pool), tx, d.events, d.resolver))

	// Only the provisioning surface is throttled, per identity. Clinic
	// operations are not.
	clinicH.RegisterPlatformRoutes(apiV1.Group("/platform", middleware.RateLimit(rateLimitCfg)))

	tenant := apiV1.Group("", auth.PrincipalMiddleware(d.resolver))
	clinicH.RegisterRoutes(tenant)
	patient.NewHandler(patient.NewService(patient.NewRepoPG(d.pool), tx, d.events)).RegisterRoutes(tenant)
	scheduling.NewHandler(scheduling.NewService(scheduling.NewAppointmentRepoPG(d.pool), tx, d.events)).RegisterRoutes(tenant)
	billing.NewHandler(billingSvc).RegisterRoutes(tenant)
	treatment.NewHandler(treatment.NewService(treatment.NewPlanRepoPG(d.pool), billingSvc, tx, d.events)).RegisterRoutes(tenant)
	inventory.NewHandler(inventory.NewService(inventory.NewItemRepoPG(d.pool), tx, d.events)).RegisterRoutes(tenant)

	return e
}
