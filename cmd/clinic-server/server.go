package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/clinicops/admissions/internal/config"
	"github.com/clinicops/admissions/internal/domain/identity"
	"github.com/clinicops/admissions/internal/domain/scheduling"
	"github.com/clinicops/admissions/internal/platform/auth"
	"github.com/clinicops/admissions/internal/platform/cache"
	"github.com/clinicops/admissions/internal/platform/db"
	"github.com/clinicops/admissions/internal/platform/metrics"
	"github.com/clinicops/admissions/internal/platform/middleware"
)

const shutdownTimeout = 10 * time.Second

// serverDeps are the long-lived handles newServer wires into handlers.
// Shared and Publisher are nil when REDIS_URL is unset.
type serverDeps struct {
	Pool      *pgxpool.Pool
	Shared    *cache.JSONStore
	Publisher scheduling.Publisher
	Registry  *prometheus.Registry
	Metrics   *metrics.LifecycleMetrics
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps := serverDeps{
		Pool:     pool,
		Registry: reg,
		Metrics:  metrics.NewLifecycleMetrics(reg),
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		deps.Shared = cache.NewJSONStore(client, "scheduling")
		deps.Publisher = cache.NewPublisher(client)
		logger.Info().Msg("connected to redis; rule sharing and change notifications enabled")
	}

	e := newServer(cfg, logger, deps)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting server")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:         "0",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", middleware.RequestIDHeader, db.ClinicHeader},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	e.Use(authMiddleware(cfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(deps.Pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(deps.Registry)))
	}

	api := e.Group("/api/v1",
		db.TenantMiddleware(deps.Pool, cfg.DefaultTenant),
		middleware.Audit(logger),
	)

	patients := identity.NewPatientRepoPG(deps.Pool)
	appointments := scheduling.NewAppointmentRepoPG(deps.Pool)
	history := scheduling.NewHistoryRepoPG(deps.Pool)
	rules := scheduling.NewCachedRuleSource(scheduling.NewRuleRepoPG(deps.Pool), deps.Shared, deps.Metrics, logger)

	opts := []scheduling.ManagerOption{
		scheduling.WithMetrics(deps.Metrics),
		scheduling.WithLogger(logger),
		scheduling.WithStoreTimeout(cfg.StoreTimeout),
	}
	if deps.Publisher != nil {
		opts = append(opts, scheduling.WithPublisher(deps.Publisher))
	}
	mgr := scheduling.NewManager(appointments, history, rules, opts...)
	admissions := scheduling.NewAdmissions(patients, appointments, logger)

	identity.NewHandler(identity.NewService(patients)).RegisterRoutes(api)
	scheduling.NewHandler(mgr, admissions, rules).RegisterRoutes(api)

	return e
}

// authMiddleware verifies bearer tokens. Development without any auth settings
// falls back to the permissive dev identity.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthJWKSURL == "" && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware()
	}
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jc)
}
