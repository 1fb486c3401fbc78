package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/scheduler/internal/config"
	"github.com/clinic/scheduler/internal/domain/availability"
	"github.com/clinic/scheduler/internal/domain/catalog"
	"github.com/clinic/scheduler/internal/platform/auth"
	"github.com/clinic/scheduler/internal/platform/db"
	"github.com/clinic/scheduler/internal/platform/lock"
	"github.com/clinic/scheduler/internal/platform/middleware"
)

const version = "0.1.0"

// app is the wired engine shared by the server and the CLI commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	loc    *time.Location

	catalog *catalog.Catalog
	hours   *availability.WeeklyHours
	ledger  availability.Ledger
	query   *availability.Query
	coord   *availability.Coordinator
	digest  *availability.Digest

	pool        *pgxpool.Pool
	redisClient *redis.Client
	redisLocker *lock.RedisLocker
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// loadConfig reads and validates the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(cfg.AppointmentTypesFile)
	if err != nil {
		return nil, err
	}
	hours, err := availability.LoadWeeklyHours(cfg.WorkingHoursFile, loc)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, loc: loc, catalog: cat, hours: hours}

	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.ledger = availability.NewLedgerPG(pool, loc)
		logger.Info().Msg("connected to database")
	default:
		a.ledger = availability.NewMemoryLedger()
		logger.Warn().Msg("using in-memory booking store, bookings are lost on restart")
	}

	var locker availability.DayLocker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redisClient = client
		a.redisLocker = lock.NewRedisLocker(client, lock.RedisConfig{TTL: cfg.LockTTL}, logger)
		locker = a.redisLocker
		logger.Info().Msg("using redis day locks")
	}

	source := availability.NewCalendarSource(hours, a.ledger)
	a.query = availability.NewQuery(cat, source, availability.QueryConfig{
		StepMinutes:          cfg.SlotStepMinutes,
		DefaultLookaheadDays: cfg.MaxLookaheadDays,
		CallTimeout:          cfg.StoreTimeout,
		Location:             loc,
	}, logger)
	a.coord = availability.NewCoordinator(a.query, a.ledger, locker, logger, cfg.StoreTimeout)
	a.digest = availability.NewDigest(a.query, a.coord, logger)
	return a, nil
}

func (a *app) Close() {
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) healthChecks() map[string]db.Checker {
	checks := map[string]db.Checker{}
	if a.redisLocker != nil {
		checks["lock"] = a.redisLocker.Ping
	}
	return checks
}

func (a *app) jwtConfig() auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	}
}

func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(a.jwtConfig()))
	} else {
		jwtCfg := a.jwtConfig()
		jwtCfg.Optional = true
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreBackend,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.healthChecks()))

	catalog.NewHandler(a.catalog).RegisterRoutes(apiV1)
	availability.NewHandler(a.query, a.coord).RegisterRoutes(apiV1)

	return e
}

// stderrLogger keeps stdout clean for CLI output.
func stderrLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(cfg, os.Stderr)
}
