package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/clinic/scheduler/internal/platform/jobs"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	StoreBackend         string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	LockTTL              time.Duration `mapstructure:"LOCK_TTL"`
	ClinicTimezone       string        `mapstructure:"CLINIC_TIMEZONE"`
	SlotStepMinutes      int           `mapstructure:"SLOT_STEP_MINUTES"`
	MaxLookaheadDays     int           `mapstructure:"MAX_LOOKAHEAD_DAYS"`
	StoreTimeout         time.Duration `mapstructure:"STORE_TIMEOUT"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit            string        `mapstructure:"BODY_LIMIT"`
	AppointmentTypesFile string        `mapstructure:"APPOINTMENT_TYPES_FILE"`
	WorkingHoursFile     string        `mapstructure:"WORKING_HOURS_FILE"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS         float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int           `mapstructure:"RATE_LIMIT_BURST"`
	AuthSigningKey       string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	DigestCron           string        `mapstructure:"DIGEST_CRON"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("LOCK_TTL", "10s")
	v.SetDefault("CLINIC_TIMEZONE", "Local")
	v.SetDefault("SLOT_STEP_MINUTES", 15)
	v.SetDefault("MAX_LOOKAHEAD_DAYS", 30)
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("AUTH_ISSUER", "clinic-scheduler")
	v.SetDefault("DIGEST_CRON", "0 7 * * *")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "STORE_BACKEND", "DATABASE_URL",
		"DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "LOCK_TTL",
		"CLINIC_TIMEZONE", "SLOT_STEP_MINUTES", "MAX_LOOKAHEAD_DAYS",
		"STORE_TIMEOUT", "REQUEST_TIMEOUT", "BODY_LIMIT",
		"APPOINTMENT_TYPES_FILE", "WORKING_HOURS_FILE", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "AUTH_SIGNING_KEY",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "DIGEST_CRON",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a token act as admin on staff endpoints.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY before deploying.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves CLINIC_TIMEZONE. All dates and wall-clock times in
// requests are read in this location.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" || c.ClinicTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreBackend)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.SlotStepMinutes <= 0 || c.SlotStepMinutes > 24*60 {
		return fmt.Errorf("SLOT_STEP_MINUTES must be between 1 and 1440, got %d", c.SlotStepMinutes)
	}
	if c.MaxLookaheadDays <= 0 || c.MaxLookaheadDays > 366 {
		return fmt.Errorf("MAX_LOOKAHEAD_DAYS must be between 1 and 366, got %d", c.MaxLookaheadDays)
	}
	if c.StoreTimeout <= 0 || c.RequestTimeout <= 0 || c.LockTTL <= 0 {
		return fmt.Errorf("STORE_TIMEOUT, REQUEST_TIMEOUT and LOCK_TTL must be positive")
	}
	if c.LockTTL < c.StoreTimeout {
		return fmt.Errorf("LOCK_TTL (%s) must not be shorter than STORE_TIMEOUT (%s)", c.LockTTL, c.StoreTimeout)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if c.IsProduction() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required in production")
	}

	if c.DigestCron != "" {
		if err := jobs.ValidateSpec(c.DigestCron); err != nil {
			return fmt.Errorf("DIGEST_CRON: %w", err)
		}
	}
	return nil
}
