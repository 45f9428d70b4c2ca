package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	IdentityURL        string        `mapstructure:"IDENTITY_URL"`
	FeatureURL         string        `mapstructure:"FEATURE_URL"`
	ClientDirectoryURL string        `mapstructure:"CLIENT_DIRECTORY_URL"`
	NotificationURL    string        `mapstructure:"NOTIFICATION_URL"`
	ProcuraURL         string        `mapstructure:"PROCURA_URL"`
	AlayaCareURL       string        `mapstructure:"ALAYACARE_URL"`
	UpstreamTimeout    time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	OverlayTTL         time.Duration `mapstructure:"OVERLAY_TTL"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	DevSigningKey      string        `mapstructure:"DEV_SIGNING_KEY"`

	// Classifier windows.
	FutureThresholdHours   float64 `mapstructure:"FUTURE_THRESHOLD_HOURS"`
	DisabledThresholdHours float64 `mapstructure:"DISABLED_THRESHOLD_HOURS"`
	WindowFutureMinutes    int     `mapstructure:"WINDOW_FUTURE_MINUTES"`
	WindowDisabledMinutes  int     `mapstructure:"WINDOW_DISABLED_MINUTES"`
	ShortWindowMinutes     int     `mapstructure:"SHORT_WINDOW_MINUTES"`
	OfflineHorizonHours    float64 `mapstructure:"OFFLINE_HORIZON_HOURS"`

	// Dependent-write outbox.
	OutboxWorkers    int `mapstructure:"OUTBOX_WORKERS"`
	OutboxQueueSize  int `mapstructure:"OUTBOX_QUEUE_SIZE"`
	OutboxMaxRetries int `mapstructure:"OUTBOX_MAX_RETRIES"`

	CheckInLeaseEnabled bool          `mapstructure:"CHECKIN_LEASE_ENABLED"`
	CheckInLeaseTTL     time.Duration `mapstructure:"CHECKIN_LEASE_TTL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"IDENTITY_URL", "FEATURE_URL", "CLIENT_DIRECTORY_URL", "NOTIFICATION_URL",
	"PROCURA_URL", "ALAYACARE_URL", "UPSTREAM_TIMEOUT", "REQUEST_TIMEOUT", "OVERLAY_TTL",
	"CORS_ORIGINS", "DEV_SIGNING_KEY",
	"FUTURE_THRESHOLD_HOURS", "DISABLED_THRESHOLD_HOURS", "WINDOW_FUTURE_MINUTES",
	"WINDOW_DISABLED_MINUTES", "SHORT_WINDOW_MINUTES", "OFFLINE_HORIZON_HOURS",
	"OUTBOX_WORKERS", "OUTBOX_QUEUE_SIZE", "OUTBOX_MAX_RETRIES",
	"CHECKIN_LEASE_ENABLED", "CHECKIN_LEASE_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("UPSTREAM_TIMEOUT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("OVERLAY_TTL", "168h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("FUTURE_THRESHOLD_HOURS", 24)
	v.SetDefault("DISABLED_THRESHOLD_HOURS", 48)
	v.SetDefault("WINDOW_FUTURE_MINUTES", 120)
	v.SetDefault("WINDOW_DISABLED_MINUTES", 2880)
	v.SetDefault("SHORT_WINDOW_MINUTES", 30)
	v.SetDefault("OFFLINE_HORIZON_HOURS", 12)
	v.SetDefault("OUTBOX_WORKERS", 4)
	v.SetDefault("OUTBOX_QUEUE_SIZE", 256)
	v.SetDefault("OUTBOX_MAX_RETRIES", 3)
	v.SetDefault("CHECKIN_LEASE_ENABLED", false)
	v.SetDefault("CHECKIN_LEASE_TTL", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token get a fixed development identity.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.FutureThresholdHours <= 0 || c.DisabledThresholdHours <= 0 {
		return fmt.Errorf("FUTURE_THRESHOLD_HOURS and DISABLED_THRESHOLD_HOURS must be positive")
	}
	if c.WindowFutureMinutes <= 0 || c.WindowDisabledMinutes <= 0 || c.ShortWindowMinutes <= 0 {
		return fmt.Errorf("WINDOW_FUTURE_MINUTES, WINDOW_DISABLED_MINUTES and SHORT_WINDOW_MINUTES must be positive")
	}
	if c.OverlayTTL <= 0 {
		return fmt.Errorf("OVERLAY_TTL must be positive, got %s", c.OverlayTTL)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", c.UpstreamTimeout)
	}
	if c.OutboxWorkers < 1 {
		return fmt.Errorf("OUTBOX_WORKERS must be at least 1, got %d", c.OutboxWorkers)
	}
	if c.CheckInLeaseEnabled && c.CheckInLeaseTTL <= 0 {
		return fmt.Errorf("CHECKIN_LEASE_TTL must be positive when CHECKIN_LEASE_ENABLED is true")
	}

	if c.IsProduction() {
		if c.IdentityURL == "" {
			return fmt.Errorf("IDENTITY_URL is required in production")
		}
		if c.ProcuraURL == "" || c.AlayaCareURL == "" {
			return fmt.Errorf("PROCURA_URL and ALAYACARE_URL are required in production")
		}
	}
	return nil
}
