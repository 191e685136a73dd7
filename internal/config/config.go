// Package config loads the auth core configuration from the environment and an
// optional .env file using Viper.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppID                    string `mapstructure:"APP_ID"`
	AppName                  string `mapstructure:"APP_NAME"`
	AppURL                   string `mapstructure:"APP_URL"`
	AppEnv                   string `mapstructure:"APP_ENV"`
	HTTPAddr                 string `mapstructure:"HTTP_ADDR"`
	UseSecureTokens          bool   `mapstructure:"USE_SECURE_TOKENS"`
	EnableSecureCrossAppSync bool   `mapstructure:"ENABLE_SECURE_CROSS_APP_SYNC"`
	HMACSecret               string `mapstructure:"HMAC_SECRET"`
	CookieDomain             string `mapstructure:"COOKIE_DOMAIN"`
	CookieSecure             bool   `mapstructure:"COOKIE_SECURE"`
	SessionTimeoutMs         int64  `mapstructure:"SESSION_TIMEOUT_MS"`
	ActivityTimeoutMs        int64  `mapstructure:"ACTIVITY_TIMEOUT_MS"`
	// SupabaseURL and SupabaseAnonKey describe the hosted backing store. They
	// are opaque to the core; a postgres:// URL doubles as the database DSN.
	SupabaseURL     string `mapstructure:"SUPABASE_URL"`
	SupabaseAnonKey string `mapstructure:"SUPABASE_ANON_KEY"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	SessionStore   string `mapstructure:"SESSION_STORE"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`

	SyncTransport         string `mapstructure:"SYNC_TRANSPORT"`
	SyncTrustDomain       string `mapstructure:"SYNC_TRUST_DOMAIN"`
	SyncFreshnessWindowMs int64  `mapstructure:"SYNC_FRESHNESS_WINDOW_MS"`
	SyncNonceCapacity     int    `mapstructure:"SYNC_NONCE_CAPACITY"`
	SyncRelayURL          string `mapstructure:"SYNC_RELAY_URL"`
	SyncRelayEnabled      bool   `mapstructure:"SYNC_RELAY_ENABLED"`
	KafkaBrokers          string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic            string `mapstructure:"KAFKA_TOPIC"`

	JWTIssuer        string        `mapstructure:"JWT_ISSUER"`
	JWTAudience      string        `mapstructure:"JWT_AUDIENCE"`
	JWTAccessSecret  string        `mapstructure:"JWT_ACCESS_SECRET"`
	JWTRefreshSecret string        `mapstructure:"JWT_REFRESH_SECRET"`
	JWTAccessTTL     time.Duration `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL    time.Duration `mapstructure:"JWT_REFRESH_TTL"`
	RefreshThreshold float64       `mapstructure:"REFRESH_THRESHOLD"`
	BcryptCost       int           `mapstructure:"BCRYPT_COST"`

	AuthRateLimitRPM int `mapstructure:"AUTH_RATE_LIMIT_RPM"`

	OTELMetricsEnabled        bool          `mapstructure:"OTEL_METRICS_ENABLED"`
	OTELTracingEnabled        bool          `mapstructure:"OTEL_TRACING_ENABLED"`
	OTELLogsEnabled           bool          `mapstructure:"OTEL_LOGS_ENABLED"`
	OTELExporterOTLPEndpoint  string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELExporterOTLPInsecure  bool          `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTELServiceName           string        `mapstructure:"OTEL_SERVICE_NAME"`
	OTELEnvironment           string        `mapstructure:"OTEL_ENVIRONMENT"`
	OTELMetricsExportInterval time.Duration `mapstructure:"OTEL_METRICS_EXPORT_INTERVAL"`

	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	JanitorInterval time.Duration `mapstructure:"JANITOR_INTERVAL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ID", "web")
	v.SetDefault("APP_NAME", "Web Store")
	v.SetDefault("APP_URL", "http://localhost:8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("USE_SECURE_TOKENS", true)
	v.SetDefault("ENABLE_SECURE_CROSS_APP_SYNC", true)
	v.SetDefault("HMAC_SECRET", "")
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("SESSION_TIMEOUT_MS", int64(24*time.Hour/time.Millisecond))
	v.SetDefault("ACTIVITY_TIMEOUT_MS", int64(30*time.Minute/time.Millisecond))
	v.SetDefault("SUPABASE_URL", "")
	v.SetDefault("SUPABASE_ANON_KEY", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "file:authsync.db?cache=shared")
	v.SetDefault("SESSION_STORE", "gorm")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SYNC_TRANSPORT", "memory")
	v.SetDefault("SYNC_TRUST_DOMAIN", "default")
	v.SetDefault("SYNC_FRESHNESS_WINDOW_MS", int64(30*time.Second/time.Millisecond))
	v.SetDefault("SYNC_NONCE_CAPACITY", 4096)
	v.SetDefault("SYNC_RELAY_URL", "")
	v.SetDefault("SYNC_RELAY_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "auth-sync")
	v.SetDefault("JWT_ISSUER", "unified-auth")
	v.SetDefault("JWT_AUDIENCE", "unified-apps")
	// Unmarshal only sees env vars for keys viper already knows.
	v.SetDefault("JWT_ACCESS_SECRET", "")
	v.SetDefault("JWT_REFRESH_SECRET", "")
	v.SetDefault("JWT_ACCESS_TTL", time.Hour)
	v.SetDefault("JWT_REFRESH_TTL", 168*time.Hour)
	v.SetDefault("REFRESH_THRESHOLD", 0.8)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("AUTH_RATE_LIMIT_RPM", 30)
	v.SetDefault("OTEL_METRICS_ENABLED", false)
	v.SetDefault("OTEL_TRACING_ENABLED", false)
	v.SetDefault("OTEL_LOGS_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_SERVICE_NAME", "unified-auth-sync")
	v.SetDefault("OTEL_ENVIRONMENT", "development")
	v.SetDefault("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second)
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)
	v.SetDefault("JANITOR_INTERVAL", 5*time.Minute)
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Environment variables override .env values.
func Load() (*Config, error) {
	return LoadFile(".env")
}

func LoadFile(path string) (*Config, error) {
	v := newViper(path)
	cfg, err := unmarshal(v)
	recordConfigEvent(context.Background(), eventSourceLoad, cfg, err)
	return cfg, err
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AppID) == "" {
		errs = append(errs, errors.New("APP_ID is required"))
	}
	if c.EnableSecureCrossAppSync && len(c.HMACSecret) < 32 {
		errs = append(errs, errors.New("HMAC_SECRET must be at least 32 characters when cross-app sync is enabled"))
	}
	if len(c.JWTAccessSecret) < 32 || len(c.JWTRefreshSecret) < 32 {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must be at least 32 characters"))
	}
	if c.JWTAccessSecret != "" && c.JWTAccessSecret == c.JWTRefreshSecret {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.SessionTimeoutMs <= 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT_MS must be positive"))
	}
	if c.ActivityTimeoutMs <= 0 {
		errs = append(errs, errors.New("ACTIVITY_TIMEOUT_MS must be positive"))
	}
	if c.RefreshThreshold <= 0 || c.RefreshThreshold >= 1 {
		errs = append(errs, errors.New("REFRESH_THRESHOLD must be between 0 and 1"))
	}
	switch c.SessionStore {
	case "gorm", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE %q is not supported", c.SessionStore))
	}
	switch c.SyncTransport {
	case "memory", "redis", "websocket":
	case "kafka":
		if len(c.KafkaBrokerList()) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("SYNC_TRANSPORT %q is not supported", c.SyncTransport))
	}
	if c.SyncTransport == "websocket" && c.SyncRelayURL == "" {
		errs = append(errs, errors.New("SYNC_RELAY_URL is required for the websocket transport"))
	}
	if c.AppEnv == "production" && !c.CookieSecure {
		errs = append(errs, errors.New("COOKIE_SECURE must be true in production"))
	}
	return errors.Join(errs...)
}

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

func (c *Config) ActivityTimeout() time.Duration {
	return time.Duration(c.ActivityTimeoutMs) * time.Millisecond
}

func (c *Config) FreshnessWindow() time.Duration {
	if c.SyncFreshnessWindowMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SyncFreshnessWindowMs) * time.Millisecond
}

// DatabaseDSN prefers an explicit DATABASE_URL; a postgres SUPABASE_URL is
// used when the driver is postgres and no DSN was given.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseDriver == "postgres" && c.DatabaseURL == "" && strings.HasPrefix(c.SupabaseURL, "postgres") {
		return c.SupabaseURL
	}
	return c.DatabaseURL
}

func (c *Config) KafkaBrokerList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
