// Package config resolves the service configuration from the environment.
// Values are read once into an explicit Config that callers pass down; there
// is no process-global configuration state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every runtime setting for the service.
type Config struct {
	Addr            string
	TLSCertFile     string
	TLSKeyFile      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	StorageDriver string
	DataPath      string

	PostgresDSN                 string
	PostgresMaxConnections      int
	PostgresMinConnections      int
	PostgresMaxConnLifetime     time.Duration
	PostgresMaxConnIdleTime     time.Duration
	PostgresHealthCheckInterval time.Duration
	PostgresAcquireTimeout      time.Duration
	PostgresApplicationName     string

	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration

	GlobalRPS    float64
	GlobalBurst  int
	LookupLimit  int
	LookupWindow time.Duration

	TwitchToken        string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRedirectURL  string
	YouTubeKey         string

	JWTKey string
	JWTTTL time.Duration

	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration

	SweepInterval time.Duration
	SweepMaxAge   time.Duration
}

// Defaults used when the environment leaves a setting unset.
const (
	DefaultAddr          = ":8080"
	DefaultDataPath      = "data/store.json"
	DefaultJWTTTL        = 30 * 24 * time.Hour
	DefaultLookupWindow  = time.Minute
	DefaultSweepInterval = time.Minute
	DefaultSweepMaxAge   = 5 * time.Minute
)

// Load reads configuration from the environment. When envFile is non-empty it
// is loaded first via godotenv; variables already present in the environment
// keep precedence over file values. A missing default ".env" is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := Config{
		Addr:        envString("LIVESIGHT_ADDR", DefaultAddr),
		TLSCertFile: envString("LIVESIGHT_TLS_CERT", ""),
		TLSKeyFile:  envString("LIVESIGHT_TLS_KEY", ""),
		LogLevel:    envString("LIVESIGHT_LOG_LEVEL", "info"),
		LogFormat:   envString("LIVESIGHT_LOG_FORMAT", "json"),

		StorageDriver: strings.ToLower(envString("LIVESIGHT_STORAGE_DRIVER", "")),
		DataPath:      envString("LIVESIGHT_DATA", DefaultDataPath),

		PostgresDSN:             envString("LIVESIGHT_POSTGRES_DSN", os.Getenv("DATABASE_URL")),
		PostgresApplicationName: envString("LIVESIGHT_POSTGRES_APP_NAME", "livesight"),

		RedisAddr:     envString("LIVESIGHT_REDIS_ADDR", ""),
		RedisPassword: envString("LIVESIGHT_REDIS_PASSWORD", ""),

		TwitchToken:        envString("TWITCH_TOKEN", ""),
		TwitchClientID:     envString("TWITCH_CLIENT_ID", ""),
		TwitchClientSecret: envString("TWITCH_CLIENT_SECRET", ""),
		TwitchRedirectURL:  envString("TWITCH_REDIRECT_URL", ""),
		YouTubeKey:         envString("YOUTUBE_TOKEN", ""),

		JWTKey: envString("JWT_KEY", ""),
	}

	var err error
	if cfg.ShutdownTimeout, err = envDuration("LIVESIGHT_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PostgresMaxConnections, err = envInt("LIVESIGHT_POSTGRES_MAX_CONNS", 0); err != nil {
		return Config{}, err
	}
	if cfg.PostgresMinConnections, err = envInt("LIVESIGHT_POSTGRES_MIN_CONNS", 0); err != nil {
		return Config{}, err
	}
	if cfg.PostgresMaxConnLifetime, err = envDuration("LIVESIGHT_POSTGRES_MAX_CONN_LIFETIME", 0); err != nil {
		return Config{}, err
	}
	if cfg.PostgresMaxConnIdleTime, err = envDuration("LIVESIGHT_POSTGRES_MAX_CONN_IDLE", 0); err != nil {
		return Config{}, err
	}
	if cfg.PostgresHealthCheckInterval, err = envDuration("LIVESIGHT_POSTGRES_HEALTH_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.PostgresAcquireTimeout, err = envDuration("LIVESIGHT_POSTGRES_ACQUIRE_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.RedisTimeout, err = envDuration("LIVESIGHT_REDIS_TIMEOUT", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.GlobalRPS, err = envFloat("LIVESIGHT_RATE_GLOBAL_RPS", 0); err != nil {
		return Config{}, err
	}
	if cfg.GlobalBurst, err = envInt("LIVESIGHT_RATE_GLOBAL_BURST", 0); err != nil {
		return Config{}, err
	}
	if cfg.LookupLimit, err = envInt("LIVESIGHT_RATE_LOOKUP_LIMIT", 0); err != nil {
		return Config{}, err
	}
	if cfg.LookupWindow, err = envDuration("LIVESIGHT_RATE_LOOKUP_WINDOW", DefaultLookupWindow); err != nil {
		return Config{}, err
	}
	if cfg.JWTTTL, err = envDuration("JWT_TTL", DefaultJWTTTL); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDuration("LIVESIGHT_HEARTBEAT_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.ClientTimeout, err = envDuration("LIVESIGHT_CLIENT_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("LIVESIGHT_SWEEP_INTERVAL", DefaultSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.SweepMaxAge, err = envDuration("LIVESIGHT_SWEEP_MAX_AGE", DefaultSweepMaxAge); err != nil {
		return Config{}, err
	}

	if cfg.StorageDriver == "" {
		if cfg.PostgresDSN != "" {
			cfg.StorageDriver = "postgres"
		} else {
			cfg.StorageDriver = "json"
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StorageDriver {
	case "json":
	case "postgres":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres storage selected without DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS requires both LIVESIGHT_TLS_CERT and LIVESIGHT_TLS_KEY")
	}
	if c.TwitchClientID != "" && c.JWTKey == "" {
		return fmt.Errorf("twitch login requires JWT_KEY")
	}
	return nil
}

func envString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return value, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return value, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return value, nil
}
