// Command server starts the livesight API and session gateway.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"livesight/internal/aggregator"
	"livesight/internal/api"
	"livesight/internal/auth"
	"livesight/internal/config"
	"livesight/internal/observability/logging"
	"livesight/internal/observability/metrics"
	"livesight/internal/provider"
	"livesight/internal/server"
	"livesight/internal/session"
	"livesight/internal/storage"
)

func main() {
	envFile := flag.String("env-file", "", "path to an env file loaded before reading the environment")
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	lookupLimit := flag.Int("rate-lookup-limit", 0, "maximum channel lookups per window for a single IP")
	lookupWindow := flag.Duration("rate-lookup-window", 0, "window for counting channel lookups")
	redisAddr := flag.String("redis-addr", "", "Redis address for distributed lookup throttling")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between stale stream sweeps")
	sweepMaxAge := flag.Duration("sweep-max-age", 0, "age after which a live stream without lookups is marked offline")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.New(logging.Config{}).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlagOverrides(&cfg, flagOverrides{
		addr:          *addr,
		dataPath:      *dataPath,
		storageDriver: *storageDriver,
		postgresDSN:   *postgresDSN,
		tlsCert:       *tlsCert,
		tlsKey:        *tlsKey,
		logLevel:      *logLevel,
		logFormat:     *logFormat,
		globalRPS:     *globalRPS,
		globalBurst:   *globalBurst,
		lookupLimit:   *lookupLimit,
		lookupWindow:  *lookupWindow,
		redisAddr:     *redisAddr,
		sweepInterval: *sweepInterval,
		sweepMaxAge:   *sweepMaxAge,
	})

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open datastore", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}

	adapters := provider.All(provider.Config{
		TwitchToken:    cfg.TwitchToken,
		TwitchClientID: cfg.TwitchClientID,
		YouTubeKey:     cfg.YouTubeKey,
	})
	lookuper := aggregator.New(aggregator.Config{
		Adapters: adapters,
		Logger:   logging.WithComponent(logger, "aggregator"),
		Metrics:  recorder,
	})
	gateway := session.NewGateway(session.GatewayConfig{
		Store:             store,
		Logger:            logging.WithComponent(logger, "session"),
		Metrics:           recorder,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClientTimeout:     cfg.ClientTimeout,
	})

	var authn *auth.TwitchAuthenticator
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		authn = auth.NewTwitchAuthenticator(auth.OAuthConfig{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RedirectURL:  cfg.TwitchRedirectURL,
			Tokens:       auth.TokenConfig{Key: []byte(cfg.JWTKey), TTL: cfg.JWTTTL},
			Store:        store,
			Logger:       logging.WithComponent(logger, "auth"),
		})
	} else {
		logger.Info("twitch login disabled: no client credentials configured")
	}

	handler := api.NewHandler(lookuper, store, logging.WithComponent(logger, "api"))
	srv, err := server.New(handler, gateway, authn, server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.GlobalRPS,
			GlobalBurst:   cfg.GlobalBurst,
			LookupLimit:   cfg.LookupLimit,
			LookupWindow:  cfg.LookupWindow,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisTimeout:  cfg.RedisTimeout,
		},
		Logger:          logger,
		Metrics:         recorder,
		Bans:            store,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		runStreamSweeper(groupCtx, logging.WithComponent(logger, "sweeper"), store, cfg.SweepInterval, cfg.SweepMaxAge)
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	logger.Info("server stopped")
}

type flagOverrides struct {
	addr          string
	dataPath      string
	storageDriver string
	postgresDSN   string
	tlsCert       string
	tlsKey        string
	logLevel      string
	logFormat     string
	globalRPS     float64
	globalBurst   int
	lookupLimit   int
	lookupWindow  time.Duration
	redisAddr     string
	sweepInterval time.Duration
	sweepMaxAge   time.Duration
}

// applyFlagOverrides lets command-line flags win over environment values.
func applyFlagOverrides(cfg *config.Config, overrides flagOverrides) {
	if v := strings.TrimSpace(overrides.addr); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(overrides.dataPath); v != "" {
		cfg.DataPath = v
	}
	if v := strings.ToLower(strings.TrimSpace(overrides.storageDriver)); v != "" {
		cfg.StorageDriver = v
	}
	if v := strings.TrimSpace(overrides.postgresDSN); v != "" {
		cfg.PostgresDSN = v
		if strings.TrimSpace(overrides.storageDriver) == "" {
			cfg.StorageDriver = "postgres"
		}
	}
	if v := strings.TrimSpace(overrides.tlsCert); v != "" {
		cfg.TLSCertFile = v
	}
	if v := strings.TrimSpace(overrides.tlsKey); v != "" {
		cfg.TLSKeyFile = v
	}
	if v := strings.TrimSpace(overrides.logLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(overrides.logFormat); v != "" {
		cfg.LogFormat = v
	}
	if overrides.globalRPS > 0 {
		cfg.GlobalRPS = overrides.globalRPS
	}
	if overrides.globalBurst > 0 {
		cfg.GlobalBurst = overrides.globalBurst
	}
	if overrides.lookupLimit > 0 {
		cfg.LookupLimit = overrides.lookupLimit
	}
	if overrides.lookupWindow > 0 {
		cfg.LookupWindow = overrides.lookupWindow
	}
	if v := strings.TrimSpace(overrides.redisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if overrides.sweepInterval > 0 {
		cfg.SweepInterval = overrides.sweepInterval
	}
	if overrides.sweepMaxAge > 0 {
		cfg.SweepMaxAge = overrides.sweepMaxAge
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Repository, error) {
	switch cfg.StorageDriver {
	case "postgres":
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:                 cfg.PostgresDSN,
			MaxConnections:      int32(cfg.PostgresMaxConnections),
			MinConnections:      int32(cfg.PostgresMinConnections),
			MaxConnLifetime:     cfg.PostgresMaxConnLifetime,
			MaxConnIdleTime:     cfg.PostgresMaxConnIdleTime,
			HealthCheckInterval: cfg.PostgresHealthCheckInterval,
			AcquireTimeout:      cfg.PostgresAcquireTimeout,
			ApplicationName:     cfg.PostgresApplicationName,
		})
	default:
		return storage.NewJSONRepository(cfg.DataPath)
	}
}
