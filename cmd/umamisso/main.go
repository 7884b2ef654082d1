package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-cleanhttp"

	"umamisso/internal/api"
	"umamisso/internal/audit"
	"umamisso/internal/auth"
	"umamisso/internal/auth/oidc"
	"umamisso/internal/observability"
	"umamisso/internal/storage"
	pgstore "umamisso/internal/storage/postgres"
	sqlitestore "umamisso/internal/storage/sqlite"
	"umamisso/internal/teams"
)

// stores bundles the persistence chosen at startup.
type stores struct {
	users     auth.UserStore
	teams     storage.TeamStore
	readiness []api.ReadinessCheck
	closers   []io.Closer
}

func (s *stores) Close(logger observability.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}
}

func main() {
	logger := observability.NewLogger(observability.ConfigFromEnv())

	configPath := flag.String("config", os.Getenv("UMAMISSO_CONFIG"), "path to YAML config file")
	addr := flag.String("addr", "", "listen address (host:port), overrides config")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnv,
			Release:          envOr("APP_VERSION", "dev"),
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "environment", cfg.SentryEnv)
			sentryEnabled = true
		}
	}

	metricsCfg := observability.MetricsConfigFromEnv()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled", "namespace", metricsCfg.Namespace, "version", metricsCfg.Version)
	} else {
		logger.Info("metrics disabled")
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	ruleStore, err := openRuleStore(cfg, logger)
	if err != nil {
		logger.Error("team rule store init failed", "error", err)
		st.Close(logger)
		os.Exit(1)
	}
	if rs, ok := ruleStore.(*teams.RedisRuleStore); ok {
		st.readiness = append(st.readiness, api.ReadinessCheck{Name: "redis", Ping: rs.Ping})
		st.closers = append(st.closers, rs)
	}

	stateSecret := []byte(cfg.AppSecret)
	if len(stateSecret) == 0 {
		stateSecret = make([]byte, minAppSecretLen)
		if _, err := rand.Read(stateSecret); err != nil {
			logger.Error("generate state secret", "error", err)
			os.Exit(1)
		}
		logger.Warn("APP_SECRET not set; using a random secret, logins in progress will not survive a restart")
	}

	var proxies *api.TrustedProxyConfig
	if cfg.TrustedProxies != "" {
		proxies, err = api.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			logger.Error("invalid trusted proxies", "error", err)
		} else {
			logger.Info("trusted proxies configured", "count", len(proxies.CIDRs))
		}
	}

	sessions := auth.NewMemorySessionStore()
	auditLogger := audit.NewMemoryAuditLogger()
	engine := teams.NewEngine(ruleStore, st.teams, logger, teams.WithMetrics(metrics))

	httpClient := cleanhttp.DefaultPooledClient()
	flow := oidc.NewFlow(oidc.FlowConfig{
		Discovery: oidc.NewDiscoveryCache(httpClient,
			oidc.WithDiscoveryTTL(cfg.DiscoveryTTL),
			oidc.WithDiscoveryMetrics(metrics),
		),
		HTTPClient:      httpClient,
		Users:           st.users,
		Sessions:        sessions,
		Teams:           engine,
		Audit:           auditLogger,
		Logger:          logger,
		Metrics:         metrics,
		StateSecret:     stateSecret,
		SessionDuration: cfg.SessionTTL,
	})

	if oc := oidc.ConfigFromEnv(); oc.Enabled {
		if err := oc.Validate(); err != nil {
			logger.Warn("single sign-on enabled but misconfigured", "error", err)
		} else {
			logger.Info("single sign-on enabled", "issuer", oc.IssuerURL)
		}
	} else {
		logger.Info("single sign-on disabled (set OIDC_ENABLED=true to enable)")
	}

	mux := http.NewServeMux()
	srv := api.NewServer(mux, api.Config{
		Users:          st.users,
		Sessions:       sessions,
		Teams:          st.teams,
		Rules:          engine,
		Flow:           flow,
		Audit:          auditLogger,
		Logger:         logger,
		Metrics:        metrics,
		BaseURL:        cfg.BaseURL,
		LoginRateLimit: cfg.LoginRateLimit(proxies),
		Readiness:      st.readiness,
	})
	srv.RegisterRoutes()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	go cleanupSessions(cleanupCtx, sessions, cfg.CleanupEvery, logger)

	rateCfg := cfg.RateLimit(proxies)
	if !rateCfg.Enabled() {
		logger.Info("rate limiting disabled")
	} else {
		logger.Info("rate limiting configured",
			"requests_per_second", rateCfg.RequestsPerSecond,
			"burst", rateCfg.Burst,
		)
	}

	// Order: metrics (outermost) -> requestID -> logging -> rateLimiting.
	handler := api.ApplyMiddlewares(
		mux,
		observability.MetricsMiddleware(metrics),
		api.RequestIDMiddleware(),
		api.LoggingMiddleware(logger.Slog()),
		api.RateLimitMiddleware(rateCfg, metrics, logger.Slog()),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("umamisso listening", "addr", cfg.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	logger.Info("shutting down server", "timeout", "15s")
	stopCleanup()
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	st.Close(logger)

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}

	logger.Info("shutdown complete")
}

// openStores connects to PostgreSQL when a database URL is configured and
// falls back to SQLite otherwise.
func openStores(ctx context.Context, cfg *Config, logger observability.Logger) (*stores, error) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return &stores{
			users:     auth.NewPostgresUserStore(pg.Pool()),
			teams:     pg,
			readiness: []api.ReadinessCheck{{Name: "database", Ping: pg.Ping}},
			closers:   []io.Closer{pg},
		}, nil
	}

	lite, err := sqlitestore.New(cfg.SQLiteDSN)
	if err != nil {
		return nil, err
	}
	logger.Info("using sqlite store", "dsn", cfg.SQLiteDSN)
	return &stores{
		users:     auth.NewSQLiteUserStore(lite.DB()),
		teams:     lite,
		readiness: []api.ReadinessCheck{{Name: "database", Ping: lite.Ping}},
		closers:   []io.Closer{lite},
	}, nil
}

// openRuleStore picks the team rule backend. Without a Redis URL and no
// explicit "memory" opt-in it returns nil, which leaves the rule engine
// disabled.
func openRuleStore(cfg *Config, logger observability.Logger) (teams.RuleStore, error) {
	switch cfg.ruleBackend() {
	case RuleStoreRedis:
		rs, err := teams.NewRedisRuleStore(cfg.RedisURL, cfg.RedisRuleKey)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis team rule store")
		return rs, nil
	case RuleStoreMemory:
		logger.Warn("team rules are kept in memory and lost on restart")
		return teams.NewMemoryRuleStore(), nil
	default:
		logger.Info("team rules disabled (set REDIS_URL to enable)")
		return nil, nil
	}
}

func cleanupSessions(ctx context.Context, sessions auth.SessionStore, every time.Duration, logger observability.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.Cleanup(ctx)
			if err != nil {
				logger.Warn("session cleanup error", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired sessions", "count", n)
			}
		}
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
