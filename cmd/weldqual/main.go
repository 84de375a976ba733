// Package main is the entry point for the weldqual server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/audit"
	"github.com/pitabwire/weldqual/internal/capability"
	"github.com/pitabwire/weldqual/internal/closure"
	"github.com/pitabwire/weldqual/internal/config"
	"github.com/pitabwire/weldqual/internal/continuity"
	"github.com/pitabwire/weldqual/internal/idempotency"
	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/qualification"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config/weldqual.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "weldqual", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	records, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("record store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	clients := newRedisClients()
	defer clients.Close()

	sink, err := buildAuditSink(cfg.Audit, clients, logger)
	if err != nil {
		logger.Error("audit sink initialization failed", zap.Error(err))
		return 1
	}

	idemStore, err := buildIdempotencyStore(cfg.Idempotency, clients, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	capResolver, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	runner := operation.NewRunner(records,
		operation.WithLogger(logger),
		operation.WithAuditSink(sink),
		operation.WithMetrics(metrics),
	)
	engine := qualification.NewEngine(runner)
	tracker := continuity.NewTracker(runner, cfg.Continuity.WindowDays)
	workflow := closure.NewWorkflow(runner, tracker)

	keys := transport.KeySource{}
	if cfg.Identity.JWKSURL != "" {
		keys.JWKS = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	}
	if cfg.Identity.HMACSecretEnv != "" {
		if secret := os.Getenv(cfg.Identity.HMACSecretEnv); secret != "" {
			keys.HMACSecret = []byte(secret)
		}
	}

	readiness := observability.ReadinessChecks{
		Store:     observability.CheckFunc(records.Ping),
		AuditSink: sink,
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, keys),
		CapabilityResolver: capResolver,
		Idempotency:        idemStore,
		Readiness:          readiness,
		Qualification:      engine,
		Closure:            workflow,
		Continuity:         tracker,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadPolicyOn(ctx, hup, capResolver, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("continuity_window_days", cfg.Continuity.WindowDays),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore opens the record store named by cfg.Driver. The returned
// closer is always non-nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory record store")
		return store.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("record store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("record store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("record store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("record store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, fmt.Errorf("record store: migrate: %w", err)
			}
			logger.Info("record store schema applied")
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported record store driver: %q", cfg.Driver)
	}
}

// redisClients shares one client per address and database between the
// idempotency store and the audit stream.
type redisClients struct {
	byKey map[string]*redis.Client
}

func newRedisClients() *redisClients {
	return &redisClients{byKey: make(map[string]*redis.Client)}
}

func (c *redisClients) get(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	key := fmt.Sprintf("%s/%d", addr, db)
	if client, ok := c.byKey[key]; ok {
		return client, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	c.byKey[key] = client
	return client, nil
}

func (c *redisClients) Close() {
	for _, client := range c.byKey {
		_ = client.Close()
	}
}

func buildAuditSink(cfg config.AuditConfig, clients *redisClients, logger *zap.Logger) (audit.Multi, error) {
	var sinks audit.Multi
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(logger))
		case "redis":
			client, err := clients.get(cfg.Redis.AddrEnv, cfg.Redis.DB)
			if err != nil {
				return nil, fmt.Errorf("audit redis sink: %w", err)
			}
			sinks = append(sinks, audit.NewRedisStreamSink(client, cfg.Redis.Stream, cfg.Redis.MaxLen))
		default:
			return nil, fmt.Errorf("unsupported audit sink: %q", name)
		}
	}
	return sinks, nil
}

// buildIdempotencyStore returns nil when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, clients *redisClients, logger *zap.Logger) (idempotency.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	case "redis":
		client, err := clients.get(cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, fmt.Errorf("idempotency redis store: %w", err)
		}
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// reloadPolicyOn re-reads the capability policy each time a signal arrives
// on sig, until ctx is done.
func reloadPolicyOn(ctx context.Context, sig <-chan os.Signal, resolver *capability.Resolver, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := resolver.Reload(); err != nil {
				logger.Error("capability policy reload failed", zap.Error(err))
				continue
			}
			logger.Info("capability policy reloaded")
		}
	}
}

func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return capability.NewResolver(evaluator, cfg.Cache.TTL, metrics), nil
}
