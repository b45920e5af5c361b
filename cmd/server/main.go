package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workspace-collab/internal/api"
	"workspace-collab/internal/auth"
	"workspace-collab/internal/config"
	"workspace-collab/internal/db"
	"workspace-collab/internal/eventbus"
	"workspace-collab/internal/logger"
	"workspace-collab/internal/metrics"
	"workspace-collab/internal/presence"
	"workspace-collab/internal/repository"
	"workspace-collab/internal/services"
	"workspace-collab/internal/services/collaboration"
	"workspace-collab/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName    = "workspace-collab"
	serviceVersion = "1.0.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogPretty, os.Stderr).
		With().
		Str("service", serviceName).
		Str("instance", cfg.InstanceID).
		Logger()
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
	log.Info().Msg("server shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("env", cfg.NodeEnv).Msg("starting collaboration server")

	tracingShutdown, err := telemetry.InitJaeger(serviceName, serviceVersion, cfg.InstanceID, cfg.JaegerEndpoint, log)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize tracing, continuing without it")
		tracingShutdown = telemetry.Noop
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(flushCtx); err != nil {
			log.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(reg)

	storeOpts := presence.Options{
		SessionTTL:  cfg.SessionTTL,
		PresenceTTL: cfg.PresenceTTL,
		OpTimeout:   cfg.StoreTimeout,
		KeyPrefix:   cfg.RedisKeyPrefix,
	}

	var (
		store presence.Store
		bus   eventbus.Bus
	)
	if cfg.RedisEnabled() {
		client, err := newRedisClient(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		store = presence.NewRedisStore(client, storeOpts, log)

		redisBus := eventbus.NewRedisBus(client, eventbus.Options{
			ProbeTimeout:  cfg.BusProbeTimeout,
			RetryInterval: cfg.BusRetryInterval,
		}, log)
		defer redisBus.Close()
		state := redisBus.Connect(ctx)
		log.Info().Str("bus", state.String()).Msg("event bus connected")
		bus = redisBus
	} else {
		log.Warn().Msg("no Redis configured, running single-instance with in-memory presence")
		store = presence.NewMemoryStore(storeOpts, log)
		bus = eventbus.Disabled{}
	}
	defer store.Close()

	authn := auth.NewJWTAuthenticator(cfg.JWTSecret, log)
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is empty, every socket will be rejected")
	}

	gateway := collaboration.NewGateway(collaboration.Options{
		InstanceID: cfg.InstanceID,
		Topic:      cfg.BusChannel,
		Quiet:      cfg.QuietErrors(),
	}, store, bus, authn, log)
	gateway.SetMetrics(recorder)

	relay := collaboration.NewRelay(gateway, bus, log)
	if err := relay.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("relay not subscribed yet, events stay local until the bus recovers")
	}

	var (
		history api.HistoryService
		audit   *services.AuditService
	)
	if cfg.AuditEnabled {
		database, err := db.NewGorm(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer database.Close()

		audit = services.NewAuditService(repository.NewCollaborationEventRepository(database.DB), cfg.AuditWorkers, cfg.AuditQueueSize, log)
		audit.Start()
		metrics.RegisterQueueDepth(reg, "audit", audit.QueueLength)
		gateway.SetObserver(audit)
		history = audit
	}

	handler := api.NewHandler(gateway, history, log)
	router := api.SetupRoutes(handler, api.Routes{
		WebSocket:  collaboration.NewWebSocketHandler(gateway, cfg.CORSOrigin, log).HandleConnection,
		Metrics:    metrics.Handler(reg),
		CORSOrigin: cfg.CORSOrigin,
		Auth:       authn,
	}, log)

	// no write timeout: sockets are long lived and keep their own deadlines
	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server forced to shutdown")
		}
		// sockets are hijacked, so server.Shutdown does not close them
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("gateway did not drain in time")
		}
		if audit != nil {
			audit.Shutdown()
		}
		return nil
	})

	return g.Wait()
}

// newRedisClient prefers REDIS_URL and falls back to host/port settings
func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), nil
}
