package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/pscheid92/chanrelay/internal/adapter/httpserver"
	"github.com/pscheid92/chanrelay/internal/adapter/memory"
	"github.com/pscheid92/chanrelay/internal/adapter/metrics"
	"github.com/pscheid92/chanrelay/internal/adapter/redis"
	"github.com/pscheid92/chanrelay/internal/bridge"
	"github.com/pscheid92/chanrelay/internal/broadcast"
	"github.com/pscheid92/chanrelay/internal/channel"
	"github.com/pscheid92/chanrelay/internal/domain"
	"github.com/pscheid92/chanrelay/internal/handler"
	"github.com/pscheid92/chanrelay/internal/platform/config"
	"github.com/pscheid92/chanrelay/internal/platform/logging"
	"github.com/pscheid92/chanrelay/internal/platform/retry"
	"github.com/pscheid92/chanrelay/internal/platform/version"
)

const (
	shutdownTimeout   = 10 * time.Second
	brokerPingTimeout = 5 * time.Second
)

var errListenerNotSubscribed = errors.New("broker listener not subscribed")

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupBroker connects to Redis when REDIS_URL is set and falls back to the
// in-process broker otherwise. The returned close function is never nil.
func setupBroker(cfg *config.Config, clock clockwork.Clock, m *metrics.BrokerMetrics) (domain.Broker, func(), error) {
	if !cfg.UsesRedis() {
		slog.Info("REDIS_URL not set, using in-process broker")
		return memory.NewBroker(), func() {}, nil
	}

	client, err := redis.NewClient(cfg.RedisURL, redis.NewMetricsHook(m), redis.NewCircuitBreakerHook(m))
	if err != nil {
		return nil, nil, err
	}
	closeClient := func() { _ = client.Close() }

	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Clock:          clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Redis not reachable yet", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	pingErr := retry.DoVoid(context.Background(), policy, func(error) retry.Action { return retry.Retry }, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, brokerPingTimeout)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if pingErr != nil {
		closeClient()
		return nil, nil, fmt.Errorf("failed to ping Redis: %w", pingErr)
	}

	slog.Info("Connected to Redis", "addr", client.Options().Addr)
	return redis.NewBroker(client), closeClient, nil
}

func bridgeConfig(cfg *config.Config) bridge.Config {
	bc := bridge.DefaultConfig()
	bc.Prefix = cfg.BrokerPrefix
	bc.Workers = cfg.PublishWorkers
	bc.QueueSize = cfg.PublishQueueSize
	bc.BatchSize = cfg.PublishBatchSize
	bc.FlushInterval = cfg.PublishFlushInterval
	return bc
}

func healthChecks(b *bridge.Bridge) []httpserver.HealthCheck {
	return []httpserver.HealthCheck{
		{Name: "broker", Check: b.Ping},
		{Name: "listener", Check: func(context.Context) error {
			if !b.Listening() {
				return errListenerNotSubscribed
			}
			return nil
		}},
	}
}

func run() error {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	build := version.Get()
	slog.Info("Application starting", "build", build, "env", cfg.AppEnv, "port", cfg.Port)

	reg := metrics.NewRegistry(build)
	brokerMetrics := metrics.NewBrokerMetrics(reg)
	wsMetrics := metrics.NewWebSocketMetrics(reg)

	registry := channel.NewRegistry(clock)
	metrics.RegisterTreeGauges(reg,
		func() float64 { return float64(registry.Stats().Nodes) },
		func() float64 { return float64(registry.Stats().Connections) },
	)
	if cfg.PruneInterval > 0 {
		stopSweeper := registry.StartSweeper(cfg.PruneInterval)
		defer stopSweeper()
	}

	broker, closeBroker, err := setupBroker(cfg, clock, brokerMetrics)
	if err != nil {
		return err
	}
	defer closeBroker()

	dispatcher := broadcast.NewDispatcher(registry, metrics.NewDispatchMetrics(reg))
	relay := bridge.New(broker, dispatcher, bridgeConfig(cfg), clock, brokerMetrics)

	srv := httpserver.NewServer(cfg, httpserver.Dependencies{
		Registry:     registry,
		Publisher:    relay,
		Handler:      handler.New(registry, relay, wsMetrics, handler.WithMaxMessageBytes(cfg.MaxMessageBytes)),
		Clock:        clock,
		Metrics:      metrics.Handler(reg),
		HTTPMetrics:  metrics.NewHTTPMetrics(reg),
		WSMetrics:    wsMetrics,
		HealthChecks: healthChecks(relay),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// the flushers outlive gctx so Stop can drain the outbox
	relay.Start(context.Background())

	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down", "cause", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := relay.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain outbox: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
