// Package app wires the control plane's components together and runs the
// HTTP/WebSocket server: load config, init telemetry, construct
// components, start serving, shut down cleanly on context cancellation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/autoqa/controlplane/internal/config"
	"github.com/autoqa/controlplane/internal/eventstream"
	"github.com/autoqa/controlplane/internal/httpapi"
	"github.com/autoqa/controlplane/internal/platform"
	"github.com/autoqa/controlplane/internal/telemetry"
	"github.com/autoqa/controlplane/pkg/artifact"
	"github.com/autoqa/controlplane/pkg/breaker"
	"github.com/autoqa/controlplane/pkg/clock"
	"github.com/autoqa/controlplane/pkg/container"
	"github.com/autoqa/controlplane/pkg/flowcontrol"
	"github.com/autoqa/controlplane/pkg/healing"
	"github.com/autoqa/controlplane/pkg/notification"
	"github.com/autoqa/controlplane/pkg/orchestrator"
	"github.com/autoqa/controlplane/pkg/provider"
	"github.com/autoqa/controlplane/pkg/pubsub"
	"github.com/autoqa/controlplane/pkg/ratelimit"
)

const serviceVersion = "1.0.0"

// Run is the application entry point: it reads config, wires every
// control-plane component, and starts serving until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting autoqa control plane", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "autoqa-controlplane", serviceVersion)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	clk := clock.System{}
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// --- TokenBucket + ProviderPool ---
	tokenBucket := ratelimit.New(ratelimit.Config{
		TokensPerMinute:   cfg.RateLimitPerMinute,
		RequestsPerMinute: cfg.RateLimitPerMinute,
	}, clk)

	providerPool := provider.NewPool(provider.PoolConfig{
		Breaker: breaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			ResetTimeout:     cfg.BreakerOpenTimeout,
		},
	}, logger)

	// --- FlowController ---
	fc := flowcontrol.New(flowcontrol.Config{
		MaxBufferSize:         cfg.FlowMaxBufferSize,
		MaxMemoryUsage:        cfg.FlowMaxMemoryUsage,
		HighWaterMark:         cfg.FlowHighWaterMark,
		LowWaterMark:          cfg.FlowLowWaterMark,
		ProcessingRate:        float64(cfg.FlowProcessingRate),
		SlowConsumerThreshold: cfg.FlowSlowConsumerThreshold,
	}, clk)

	// --- SubscriptionBus, routed to WebSocket connections ---
	router := eventstream.NewRouter()
	bus := pubsub.New(pubsub.Config{
		MaxSubscriptionsPerUser:    cfg.PubsubMaxSubscriptionsPerUser,
		MaxSubscriptionsPerChannel: cfg.PubsubMaxSubscriptionsPerChannel,
		SubscriptionTimeout:        cfg.PubsubSubscriptionTimeout,
	}, clk, router)

	// Optional distributed relay (D.2): messages arriving on the Redis
	// channel are re-published on this replica's bus. Local bus.Publish
	// calls are not sent to Redis by this wiring.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		relay := pubsub.NewRelay(bus, rdb, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("pubsub relay stopped with error", "error", err)
			}
		}()
		logger.Info("distributed subscription relay enabled", "redis", cfg.RedisURL)
	} else {
		logger.Info("distributed subscription relay disabled (REDIS_URL not set)")
	}

	go sweepSubscriptions(ctx, bus, cfg.PubsubSubscriptionTimeout, logger)

	// --- ContainerManager ---
	cm := container.New(container.NewInMemoryRuntime(), container.IsolationPolicy{
		NonRootUser:         true,
		ReadOnlyRootFS:      true,
		WritablePaths:       []string{"/app/screenshots", "/app/reports"},
		DroppedCapabilities: []string{"ALL"},
		MemoryCapBytes:      cfg.ContainerMemoryCapBytes,
		CPUCapMillis:        cfg.ContainerCPUCapMillis,
		EgressDenyCIDRs:     []string{"169.254.0.0/16", "127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		EgressAllowPublic:   true,
	}, clk, logger, cfg.Concurrency)

	// --- Notification feed + Slack delivery (D.1) ---
	var dispatcher notification.Dispatcher
	if cfg.SlackBotToken != "" {
		slackDispatcher := notification.NewSlackDispatcher(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
		if slackDispatcher.IsEnabled() {
			dispatcher = slackDispatcher
			logger.Info("slack notification delivery enabled", "channel", cfg.SlackAlertChannel)
		}
	}
	if dispatcher == nil {
		logger.Info("slack notification delivery disabled (SLACK_BOT_TOKEN not set)")
	}
	feed := notification.New(cfg.NotificationFeedCapPerUser, clk, dispatcher)

	// --- HealingEngine config — one Engine is built per heal() call,
	// bound to the caller's userId; see httpapi.handleHeal.
	healCfg := healing.Config{
		Strategies:          healing.DefaultStrategies(),
		MaxAttempts:         cfg.HealingMaxAttempts,
		ConfidenceThreshold: cfg.HealingConfidenceThreshold,
	}

	// --- ArtifactCapture ---
	capture := artifact.New(artifact.NewInMemoryBlobStore(), artifact.Config{
		CompressScreenshots: true,
		CompressDOM:         true,
	}, clk, logger)

	// --- Orchestrator ---
	orch := orchestrator.New(orchestrator.Config{Concurrency: cfg.Concurrency}, fc, cm, bus, clk, logger)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, orch, providerPool, tokenBucket, capture, feed, healCfg, clk, router, bus, metricsReg)
	case "worker":
		return runWorker(ctx, logger, orch)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func sweepSubscriptions(ctx context.Context, bus *pubsub.Bus, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := bus.Sweep(); n > 0 {
				logger.Info("swept stale subscriptions", "count", n)
			}
		}
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, orch *orchestrator.Orchestrator, pool *provider.Pool, tokens *ratelimit.TokenBucket, capture *artifact.Capture, feed *notification.Feed, healCfg healing.Config, clk clock.Clock, router *eventstream.Router, bus *pubsub.Bus, metricsReg *prometheus.Registry) error {
	srv := httpapi.NewServer(cfg.CORSAllowedOrigins, logger, orch, pool, tokens, capture, feed, healCfg, clk, metricsReg)
	srv.Router.Get("/ws/events", eventstream.NewHandler(bus, router, logger).ServeHTTP)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return orch.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs in a mode with no HTTP surface: nothing in this process
// calls Orchestrator.Submit, so the worker only waits for shutdown and
// then shuts the Orchestrator down. The SubscriptionBus relay re-publishes
// bus messages; it does not submit executions.
func runWorker(ctx context.Context, logger *slog.Logger, orch *orchestrator.Orchestrator) error {
	logger.Info("worker started")
	<-ctx.Done()
	logger.Info("shutting down worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return orch.Shutdown(shutdownCtx)
}
