package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/streamwizard/streamwizard-backend/internal/adapter/eventpublisher"
	"github.com/streamwizard/streamwizard-backend/internal/adapter/httpserver"
	"github.com/streamwizard/streamwizard-backend/internal/adapter/metrics"
	"github.com/streamwizard/streamwizard-backend/internal/adapter/postgres"
	"github.com/streamwizard/streamwizard-backend/internal/adapter/redis"
	"github.com/streamwizard/streamwizard-backend/internal/adapter/twitch"
	"github.com/streamwizard/streamwizard-backend/internal/adapter/websocket"
	"github.com/streamwizard/streamwizard-backend/internal/app"
	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/eventsub"
	"github.com/streamwizard/streamwizard-backend/internal/platform/config"
	"github.com/streamwizard/streamwizard-backend/internal/platform/crypto"
	"github.com/streamwizard/streamwizard-backend/internal/platform/logging"
	"github.com/streamwizard/streamwizard-backend/internal/platform/retry"
	"github.com/streamwizard/streamwizard-backend/internal/platform/version"
)

const (
	startupTimeout      = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
	breakerProbeDelay   = 5 * time.Second
	reconcilerLeaderKey = "eventsub:reconciler:leader"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(ctx context.Context, cfg *config.Config, m *metrics.PostgresMetrics) *pgxpool.Pool {
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.WithQueryObserver(m))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	rdb, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewMetricsHook(m),
		redis.NewCircuitBreakerHook(breakerProbeDelay, m),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return rdb
}

func setupEventSub(ctx context.Context, cfg *config.Config) *twitch.EventSubManager {
	manager, err := twitch.NewEventSubManager(twitch.EventSubManagerConfig{
		ClientID:         cfg.TwitchClientID,
		ClientSecret:     cfg.TwitchClientSecret,
		ConduitID:        cfg.ConduitID,
		ShardID:          cfg.ConduitShardID,
		Manage:           cfg.ManageConduit,
		DeleteOnShutdown: cfg.DeleteConduit,
		Webhook:          cfg.EventSubTransport == config.TransportWebhook,
		CallbackURL:      cfg.WebhookCallbackURL,
		Secret:           cfg.WebhookSecret,
	})
	if err != nil {
		slog.Error("Failed to create EventSub manager", "error", err)
		os.Exit(1)
	}

	if err := manager.Setup(ctx); err != nil {
		slog.Error("Failed to set up conduit", "error", err)
		os.Exit(1)
	}
	return manager
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

func main() {
	cfg := setupConfig()
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "transport", cfg.EventSubTransport, "build", version.Get())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	registry := metrics.NewRegistry()

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool := setupDB(startupCtx, cfg, metrics.NewPostgresMetrics(registry))
	defer pool.Close()

	rdb := setupRedis(startupCtx, cfg, metrics.NewRedisMetrics(registry))
	defer func() { _ = rdb.Close() }()

	cipher, err := crypto.NewAESGCM(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create token cipher", "error", err)
		os.Exit(1)
	}
	credentials := postgres.NewCredentialRepo(pool, cipher)

	tokens := twitch.NewTokenProvider(cfg.TwitchClientID, cfg.TwitchClientSecret, credentials,
		twitch.WithTokenURL(cfg.OAuthTokenURL),
		twitch.WithTokenClock(clock),
	)
	api := twitch.NewAPIClient(cfg.TwitchClientID, tokens, twitch.WithHelixURL(cfg.HelixBaseURL))
	publisher := eventpublisher.New(
		eventpublisher.Sink{Name: "stream", Publisher: redis.NewStreamPublisher(rdb, redis.DefaultStreamMaxLen)},
		eventpublisher.Sink{Name: "pubsub", Publisher: redis.NewPublisher(rdb)},
	)
	contexts := twitch.NewContextFactory(api, tokens, publisher)

	handlers := eventsub.NewRegistry()
	if err := app.NewHandlers(clock).Register(handlers); err != nil {
		slog.Error("Failed to register handlers", "error", err)
		os.Exit(1)
	}
	dispatcher := eventsub.NewDispatcher(handlers, contexts,
		eventsub.WithDispatchObserver(metrics.NewDispatchMetrics(registry)),
	)

	manager := setupEventSub(startupCtx, cfg)
	cancel()

	healthChecks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}

	var session *eventsub.Session
	if cfg.UsesWebSocket() {
		session = eventsub.NewSession(eventsub.SessionConfig{
			URL: cfg.EventSubURL,
			Backoff: retry.Backoff{
				Base:        cfg.ReconnectBaseDelay,
				Cap:         cfg.ReconnectMaxDelay,
				Jitter:      time.Second,
				MaxAttempts: cfg.ReconnectMaxAttempts,
			},
			MaxMissedKeepalives: cfg.KeepaliveMaxMissed,
			ReconnectGrace:      cfg.ReconnectGrace,
		}, websocket.NewTransport(), dispatcher,
			eventsub.WithClock(clock),
			eventsub.WithShardBinder(twitch.NewConduitBinder(api, manager.ConduitID(), cfg.ConduitShardID)),
			eventsub.WithSessionObserver(metrics.NewSessionMetrics(registry)),
		)
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name: "eventsub_session",
			Check: func(context.Context) error {
				if state := session.State(); state != domain.SessionConnected {
					return fmt.Errorf("session is %s", state)
				}
				return nil
			},
		})
	}

	serverCfg := httpserver.Config{
		Port:         cfg.Port,
		Metrics:      metrics.Handler(registry),
		HTTPMetrics:  metrics.NewHTTPMetrics(registry),
		HealthChecks: healthChecks,
		WebhookRate:  cfg.WebhookRateLimit,
		WebhookBurst: cfg.WebhookRateBurst,
	}
	if cfg.UsesWebhook() {
		serverCfg.Webhook = twitch.NewWebhookHandler(cfg.WebhookSecret, dispatcher,
			twitch.WithDeduper(redis.NewDeduper(rdb, cfg.DedupeTTL)),
			twitch.WithWebhookObserver(metrics.NewWebhookMetrics(registry)),
			twitch.WithWebhookClock(clock),
			twitch.WithMaxMessageAge(cfg.WebhookMaxAge),
		)
	}
	srv := httpserver.NewServer(serverCfg)

	reconciler := app.NewSubscriptionReconciler(credentials, app.NewCatalogue(cfg.BotUserID), manager,
		app.WithReconcileInterval(cfg.SubscriptionReconcileInterval),
		app.WithReconcilerClock(clock),
		app.WithLeaseRenewInterval(redis.DefaultLeaderTTL/3),
		app.WithLeadership(redis.NewLeaderLock(rdb, reconcilerLeaderKey, instanceID(), redis.DefaultLeaderTTL)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		redis.NewTenantListener(rdb, func(string) { reconciler.Trigger() }).Run(gctx)
		return nil
	})
	if session != nil {
		session.Connect()
		g.Go(func() error {
			if err := session.Run(gctx); err != nil {
				return fmt.Errorf("eventsub session stopped: %w", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		slog.Error("Service stopped with error", "error", runErr)
	}

	shutdown(dispatcher, manager)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
	slog.Info("Service stopped")
}

func shutdown(dispatcher *eventsub.Dispatcher, manager *twitch.EventSubManager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := dispatcher.Wait(ctx); err != nil {
		slog.Warn("In-flight dispatches did not finish", "error", err)
	}
	if err := manager.Cleanup(ctx); err != nil {
		slog.Error("Failed to clean up conduit", "error", err)
	}
}
