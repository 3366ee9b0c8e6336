package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Transport modes for EventSub delivery.
const (
	TransportWebSocket = "websocket"
	TransportWebhook   = "webhook"
	TransportBoth      = "both"
)

type Config struct {
	AppEnv             string `env:"APP_ENV" default:"development"`
	Port               string `env:"PORT" default:"8080"`
	DatabaseURL        string `env:"DATABASE_URL"`
	RedisURL           string `env:"REDIS_URL"`
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`
	BotUserID          string `env:"BOT_USER_ID"`
	LogLevel           string `env:"LOG_LEVEL" default:"info"`
	LogFormat          string `env:"LOG_FORMAT" default:"text"`

	HelixBaseURL  string `env:"HELIX_BASE_URL" default:"https://api.twitch.tv/helix"`
	OAuthTokenURL string `env:"OAUTH_TOKEN_URL" default:"https://id.twitch.tv/oauth2/token"`

	EventSubTransport  string `env:"EVENTSUB_TRANSPORT" default:"websocket"`
	EventSubURL        string `env:"EVENTSUB_WS_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	ConduitID          string `env:"CONDUIT_ID"`
	ConduitShardID     string `env:"CONDUIT_SHARD_ID" default:"0"`
	ManageConduit      bool   `env:"MANAGE_CONDUIT" default:"true"`
	DeleteConduit      bool   `env:"CONDUIT_DELETE_ON_SHUTDOWN" default:"false"`
	WebhookCallbackURL string `env:"WEBHOOK_CALLBACK_URL"`
	WebhookSecret      string `env:"WEBHOOK_SECRET"`

	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" default:"10"`
	KeepaliveMaxMissed   int           `env:"KEEPALIVE_MAX_MISSED" default:"3"`
	ReconnectGrace       time.Duration `env:"RECONNECT_GRACE" default:"1s"`
	WebhookMaxAge        time.Duration `env:"WEBHOOK_MAX_AGE" default:"10m"`
	DedupeTTL            time.Duration `env:"WEBHOOK_DEDUPE_TTL" default:"10m"`
	WebhookRateLimit     float64       `env:"WEBHOOK_RATE_LIMIT" default:"500"`
	WebhookRateBurst     int           `env:"WEBHOOK_RATE_BURST" default:"1000"`

	SubscriptionReconcileInterval time.Duration `env:"SUBSCRIPTION_RECONCILE_INTERVAL" default:"5m"`
}

// UsesWebSocket reports whether the WebSocket session should be started.
func (c *Config) UsesWebSocket() bool {
	return c.EventSubTransport == TransportWebSocket || c.EventSubTransport == TransportBoth
}

// UsesWebhook reports whether the webhook route should be mounted.
func (c *Config) UsesWebhook() bool {
	return c.EventSubTransport == TransportWebhook || c.EventSubTransport == TransportBoth
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"TWITCH_CLIENT_ID", cfg.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret},
		{"TOKEN_ENCRYPTION_KEY", cfg.TokenEncryptionKey},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	modes := []string{TransportWebSocket, TransportWebhook, TransportBoth}
	if !slices.Contains(modes, cfg.EventSubTransport) {
		return fmt.Errorf("EVENTSUB_TRANSPORT must be one of %v, got %q", modes, cfg.EventSubTransport)
	}

	if cfg.UsesWebhook() {
		if cfg.WebhookSecret == "" {
			return errors.New("WEBHOOK_SECRET is required")
		}
		if len(cfg.WebhookSecret) < 10 || len(cfg.WebhookSecret) > 100 {
			return errors.New("WEBHOOK_SECRET must be between 10 and 100 characters")
		}
	}
	if cfg.ManageConduit && cfg.EventSubTransport == TransportWebhook && cfg.WebhookCallbackURL == "" {
		return errors.New("WEBHOOK_CALLBACK_URL is required when MANAGE_CONDUIT is set")
	}
	if !cfg.ManageConduit && cfg.ConduitID == "" {
		return errors.New("CONDUIT_ID is required when MANAGE_CONDUIT is false")
	}

	if cfg.ReconnectMaxAttempts < 1 {
		return errors.New("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.KeepaliveMaxMissed < 1 {
		return errors.New("KEEPALIVE_MAX_MISSED must be at least 1")
	}
	if cfg.ReconnectBaseDelay <= 0 || cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return errors.New("RECONNECT_BASE_DELAY must be positive and not exceed RECONNECT_MAX_DELAY")
	}

	if cfg.SubscriptionReconcileInterval <= 0 {
		return errors.New("SUBSCRIPTION_RECONCILE_INTERVAL must be positive")
	}

	keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
	}

	return nil
}
