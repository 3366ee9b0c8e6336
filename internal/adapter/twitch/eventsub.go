package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"golang.org/x/sync/errgroup"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/platform/retry"
)

const (
	defaultShardID        = "0"
	appTokenTimeout       = 15 * time.Second
	retryInitialBackoff   = 1 * time.Second
	retryRateLimitBackoff = 30 * time.Second
	subscribeConcurrency  = 4
)

type EventSubManagerConfig struct {
	ClientID     string
	ClientSecret string

	// ConduitID selects an existing conduit. It is required unless Manage
	// is set, in which case empty means find or create one.
	ConduitID string
	ShardID   string

	// Manage lets the manager find or create the conduit and point its
	// webhook shard at CallbackURL. Without it the conduit and its shards
	// belong to someone else and are used as they are.
	Manage bool

	// DeleteOnShutdown removes a conduit this process created when Cleanup
	// runs. Conduits are shared by every instance, so this only suits a
	// single-instance deployment.
	DeleteOnShutdown bool

	// Webhook points the shard at CallbackURL. Otherwise the shard is bound
	// to the WebSocket session by ConduitBinder once a welcome arrives.
	Webhook     bool
	CallbackURL string
	Secret      string
}

// EventSubManager owns the conduit and its subscriptions.
type EventSubManager struct {
	api   eventSubAPI
	cfg   EventSubManagerConfig
	retry retry.Policy

	conduitID string
	created   bool
}

func NewEventSubManager(cfg EventSubManagerConfig) (*EventSubManager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), appTokenTimeout)
	defer cancel()

	authConfig := helix.AuthConfig{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret}
	auth := helix.NewAuthClient(authConfig)
	client := helix.NewClient(cfg.ClientID, auth)

	if _, err := auth.GetAppAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("failed to get app access token: %w", err)
	}

	return newEventSubManager(&helixEventSubAPI{client: client}, cfg), nil
}

func newEventSubManager(api eventSubAPI, cfg EventSubManagerConfig) *EventSubManager {
	if cfg.ShardID == "" {
		cfg.ShardID = defaultShardID
	}
	return &EventSubManager{api: api, cfg: cfg, retry: getRetryPolicy()}
}

// ConduitID is known after Setup.
func (m *EventSubManager) ConduitID() string {
	return m.conduitID
}

func (m *EventSubManager) Setup(ctx context.Context) error {
	if !m.cfg.Manage {
		if m.cfg.ConduitID == "" {
			return errors.New("a conduit id is required when the conduit is not managed")
		}
		m.conduitID = m.cfg.ConduitID
		slog.Info("Using externally managed conduit", "conduit_id", m.conduitID)
		return nil
	}

	if m.cfg.ConduitID != "" {
		m.conduitID = m.cfg.ConduitID
		slog.Info("Using configured conduit", "conduit_id", m.conduitID)
	} else {
		conduit, err := m.findOrCreateConduit(ctx)
		if err != nil {
			return err
		}
		m.conduitID = conduit.ID
	}

	if !m.cfg.Webhook {
		return nil
	}

	if err := m.configureWebhookShard(ctx, m.conduitID); err != nil {
		// Only a conduit created here may be thrown away.
		if !m.created {
			return err
		}
		conduit, err := m.recreateConduit(ctx, m.conduitID, err)
		if err != nil {
			return err
		}
		m.conduitID = conduit.ID
	}

	slog.Info("Conduit configured with webhook shard", "conduit_id", m.conduitID, "callback_url", m.cfg.CallbackURL)
	return nil
}

func (m *EventSubManager) findOrCreateConduit(ctx context.Context) (conduitInfo, error) {
	conduits, err := m.api.ListConduits(ctx)
	if err != nil {
		return conduitInfo{}, fmt.Errorf("failed to list conduits: %w", err)
	}

	if len(conduits) > 0 {
		slog.Info("Found existing conduit", "conduit_id", conduits[0].ID)
		return conduits[0], nil
	}

	return m.createConduit(ctx)
}

func (m *EventSubManager) createConduit(ctx context.Context) (conduitInfo, error) {
	conduit, err := m.api.CreateConduit(ctx, 1)
	if err != nil {
		return conduitInfo{}, fmt.Errorf("failed to create conduit: %w", err)
	}

	m.created = true
	slog.Info("Created conduit", "conduit_id", conduit.ID, "shard_count", conduit.ShardCount)
	return conduit, nil
}

func (m *EventSubManager) configureWebhookShard(ctx context.Context, conduitID string) error {
	if err := m.api.UpdateWebhookShard(ctx, conduitID, m.cfg.ShardID, m.cfg.CallbackURL, m.cfg.Secret); err != nil {
		return fmt.Errorf("failed to update conduit shards: %w", err)
	}
	return nil
}

func (m *EventSubManager) recreateConduit(ctx context.Context, staleID string, shardErr error) (conduitInfo, error) {
	slog.Error("Shard configuration failed, recreating conduit", "conduit_id", staleID, "error", shardErr)

	if err := m.api.DeleteConduit(ctx, staleID); err != nil {
		return conduitInfo{}, fmt.Errorf("failed to delete stale conduit: %w", err)
	}

	conduit, err := m.createConduit(ctx)
	if err != nil {
		return conduitInfo{}, err
	}

	if err := m.configureWebhookShard(ctx, conduit.ID); err != nil {
		return conduitInfo{}, fmt.Errorf("failed to configure shard on new conduit: %w", err)
	}

	return conduit, nil
}

// Cleanup deletes the conduit when this process created it and
// DeleteOnShutdown is set. Deleting a conduit removes its subscriptions on
// Twitch as well.
func (m *EventSubManager) Cleanup(ctx context.Context) error {
	if m.conduitID == "" || !m.created || !m.cfg.DeleteOnShutdown {
		return nil
	}

	if err := m.api.DeleteConduit(ctx, m.conduitID); err != nil {
		return fmt.Errorf("failed to delete conduit: %w", err)
	}

	slog.Info("Deleted conduit", "conduit_id", m.conduitID)
	return nil
}

// SubscribeAll creates every subscription, a few at a time. Failures are
// logged and joined; one tenant failing does not stop the others.
func (m *EventSubManager) SubscribeAll(ctx context.Context, specs []domain.SubscriptionSpec) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(subscribeConcurrency)
	for _, spec := range specs {
		g.Go(func() error {
			if err := m.Subscribe(gctx, spec); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("EventSub subscriptions ensured", "requested", len(specs), "failed", len(errs))
	return errors.Join(errs...)
}

func (m *EventSubManager) Subscribe(ctx context.Context, spec domain.SubscriptionSpec) error {
	p := m.retry
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("EventSub subscribe failed, retrying", "type", spec.Type, "condition", spec.Condition, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	id, err := retry.Do(ctx, p, classifyEventSubError, func(int) (string, error) {
		return m.attemptSubscribe(ctx, spec)
	})
	if err != nil {
		label := "after retries"
		if _, ok := errors.AsType[*retry.PermanentError](err); ok {
			label = "permanent"
		}

		slog.Error("EventSub subscribe failed", "type", spec.Type, "condition", spec.Condition, "cause", label, "error", err)
		return fmt.Errorf("EventSub subscribe %s failed (%s): %w", spec.Type, label, err)
	}

	slog.Info("Subscribed to EventSub", "type", spec.Type, "condition", spec.Condition, "subscription_id", id)
	return nil
}

func (m *EventSubManager) attemptSubscribe(ctx context.Context, spec domain.SubscriptionSpec) (string, error) {
	id, err := m.api.CreateSubscription(ctx, m.conduitID, spec)
	if err != nil {
		if apiErr, ok := errors.AsType[*helix.APIError](err); ok && apiErr.StatusCode == http.StatusConflict {
			slog.Info("EventSub subscription already exists on Twitch, recovering", "type", spec.Type, "condition", spec.Condition)
			return m.findExistingSubscription(ctx, spec)
		}
		return "", fmt.Errorf("failed to create EventSub subscription: %w", err)
	}
	return id, nil
}

func (m *EventSubManager) findExistingSubscription(ctx context.Context, spec domain.SubscriptionSpec) (string, error) {
	cursor := ""
	for {
		subs, next, err := m.api.ListSubscriptions(ctx, spec.Type, cursor)
		if err != nil {
			return "", fmt.Errorf("failed to list subscriptions for 409 recovery: %w", err)
		}

		for _, sub := range subs {
			if conditionMatches(sub.Condition, spec.Condition) {
				return sub.ID, nil
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	return "", fmt.Errorf("subscription %s not found on Twitch despite 409 conflict (condition=%v)", spec.Type, spec.Condition)
}

func conditionMatches(got, want map[string]string) bool {
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func classifyEventSubError(err error) retry.Action {
	apiErr, ok := errors.AsType[*helix.APIError](err)
	if !ok {
		return retry.Retry
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case apiErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}

func getRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:      3,
		InitialBackoff:   retryInitialBackoff,
		RateLimitBackoff: retryRateLimitBackoff,
	}
}
