package twitch

import (
	"context"
	"errors"
	"maps"

	"github.com/Its-donkey/kappopher/helix"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

type conduitInfo struct {
	ID         string
	ShardCount int
}

type existingSubscription struct {
	ID        string
	Condition map[string]string
}

// eventSubAPI is the subset of Helix the EventSubManager drives.
type eventSubAPI interface {
	ListConduits(ctx context.Context) ([]conduitInfo, error)
	CreateConduit(ctx context.Context, shardCount int) (conduitInfo, error)
	UpdateWebhookShard(ctx context.Context, conduitID, shardID, callbackURL, secret string) error
	DeleteConduit(ctx context.Context, conduitID string) error
	CreateSubscription(ctx context.Context, conduitID string, spec domain.SubscriptionSpec) (string, error)
	// ListSubscriptions returns one page of subscriptions of eventType and
	// the cursor of the next page, empty on the last one.
	ListSubscriptions(ctx context.Context, eventType, cursor string) ([]existingSubscription, string, error)
}

// helixEventSubAPI adapts the kappopher client, authenticated with the app
// token, to eventSubAPI.
type helixEventSubAPI struct {
	client *helix.Client
}

func (h *helixEventSubAPI) ListConduits(ctx context.Context) ([]conduitInfo, error) {
	resp, err := h.client.GetConduits(ctx)
	if err != nil {
		return nil, err
	}

	conduits := make([]conduitInfo, 0, len(resp.Data))
	for _, c := range resp.Data {
		conduits = append(conduits, conduitInfo{ID: c.ID, ShardCount: c.ShardCount})
	}
	return conduits, nil
}

func (h *helixEventSubAPI) CreateConduit(ctx context.Context, shardCount int) (conduitInfo, error) {
	conduit, err := h.client.CreateConduit(ctx, shardCount)
	if err != nil {
		return conduitInfo{}, err
	}
	if conduit == nil {
		return conduitInfo{}, errors.New("no conduit returned from Twitch API")
	}
	return conduitInfo{ID: conduit.ID, ShardCount: conduit.ShardCount}, nil
}

func (h *helixEventSubAPI) UpdateWebhookShard(ctx context.Context, conduitID, shardID, callbackURL, secret string) error {
	shard := helix.UpdateConduitShardParams{
		ID: shardID,
		Transport: helix.UpdateConduitShardTransport{
			Method:   "webhook",
			Callback: callbackURL,
			Secret:   secret,
		},
	}
	params := helix.UpdateConduitShardsParams{ConduitID: conduitID, Shards: []helix.UpdateConduitShardParams{shard}}
	_, err := h.client.UpdateConduitShards(ctx, &params)
	return err
}

func (h *helixEventSubAPI) DeleteConduit(ctx context.Context, conduitID string) error {
	return h.client.DeleteConduit(ctx, conduitID)
}

func (h *helixEventSubAPI) CreateSubscription(ctx context.Context, conduitID string, spec domain.SubscriptionSpec) (string, error) {
	params := helix.CreateEventSubSubscriptionParams{
		Type:      spec.Type,
		Version:   spec.Version,
		Condition: maps.Clone(spec.Condition),
		Transport: helix.CreateEventSubTransport{
			Method:    "conduit",
			ConduitID: conduitID,
		},
	}
	sub, err := h.client.CreateEventSubSubscription(ctx, &params)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", errors.New("no subscription returned from Twitch API")
	}
	return sub.ID, nil
}

func (h *helixEventSubAPI) ListSubscriptions(ctx context.Context, eventType, cursor string) ([]existingSubscription, string, error) {
	params := helix.GetEventSubSubscriptionsParams{Type: eventType}
	if cursor != "" {
		params.PaginationParams = &helix.PaginationParams{After: cursor}
	}

	resp, err := h.client.GetEventSubSubscriptions(ctx, &params)
	if err != nil {
		return nil, "", err
	}

	subs := make([]existingSubscription, 0, len(resp.Data))
	for _, s := range resp.Data {
		subs = append(subs, existingSubscription{ID: s.ID, Condition: s.Condition})
	}

	next := ""
	if resp.Pagination != nil {
		next = resp.Pagination.Cursor
	}
	return subs, next, nil
}
