package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

// Publisher forwards bridge events over Redis pub/sub, one channel per
// tenant.
type Publisher struct {
	rdb *goredis.Client
}

var _ domain.EventPublisher = (*Publisher)(nil)

func NewPublisher(rdb *goredis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func BridgeChannel(tenantID string) string {
	return "bridge:events:" + tenantID
}

func (p *Publisher) Publish(ctx context.Context, event domain.BridgeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge event: %w", err)
	}
	if err := p.rdb.Publish(ctx, BridgeChannel(event.TenantID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish bridge event: %w", err)
	}
	return nil
}
