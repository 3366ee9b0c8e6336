package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

// DefaultStreamMaxLen bounds each tenant stream. Trimming is approximate.
const DefaultStreamMaxLen = 10_000

// StreamPublisher appends bridge events to a per-tenant Redis stream so a
// bridge that was offline can catch up from its last id.
type StreamPublisher struct {
	rdb    *goredis.Client
	maxLen int64
}

var _ domain.EventPublisher = (*StreamPublisher)(nil)

func NewStreamPublisher(rdb *goredis.Client, maxLen int64) *StreamPublisher {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &StreamPublisher{rdb: rdb, maxLen: maxLen}
}

func BridgeStream(tenantID string) string {
	return "bridge:stream:" + tenantID
}

func (p *StreamPublisher) Publish(ctx context.Context, event domain.BridgeEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge event: %w", err)
	}

	args := &goredis.XAddArgs{
		Stream: BridgeStream(event.TenantID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":        event.Type,
			"message_id":  event.MessageID,
			"occurred_at": event.OccurredAt.UnixMilli(),
			"data":        data,
		},
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append bridge event: %w", err)
	}
	return nil
}
