package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL covers Twitch's webhook retry window.
const DefaultDedupeTTL = 10 * time.Minute

// Deduper remembers webhook message ids for ttl so redeliveries are
// acknowledged without being dispatched again.
type Deduper struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewDeduper(rdb *goredis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &Deduper{rdb: rdb, ttl: ttl}
}

// FirstSeen claims messageID and reports whether this call was the first.
func (d *Deduper) FirstSeen(ctx context.Context, messageID string) (bool, error) {
	args := goredis.SetArgs{TTL: d.ttl, Mode: "NX"}
	_, err := d.rdb.SetArgs(ctx, dedupeKey(messageID), "1", args).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim message id: %w", err)
	}
	return true, nil
}

func dedupeKey(messageID string) string {
	return "eventsub:message:" + messageID
}
