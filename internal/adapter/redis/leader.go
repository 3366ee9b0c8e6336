package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const DefaultLeaderTTL = 30 * time.Second

// Only the owner may extend or drop the lock.
var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// LeaderLock is a single-key lease used to elect one instance for
// cluster-wide background work. The lease expires after ttl unless renewed.
type LeaderLock struct {
	rdb   *goredis.Client
	key   string
	owner string
	ttl   time.Duration
}

func NewLeaderLock(rdb *goredis.Client, key, owner string, ttl time.Duration) *LeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeaderTTL
	}
	return &LeaderLock{rdb: rdb, key: key, owner: owner, ttl: ttl}
}

func (l *LeaderLock) Owner() string {
	return l.owner
}

// TryAcquire takes the lease if nobody holds it.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	args := goredis.SetArgs{TTL: l.ttl, Mode: "NX"}
	_, err := l.rdb.SetArgs(ctx, l.key, l.owner, args).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return true, nil
}

// Renew extends the lease. It reports false when another owner holds the
// key or the lease already expired.
func (l *LeaderLock) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew leader lock: %w", err)
	}
	return n == 1, nil
}

// Release drops the lease if this instance still owns it.
func (l *LeaderLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
