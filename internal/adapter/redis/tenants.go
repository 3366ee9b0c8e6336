package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// TenantsChangedChannel carries the broadcaster id of a tenant whose grant
// was created or updated by the REST gateway.
const TenantsChangedChannel = "tenants:changed"

// TenantListener calls onChange for every tenant change announced on
// TenantsChangedChannel.
type TenantListener struct {
	rdb      *goredis.Client
	onChange func(tenantID string)
}

func NewTenantListener(rdb *goredis.Client, onChange func(tenantID string)) *TenantListener {
	return &TenantListener{rdb: rdb, onChange: onChange}
}

// Run blocks until ctx is cancelled. go-redis resubscribes after connection
// loss on its own.
func (l *TenantListener) Run(ctx context.Context) {
	sub := l.rdb.Subscribe(ctx, TenantsChangedChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			slog.InfoContext(ctx, "Tenant change announced", "tenant_id", msg.Payload)
			l.onChange(msg.Payload)
		}
	}
}

// AnnounceTenantChange publishes a change for tenantID.
func AnnounceTenantChange(ctx context.Context, rdb *goredis.Client, tenantID string) error {
	return rdb.Publish(ctx, TenantsChangedChannel, tenantID).Err()
}
