package twitch

import (
	"context"
	"log/slog"
)

type shardUpdater interface {
	UpdateConduitShards(ctx context.Context, conduitID string, shards []ShardUpdate) error
}

// ConduitBinder points one conduit shard at the current WebSocket session.
type ConduitBinder struct {
	api       shardUpdater
	conduitID string
	shardID   string
}

func NewConduitBinder(api shardUpdater, conduitID, shardID string) *ConduitBinder {
	if shardID == "" {
		shardID = defaultShardID
	}
	return &ConduitBinder{api: api, conduitID: conduitID, shardID: shardID}
}

func (b *ConduitBinder) BindSession(ctx context.Context, sessionID string) error {
	shard := ShardUpdate{
		ID:        b.shardID,
		Transport: ShardTransport{Method: "websocket", SessionID: sessionID},
	}
	if err := b.api.UpdateConduitShards(ctx, b.conduitID, []ShardUpdate{shard}); err != nil {
		return err
	}
	slog.DebugContext(ctx, "Conduit shard transport updated", "conduit_id", b.conduitID, "shard_id", b.shardID)
	return nil
}
