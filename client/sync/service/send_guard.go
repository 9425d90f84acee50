package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sendIdempotencyTTL = 24 * time.Hour

// SendGuard reserves client message ids so a retry after an ambiguous
// failure cannot double-send. Backed by Redis SetNX; a nil guard (no Redis
// configured) reserves everything.
type SendGuard struct {
	redis *redis.Client
}

func NewSendGuard(client *redis.Client) *SendGuard {
	return &SendGuard{redis: client}
}

func (g *SendGuard) Reserve(ctx context.Context, conversationID, userID, clientMsgID string) (bool, error) {
	if g == nil || g.redis == nil {
		return true, nil
	}
	key := sendIdempotencyKey(conversationID, userID, clientMsgID)
	return g.redis.SetNX(ctx, key, "1", sendIdempotencyTTL).Result()
}

// Release frees a reservation after a definite send failure so a
// user-initiated retry can reuse the same client message id.
func (g *SendGuard) Release(ctx context.Context, conversationID, userID, clientMsgID string) {
	if g == nil || g.redis == nil {
		return
	}
	key := sendIdempotencyKey(conversationID, userID, clientMsgID)
	_, _ = g.redis.Del(ctx, key).Result()
}

func sendIdempotencyKey(conversationID, userID, clientMsgID string) string {
	return fmt.Sprintf("sync:send:idempotency:%s:%s:%s", conversationID, userID, clientMsgID)
}
