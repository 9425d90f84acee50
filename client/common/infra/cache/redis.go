package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// The edge cache is optional for the daemon: short timeouts so a missing or
// slow Redis fails the startup ping quickly instead of stalling every send.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}
