package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the lock only if the caller still holds it.
var releaseScript = redis.NewScript(`
        if redis.call("GET", KEYS[1]) == ARGV[1] then
            return redis.call("DEL", KEYS[1])
        else
            return 0
        end
    `)

// RedisBidLock keeps instances sharing one Redis from bidding on the same
// auction at the same time.
type RedisBidLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisBidLock(client *redis.Client, ttl time.Duration) *RedisBidLock {
	return &RedisBidLock{client: client, ttl: ttl}
}

func bidLockKey(auctionID string) string {
	return fmt.Sprintf("monitor:auction:%s:bidlock", auctionID)
}

func (r *RedisBidLock) Acquire(ctx context.Context, auctionID, holder string) (bool, error) {
	return r.client.SetNX(ctx, bidLockKey(auctionID), holder, r.ttl).Result()
}

func (r *RedisBidLock) Release(ctx context.Context, auctionID, holder string) error {
	return releaseScript.Run(ctx, r.client, []string{bidLockKey(auctionID)}, holder).Err()
}
