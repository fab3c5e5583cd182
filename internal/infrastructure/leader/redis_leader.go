package leader

import (
	"context"
	"errors"
	"sync"
	"time"

	"auction-monitor/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const leaderKey = "auction_monitor_leader"

// RedisLeaderElection decides which instance places autonomous bids.
type RedisLeaderElection struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger

	mu       sync.Mutex
	stopBeat context.CancelFunc
}

func NewRedisLeaderElection(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisLeaderElection {
	return &RedisLeaderElection{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func (r *RedisLeaderElection) BecomeLeader(ctx context.Context, instanceID string) (bool, error) {
	result, err := r.client.SetNX(ctx, leaderKey, instanceID, r.ttl).Result()
	if err != nil {
		return false, err
	}

	if result {
		r.mu.Lock()
		if r.stopBeat != nil {
			r.stopBeat()
		}
		beatCtx, cancel := context.WithCancel(context.Background())
		r.stopBeat = cancel
		r.mu.Unlock()

		r.log.Info("Acquired leadership", "instance_id", instanceID)
		go r.maintainLeadership(beatCtx, instanceID)
	}

	return result, nil
}

func (r *RedisLeaderElection) IsLeader(ctx context.Context, instanceID string) (bool, error) {
	currentLeader, err := r.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	return currentLeader == instanceID, nil
}

func (r *RedisLeaderElection) ReleaseLeadership(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	if r.stopBeat != nil {
		r.stopBeat()
		r.stopBeat = nil
	}
	r.mu.Unlock()

	// Use Lua script to ensure atomic release
	luaScript := `
        if redis.call("GET", KEYS[1]) == ARGV[1] then
            return redis.call("DEL", KEYS[1])
        else
            return 0
        end
    `

	_, err := r.client.Eval(ctx, luaScript, []string{leaderKey}, instanceID).Result()
	return err
}

func (r *RedisLeaderElection) maintainLeadership(beatCtx context.Context, instanceID string) {
	ticker := time.NewTicker(r.ttl / 3) // Refresh at 1/3 of TTL
	defer ticker.Stop()

	for {
		select {
		case <-beatCtx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(beatCtx, 5*time.Second)

		// Extend TTL if still leader
		luaScript := `
            if redis.call("GET", KEYS[1]) == ARGV[1] then
                return redis.call("EXPIRE", KEYS[1], ARGV[2])
            else
                return 0
            end
        `

		result, err := r.client.Eval(ctx, luaScript, []string{leaderKey},
			instanceID, int(r.ttl.Seconds())).Result()

		cancel()

		if n, ok := result.(int64); err != nil || !ok || n == 0 {
			// Lost leadership, stop heartbeat
			r.log.Warn("Lost leadership", "instance_id", instanceID, "error", err)
			return
		}
	}
}

// Campaign keeps trying to become leader until ctx ends.
func (r *RedisLeaderElection) Campaign(ctx context.Context, instanceID string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if leader, err := r.IsLeader(ctx, instanceID); err == nil && !leader {
			if _, err := r.BecomeLeader(ctx, instanceID); err != nil {
				r.log.Warn("Leader election failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
