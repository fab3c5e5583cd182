package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"auction-monitor/internal/domain"

	"github.com/go-redis/redis/v8"
)

const maxHistoryEntries = 500

// RedisStore implements domain.Storage. Bid history is a capped list per auction.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func historyKey(auctionID string) string {
	return fmt.Sprintf("monitor:auction:%s:bids", auctionID)
}

// Get returns nil, nil for a missing key.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key, historyKey(trimAuctionKey(key))).Err()
}

func (r *RedisStore) AppendBidHistory(ctx context.Context, auctionID string, entry domain.BidHistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, historyKey(auctionID), data)
	pipe.LTrim(ctx, historyKey(auctionID), -maxHistoryEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetBidHistory(ctx context.Context, auctionID string) ([]domain.BidHistoryEntry, error) {
	items, err := r.client.LRange(ctx, historyKey(auctionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.BidHistoryEntry, 0, len(items))
	for _, item := range items {
		var entry domain.BidHistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// trimAuctionKey maps "monitor:auction:<id>" to <id> so deleting an auction
// also drops its history. Other keys map to themselves.
func trimAuctionKey(key string) string {
	const prefix = "monitor:auction:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}
