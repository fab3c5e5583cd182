package redis

import (
	"context"
	"testing"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	got, err := store.Get(ctx, "monitor:auction:a1")
	if err != nil || got != nil {
		t.Fatalf("Get missing = %q, %v; want nil, nil", got, err)
	}

	if err := store.Set(ctx, "monitor:auction:a1", []byte(`{"auctionId":"a1"}`)); err != nil {
		t.Fatal(err)
	}
	_ = store.AppendBidHistory(ctx, "a1", domain.BidHistoryEntry{AuctionID: "a1", Amount: decimal.NewFromInt(5)})

	got, _ = store.Get(ctx, "monitor:auction:a1")
	if string(got) != `{"auctionId":"a1"}` {
		t.Errorf("Get = %q", got)
	}

	if err := store.Delete(ctx, "monitor:auction:a1"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, "monitor:auction:a1")
	history, _ := store.GetBidHistory(ctx, "a1")
	if got != nil || len(history) != 0 {
		t.Errorf("after Delete: value %q, history %d entries", got, len(history))
	}
}

func TestRedisStore_HistoryIsCapped(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	for i := 0; i < maxHistoryEntries+10; i++ {
		entry := domain.BidHistoryEntry{AuctionID: "a1", Amount: decimal.NewFromInt(int64(i)), Success: true}
		if err := store.AppendBidHistory(ctx, "a1", entry); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.GetBidHistory(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != maxHistoryEntries {
		t.Fatalf("history length = %d, want %d", len(history), maxHistoryEntries)
	}
	if !history[0].Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("oldest kept amount = %s, want 10", history[0].Amount)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewRedisStore(client)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := store.Get(ctx, "k"); err == nil {
		t.Error("Get succeeded against a stopped server")
	}
	if err := store.Ping(ctx); err == nil {
		t.Error("Ping succeeded against a stopped server")
	}
}

func TestRedisBidLock(t *testing.T) {
	client, mr := newTestClient(t)
	lock := NewRedisBidLock(client, 10*time.Second)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "a1", "instance-1")
	if err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v", ok, err)
	}
	ok, _ = lock.Acquire(ctx, "a1", "instance-2")
	if ok {
		t.Fatal("second instance acquired a held lock")
	}

	// Only the holder can release.
	_ = lock.Release(ctx, "a1", "instance-2")
	if !mr.Exists(bidLockKey("a1")) {
		t.Fatal("lock released by a non-holder")
	}
	if err := lock.Release(ctx, "a1", "instance-1"); err != nil {
		t.Fatal(err)
	}
	ok, _ = lock.Acquire(ctx, "a1", "instance-2")
	if !ok {
		t.Error("lock not free after release")
	}
}

func TestRedisBidLock_Expires(t *testing.T) {
	client, mr := newTestClient(t)
	lock := NewRedisBidLock(client, 5*time.Second)
	ctx := context.Background()

	_, _ = lock.Acquire(ctx, "a1", "instance-1")
	mr.FastForward(6 * time.Second)

	ok, _ := lock.Acquire(ctx, "a1", "instance-2")
	if !ok {
		t.Error("expired lock still held")
	}
}

func TestEventPublishSubscribe(t *testing.T) {
	client, _ := newTestClient(t)
	publisher := NewEventPublisher(client)
	subscriber := NewRedisEventSubscriber(client, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *domain.AuctionEvent, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- subscriber.SubscribeToAuctionEvents(ctx, func(event *domain.AuctionEvent) error {
			select {
			case received <- event:
			default:
			}
			return nil
		})
	}()

	want := &domain.AuctionEvent{
		ID:        "evt-1",
		Type:      domain.EventBidPlaced,
		AuctionID: "a1",
		Amount:    decimal.RequireFromString("12.50"),
		Success:   true,
		Origin:    "instance-1",
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}

	// Publish until the subscription is live.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-received:
			if got.ID != want.ID || !got.Amount.Equal(want.Amount) || got.Origin != want.Origin {
				t.Errorf("received %+v, want %+v", got, want)
			}
			cancel()
			if err := <-errCh; err != context.Canceled {
				t.Errorf("subscriber returned %v, want context.Canceled", err)
			}
			return
		case <-ticker.C:
			if err := publisher.PublishAuctionEvent(context.Background(), want); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatalf("no event received on %s", AuctionEventsChannel)
		}
	}
}
