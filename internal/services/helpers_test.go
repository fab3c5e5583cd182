package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"auction-monitor/internal/domain"

	"github.com/shopspring/decimal"
)

// fakeAPI answers snapshot and bid calls from functions set by each test.
type fakeAPI struct {
	mu       sync.Mutex
	snapshot func(auctionID string) (*domain.AuctionSnapshot, error)
	bid      func(auctionID string, amount decimal.Decimal) (*domain.BidResult, error)
	polls    map[string]int
	bids     []decimal.Decimal
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{polls: make(map[string]int)}
}

func (f *fakeAPI) GetAuctionSnapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error) {
	f.mu.Lock()
	f.polls[auctionID]++
	fn := f.snapshot
	f.mu.Unlock()
	if fn == nil {
		return nil, domain.NewNotFoundError(auctionID)
	}
	return fn(auctionID)
}

func (f *fakeAPI) PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) (*domain.BidResult, error) {
	f.mu.Lock()
	f.bids = append(f.bids, amount)
	fn := f.bid
	f.mu.Unlock()
	if fn == nil {
		return &domain.BidResult{AuctionID: auctionID, Amount: amount, Success: true, NewBid: amount}, nil
	}
	return fn(auctionID, amount)
}

func (f *fakeAPI) pollCount(auctionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[auctionID]
}

func (f *fakeAPI) placedBids() []decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]decimal.Decimal(nil), f.bids...)
}

// fakeTransport records what the broadcaster delivers to one client.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	full   bool
}

func (t *fakeTransport) TrySend(payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return false
	}
	t.sent = append(t.sent, payload)
	return true
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) messages() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func activeSnapshot(auctionID string, origin domain.SnapshotOrigin, bid string, remaining int) *domain.AuctionSnapshot {
	snap := domain.FullSnapshot(auctionID, origin, domain.AuctionData{
		CurrentBid:           dec(bid),
		TimeRemainingSeconds: remaining,
		BidCount:             1,
		Status:               domain.AuctionActive,
	})
	return &snap
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
