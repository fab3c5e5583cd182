package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/internal/infrastructure/memory"
	"auction-monitor/pkg/logger"

	"github.com/shopspring/decimal"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []*domain.AuctionEvent
}

func (p *capturingPublisher) PublishAuctionEvent(ctx context.Context, event *domain.AuctionEvent) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturingPublisher) published() []*domain.AuctionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.AuctionEvent(nil), p.events...)
}

type capturingNotifier struct {
	mu      sync.Mutex
	results []domain.BidResult
}

func (n *capturingNotifier) NotifyBidResult(result domain.BidResult) {
	n.mu.Lock()
	n.results = append(n.results, result)
	n.mu.Unlock()
}

type staticLeader struct{ leader bool }

func (l staticLeader) BecomeLeader(context.Context, string) (bool, error) { return l.leader, nil }
func (l staticLeader) IsLeader(context.Context, string) (bool, error)     { return l.leader, nil }
func (l staticLeader) ReleaseLeadership(context.Context, string) error    { return nil }

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, string) (bool, error) { return false, nil }
func (heldLock) Release(context.Context, string, string) error         { return nil }

type engineFixture struct {
	api      *fakeAPI
	registry *AuctionRegistry
	engine   *BiddingEngine
	notifier *capturingNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	api := newFakeAPI()
	registry := NewAuctionRegistry(memory.NewStore(), logger.NewNop())
	notifier := &capturingNotifier{}
	engine := NewBiddingEngine(api, registry, nil, notifier, "instance-1", logger.NewNop())
	registry.AddListener(engine)
	t.Cleanup(engine.Stop)
	return &engineFixture{api: api, registry: registry, engine: engine, notifier: notifier}
}

func (f *engineFixture) create(t *testing.T, current string, autoBid bool) {
	t.Helper()
	_, err := f.registry.Create(domain.Auction{
		ID:     "a1",
		Source: domain.SourcePolling,
		Config: domain.AuctionConfig{
			Strategy:        domain.StrategyAggressive,
			MaxBid:          dec("100"),
			IncrementAmount: dec("5"),
			AutoBid:         autoBid,
		},
		Data: domain.AuctionData{TimeRemainingSeconds: 600, BidCount: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.outbid(t, current, 600)
}

func (f *engineFixture) outbid(t *testing.T, current string, remaining int) {
	t.Helper()
	snap := activeSnapshot("a1", domain.OriginPoll, current, remaining)
	winning := false
	snap.IsWinning = &winning
	if _, err := f.registry.Apply(*snap); err != nil {
		t.Fatal(err)
	}
}

func (f *engineFixture) settle(t *testing.T) {
	t.Helper()
	waitFor(t, time.Second, func() bool { return !f.engine.InFlight("a1") })
}

func amounts(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func TestBiddingEngine_AggressiveOutbidsUpToMax(t *testing.T) {
	f := newEngineFixture(t)

	f.create(t, "85", true)
	waitFor(t, time.Second, func() bool { return len(f.api.placedBids()) == 1 })
	f.settle(t)

	a, _ := f.registry.Get("a1")
	if !a.Data.IsWinning || !a.Data.CurrentBid.Equal(dec("90")) {
		t.Fatalf("after accepted bid: %+v", a.Data)
	}

	f.outbid(t, "95", 500)
	waitFor(t, time.Second, func() bool { return len(f.api.placedBids()) == 2 })
	f.settle(t)

	f.outbid(t, "100", 400)
	time.Sleep(50 * time.Millisecond)
	f.settle(t)

	got := amounts(f.api.placedBids())
	want := []string{"90", "100"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("bids = %v, want %v", got, want)
	}
}

func TestBiddingEngine_AutoBidOffNeverBids(t *testing.T) {
	f := newEngineFixture(t)

	f.create(t, "10", false)
	f.outbid(t, "20", 500)
	time.Sleep(50 * time.Millisecond)

	if got := len(f.api.placedBids()); got != 0 {
		t.Errorf("bids = %d, want 0", got)
	}
}

func TestBiddingEngine_UpdatesDuringBidAreCoalesced(t *testing.T) {
	f := newEngineFixture(t)

	release := make(chan struct{})
	var active, maxActive atomic.Int32
	f.api.bid = func(id string, amount decimal.Decimal) (*domain.BidResult, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		defer active.Add(-1)
		if amount.Equal(dec("90")) {
			<-release
			return &domain.BidResult{Success: false, Reason: domain.ReasonAlreadyOutbid}, nil
		}
		return &domain.BidResult{Success: true, NewBid: amount}, nil
	}

	f.create(t, "85", true)
	waitFor(t, time.Second, func() bool { return f.engine.InFlight("a1") })

	f.outbid(t, "88", 500)
	f.outbid(t, "92", 490)
	close(release)

	waitFor(t, time.Second, func() bool { return len(f.api.placedBids()) == 2 })
	f.settle(t)
	time.Sleep(50 * time.Millisecond)

	got := amounts(f.api.placedBids())
	if len(got) != 2 || got[1] != "97" {
		t.Errorf("bids = %v, want [90 97]", got)
	}
	if maxActive.Load() != 1 {
		t.Errorf("max concurrent bids = %d, want 1", maxActive.Load())
	}
}

func TestBiddingEngine_RejectedAmountNotRetried(t *testing.T) {
	f := newEngineFixture(t)
	f.api.bid = func(string, decimal.Decimal) (*domain.BidResult, error) {
		return &domain.BidResult{Success: false, Reason: domain.ReasonBidTooLow}, nil
	}

	f.create(t, "85", true)
	waitFor(t, time.Second, func() bool { return len(f.api.placedBids()) == 1 })
	f.settle(t)

	// Same current bid, only the clock moved.
	snap := activeSnapshot("a1", domain.OriginPoll, "85", 550)
	_, _ = f.registry.Apply(*snap)
	time.Sleep(50 * time.Millisecond)
	f.settle(t)

	if got := len(f.api.placedBids()); got != 1 {
		t.Errorf("bids = %d, want 1", got)
	}
	a, _ := f.registry.Get("a1")
	if a.LastError != nil {
		t.Errorf("fresh poll data should clear the rejection, got %+v", a.LastError)
	}
}

func TestBiddingEngine_AuthFailurePausesUntilResume(t *testing.T) {
	f := newEngineFixture(t)
	var authFails atomic.Bool
	authFails.Store(true)
	f.api.bid = func(id string, amount decimal.Decimal) (*domain.BidResult, error) {
		if authFails.Load() {
			return nil, domain.NewAuthenticationError(errors.New("401"))
		}
		return &domain.BidResult{Success: true, NewBid: amount}, nil
	}

	f.create(t, "85", true)
	waitFor(t, time.Second, func() bool { return f.engine.IsPaused("a1") })
	f.settle(t)

	f.outbid(t, "88", 500)
	time.Sleep(50 * time.Millisecond)
	if got := len(f.api.placedBids()); got != 1 {
		t.Fatalf("bids while paused = %d, want 1", got)
	}

	authFails.Store(false)
	resumed := f.engine.ResumeAll()
	if len(resumed) != 1 || resumed[0] != "a1" {
		t.Fatalf("resumed = %v", resumed)
	}
	waitFor(t, time.Second, func() bool { return len(f.api.placedBids()) == 2 })
	f.settle(t)

	if f.engine.IsPaused("a1") {
		t.Error("still paused after resume")
	}
	if got := f.api.placedBids()[1]; !got.Equal(dec("93")) {
		t.Errorf("bid after resume = %s, want 93", got)
	}
}

func TestBiddingEngine_AuctionEndedRejectionEndsAuction(t *testing.T) {
	f := newEngineFixture(t)
	f.api.bid = func(string, decimal.Decimal) (*domain.BidResult, error) {
		return &domain.BidResult{Success: false, Reason: domain.ReasonAuctionEnded}, nil
	}

	f.create(t, "85", true)
	waitFor(t, time.Second, func() bool {
		a, _ := f.registry.Get("a1")
		return a.Data.Status == domain.AuctionEnded
	})
}

func TestBiddingEngine_ManualBid(t *testing.T) {
	f := newEngineFixture(t)
	pub := &capturingPublisher{}
	f.engine.SetEventPublisher(pub)
	f.create(t, "10", false)

	result, err := f.engine.PlaceBid(context.Background(), "a1", dec("15"))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Automatic {
		t.Errorf("result = %+v", result)
	}

	a, _ := f.registry.Get("a1")
	if !a.Data.CurrentBid.Equal(dec("15")) || !a.Data.IsWinning {
		t.Errorf("auction after manual bid: %+v", a.Data)
	}

	events := pub.published()
	if len(events) != 1 || events[0].Type != domain.EventBidPlaced || events[0].Origin != "instance-1" {
		t.Errorf("events = %+v", events)
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.results) != 1 {
		t.Errorf("notified results = %d, want 1", len(f.notifier.results))
	}
}

func TestBiddingEngine_ManualBidErrors(t *testing.T) {
	f := newEngineFixture(t)

	if _, err := f.engine.PlaceBid(context.Background(), "missing", dec("10")); !domain.IsKind(err, domain.KindAuctionNotFound) {
		t.Errorf("unknown auction err = %v", err)
	}

	f.create(t, "10", false)
	if _, err := f.engine.PlaceBid(context.Background(), "a1", dec("0")); !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("zero amount err = %v", err)
	}

	ended := domain.AuctionEnded
	_, _ = f.registry.Apply(domain.AuctionSnapshot{AuctionID: "a1", Origin: domain.OriginPoll, Status: &ended})
	_, err := f.engine.PlaceBid(context.Background(), "a1", dec("20"))
	if domain.ReasonOf(err) != domain.ReasonAuctionEnded {
		t.Errorf("ended auction err = %v", err)
	}
}

func TestBiddingEngine_ManualBidWhileInFlight(t *testing.T) {
	f := newEngineFixture(t)
	release := make(chan struct{})
	f.api.bid = func(id string, amount decimal.Decimal) (*domain.BidResult, error) {
		<-release
		return &domain.BidResult{Success: true, NewBid: amount}, nil
	}

	f.create(t, "85", true)
	waitFor(t, time.Second, func() bool { return f.engine.InFlight("a1") })

	_, err := f.engine.PlaceBid(context.Background(), "a1", dec("99"))
	close(release)

	if domain.ReasonOf(err) != domain.ReasonBidInFlight {
		t.Errorf("err = %v, want bid_in_flight", err)
	}
}

func TestBiddingEngine_NonLeaderSkipsAutomaticBids(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.SetLeaderElection(staticLeader{leader: false})

	f.create(t, "85", true)
	time.Sleep(50 * time.Millisecond)
	f.settle(t)

	if got := len(f.api.placedBids()); got != 0 {
		t.Errorf("bids = %d, want 0", got)
	}
}

func TestBiddingEngine_BidLockHeldElsewhere(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.SetBidLock(heldLock{})
	f.create(t, "10", false)

	_, err := f.engine.PlaceBid(context.Background(), "a1", dec("15"))
	if domain.ReasonOf(err) != domain.ReasonBidInFlight {
		t.Errorf("err = %v, want bid_in_flight", err)
	}
	if got := len(f.api.placedBids()); got != 0 {
		t.Errorf("API called %d times", got)
	}
}

func TestBiddingEngine_ForgetCancelsInFlight(t *testing.T) {
	f := newEngineFixture(t)
	f.api.bid = func(id string, amount decimal.Decimal) (*domain.BidResult, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, context.Canceled
	}

	f.create(t, "85", true)
	waitFor(t, time.Second, func() bool { return f.engine.InFlight("a1") })

	f.engine.Forget("a1")
	if f.engine.InFlight("a1") {
		t.Error("engine still reports a bid in flight")
	}
}

func TestBiddingEngine_ParkedUpdateDroppedAfterRemoval(t *testing.T) {
	f := newEngineFixture(t)
	release := make(chan struct{})
	f.api.bid = func(id string, amount decimal.Decimal) (*domain.BidResult, error) {
		if amount.Equal(dec("55")) {
			<-release
		}
		return &domain.BidResult{Success: true, NewBid: amount}, nil
	}

	f.create(t, "50", true)
	waitFor(t, time.Second, func() bool { return f.engine.InFlight("a1") })
	f.outbid(t, "60", 500)

	f.registry.Remove(context.Background(), "a1")
	close(release)
	f.settle(t)
	time.Sleep(50 * time.Millisecond)

	if got := amounts(f.api.placedBids()); len(got) != 1 || got[0] != "55" {
		t.Errorf("bids = %v, want [55]", got)
	}
}
