package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"
)

// fakeSink keeps the last applied data per auction.
type fakeSink struct {
	mu       sync.Mutex
	auctions map[string]domain.Auction
	errs     map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{auctions: make(map[string]domain.Auction), errs: make(map[string]int)}
}

func (s *fakeSink) Apply(snap domain.AuctionSnapshot) (domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.auctions[snap.AuctionID]
	a.ID = snap.AuctionID
	if snap.CurrentBid.Valid {
		a.Data.CurrentBid = snap.CurrentBid.Decimal
	}
	if snap.TimeRemainingSeconds != nil {
		a.Data.TimeRemainingSeconds = *snap.TimeRemainingSeconds
	}
	if snap.Status != nil {
		a.Data.Status = *snap.Status
	}
	s.auctions[snap.AuctionID] = a
	return a, nil
}

func (s *fakeSink) Get(auctionID string) (domain.Auction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[auctionID]
	return a, ok
}

func (s *fakeSink) RecordError(auctionID string, err error) {
	s.mu.Lock()
	s.errs[auctionID]++
	s.mu.Unlock()
}

func (s *fakeSink) errorCount(auctionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[auctionID]
}

func newTestScheduler(api domain.AuctionAPI, sink SnapshotSink, cfg PollingSchedulerConfig) *PollingScheduler {
	s := NewPollingScheduler(api, sink, cfg, logger.NewNop())
	s.Start(context.Background())
	return s
}

func fastConfig() PollingSchedulerConfig {
	cfg := DefaultPollingSchedulerConfig()
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 10
	return cfg
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		remaining int
		want      time.Duration
	}{
		{0, time.Second},
		{30, time.Second},
		{31, 2 * time.Second},
		{120, 2 * time.Second},
		{121, 5 * time.Second},
		{300, 5 * time.Second},
		{301, time.Minute},
		{1800, time.Minute},
		{1801, 5 * time.Minute},
		{7200, 5 * time.Minute},
		{7201, 10 * time.Minute},
		{86400, 10 * time.Minute},
	}

	for _, tt := range tests {
		if got := PollInterval(tt.remaining); got != tt.want {
			t.Errorf("PollInterval(%d) = %v, want %v", tt.remaining, got, tt.want)
		}
	}
}

func TestPollingScheduler_JitterBounds(t *testing.T) {
	s := NewPollingScheduler(newFakeAPI(), newFakeSink(), DefaultPollingSchedulerConfig(), logger.NewNop())

	base := 10 * time.Second
	for i := 0; i < 1000; i++ {
		got := s.jittered(base)
		if got < 9500*time.Millisecond || got > 10500*time.Millisecond {
			t.Fatalf("jittered(%v) = %v, outside 5%%", base, got)
		}
	}
}

func TestPollingScheduler_EnqueueDoesNotDuplicate(t *testing.T) {
	s := NewPollingScheduler(newFakeAPI(), newFakeSink(), DefaultPollingSchedulerConfig(), logger.NewNop())

	s.Enqueue("a1", time.Minute)
	s.Enqueue("a1", time.Hour)
	s.Enqueue("a2", time.Minute)

	if got := s.QueueDepth(); got != 2 {
		t.Errorf("QueueDepth = %d, want 2", got)
	}
}

func TestPollingScheduler_CancelIsIdempotent(t *testing.T) {
	s := newTestScheduler(newFakeAPI(), newFakeSink(), fastConfig())
	defer s.Stop()

	s.Cancel("unknown")
	s.Enqueue("a1", time.Minute)
	s.Cancel("a1")
	s.Cancel("a1")

	if s.IsTracked("a1") {
		t.Error("a1 still tracked after Cancel")
	}
	if got := s.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth = %d, want 0", got)
	}
}

func TestPollingScheduler_AppliesSnapshots(t *testing.T) {
	api := newFakeAPI()
	api.snapshot = func(id string) (*domain.AuctionSnapshot, error) {
		return activeSnapshot(id, domain.OriginPoll, "42.50", 600), nil
	}
	sink := newFakeSink()
	s := newTestScheduler(api, sink, fastConfig())
	defer s.Stop()

	s.Enqueue("a1", 0)

	waitFor(t, time.Second, func() bool {
		a, ok := sink.Get("a1")
		return ok && a.Data.CurrentBid.Equal(dec("42.50"))
	})
	if !s.IsTracked("a1") {
		t.Error("a1 should stay scheduled")
	}
}

func TestPollingScheduler_EndedStopsPolling(t *testing.T) {
	api := newFakeAPI()
	api.snapshot = func(id string) (*domain.AuctionSnapshot, error) {
		snap := activeSnapshot(id, domain.OriginPoll, "100", 0)
		ended := domain.AuctionEnded
		snap.Status = &ended
		return snap, nil
	}
	s := newTestScheduler(api, newFakeSink(), fastConfig())
	defer s.Stop()

	s.Enqueue("a1", 0)

	waitFor(t, time.Second, func() bool { return !s.IsTracked("a1") })
	time.Sleep(50 * time.Millisecond)
	if got := api.pollCount("a1"); got != 1 {
		t.Errorf("polls = %d, want 1", got)
	}
}

func TestPollingScheduler_NotFoundThreshold(t *testing.T) {
	api := newFakeAPI()
	sink := newFakeSink()
	s := newTestScheduler(api, sink, fastConfig())
	defer s.Stop()

	var dropped atomic.Value
	s.OnNotFound(func(id string) { dropped.Store(id) })

	s.Enqueue("a1", 0)
	waitFor(t, time.Second, func() bool { return api.pollCount("a1") == 1 })
	waitFor(t, time.Second, func() bool { return sink.errorCount("a1") == 1 })
	if !s.IsTracked("a1") {
		t.Fatal("a1 dropped after a single not-found")
	}

	s.Enqueue("a1", 0)
	waitFor(t, time.Second, func() bool { return sink.errorCount("a1") == 2 })

	s.Enqueue("a1", 0)
	waitFor(t, time.Second, func() bool { return dropped.Load() == "a1" })

	if s.IsTracked("a1") {
		t.Error("a1 still tracked after reaching the not-found threshold")
	}
	if got := sink.errorCount("a1"); got != 2 {
		t.Errorf("recorded errors = %d, want 2", got)
	}
}

func TestPollingScheduler_TransientErrorKeepsPolling(t *testing.T) {
	api := newFakeAPI()
	api.snapshot = func(string) (*domain.AuctionSnapshot, error) {
		return nil, domain.NewTransientError(errors.New("timeout"))
	}
	sink := newFakeSink()
	s := newTestScheduler(api, sink, fastConfig())
	defer s.Stop()

	s.Enqueue("a1", 0)

	waitFor(t, time.Second, func() bool { return sink.errorCount("a1") == 1 })
	if !s.IsTracked("a1") {
		t.Error("transient failure must not untrack the auction")
	}
}

func TestPollingScheduler_CancelWaitsForRefresh(t *testing.T) {
	api := newFakeAPI()
	started := make(chan struct{})
	var once sync.Once
	api.snapshot = func(string) (*domain.AuctionSnapshot, error) {
		once.Do(func() { close(started) })
		time.Sleep(100 * time.Millisecond)
		return nil, context.Canceled
	}
	sink := newFakeSink()
	s := newTestScheduler(api, sink, fastConfig())
	defer s.Stop()

	s.Enqueue("a1", 0)
	<-started

	begin := time.Now()
	s.Cancel("a1")
	if time.Since(begin) < 50*time.Millisecond {
		t.Error("Cancel returned before the refresh finished")
	}
	if s.IsTracked("a1") {
		t.Error("a1 still tracked")
	}
	if got := sink.errorCount("a1"); got != 0 {
		t.Errorf("cancelled refresh recorded %d errors", got)
	}
}

func TestPollingScheduler_RateLimit(t *testing.T) {
	api := newFakeAPI()
	api.snapshot = func(id string) (*domain.AuctionSnapshot, error) {
		return activeSnapshot(id, domain.OriginPoll, "1", 10), nil
	}
	cfg := DefaultPollingSchedulerConfig()
	cfg.RequestsPerSecond = 5
	cfg.Burst = 1
	s := newTestScheduler(api, newFakeSink(), cfg)
	defer s.Stop()

	ids := []string{"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9"}
	for _, id := range ids {
		s.Enqueue(id, 0)
	}
	time.Sleep(time.Second)

	total := 0
	for _, id := range ids {
		total += api.pollCount(id)
	}
	if total > 7 {
		t.Errorf("polls in 1s = %d, want at most 7 at 5 rps", total)
	}
	if total < 3 {
		t.Errorf("polls in 1s = %d, scheduler made too little progress", total)
	}
}
