package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"auction-monitor/internal/domain"
	"auction-monitor/internal/infrastructure/memory"
	"auction-monitor/pkg/logger"
)

// flakyStorage fails every call while down is set.
type flakyStorage struct {
	*memory.Store
	down atomic.Bool
}

var errStorageDown = errors.New("connection refused")

func (s *flakyStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if s.down.Load() {
		return nil, errStorageDown
	}
	return s.Store.Get(ctx, key)
}

func (s *flakyStorage) Set(ctx context.Context, key string, value []byte) error {
	if s.down.Load() {
		return errStorageDown
	}
	return s.Store.Set(ctx, key, value)
}

func (s *flakyStorage) AppendBidHistory(ctx context.Context, auctionID string, entry domain.BidHistoryEntry) error {
	if s.down.Load() {
		return errStorageDown
	}
	return s.Store.AppendBidHistory(ctx, auctionID, entry)
}

type recordingListener struct {
	mu      sync.Mutex
	updates []domain.Auction
}

func (l *recordingListener) OnAuctionUpdate(previous, current domain.Auction) {
	l.mu.Lock()
	l.updates = append(l.updates, current)
	l.mu.Unlock()
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

func newTestRegistry() (*AuctionRegistry, *flakyStorage) {
	storage := &flakyStorage{Store: memory.NewStore()}
	return NewAuctionRegistry(storage, logger.NewNop()), storage
}

func createPolled(t *testing.T, r *AuctionRegistry, id, bid string) {
	t.Helper()
	_, err := r.Create(domain.Auction{
		ID:     id,
		Source: domain.SourcePolling,
		Data:   domain.AuctionData{CurrentBid: dec(bid), TimeRemainingSeconds: 600, BidCount: 1},
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func TestAuctionRegistry_CreateRejectsDuplicate(t *testing.T) {
	r, _ := newTestRegistry()
	createPolled(t, r, "a1", "10")

	_, err := r.Create(domain.Auction{ID: "a1"})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestAuctionRegistry_CurrentBidNeverDecreases(t *testing.T) {
	r, _ := newTestRegistry()
	createPolled(t, r, "a1", "50")

	a, err := r.Apply(*activeSnapshot("a1", domain.OriginPoll, "45", 500))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Data.CurrentBid.Equal(dec("50")) {
		t.Errorf("CurrentBid = %s, want 50", a.Data.CurrentBid)
	}
	if a.Data.TimeRemainingSeconds != 500 {
		t.Errorf("TimeRemainingSeconds = %d, want 500", a.Data.TimeRemainingSeconds)
	}

	a, _ = r.Apply(*activeSnapshot("a1", domain.OriginPoll, "55", 400))
	if !a.Data.CurrentBid.Equal(dec("55")) {
		t.Errorf("CurrentBid = %s, want 55", a.Data.CurrentBid)
	}
}

func TestAuctionRegistry_ClampsAndCounts(t *testing.T) {
	r, _ := newTestRegistry()
	createPolled(t, r, "a1", "10")

	remaining := -5
	count := 7
	_, _ = r.Apply(domain.AuctionSnapshot{AuctionID: "a1", Origin: domain.OriginPoll, TimeRemainingSeconds: &remaining, BidCount: &count})
	lower := 3
	a, _ := r.Apply(domain.AuctionSnapshot{AuctionID: "a1", Origin: domain.OriginPoll, BidCount: &lower})

	if a.Data.TimeRemainingSeconds != 0 {
		t.Errorf("TimeRemainingSeconds = %d, want 0", a.Data.TimeRemainingSeconds)
	}
	if a.Data.BidCount != 7 {
		t.Errorf("BidCount = %d, want 7", a.Data.BidCount)
	}
}

func TestAuctionRegistry_IgnoresNonAuthoritativeFeed(t *testing.T) {
	r, _ := newTestRegistry()
	createPolled(t, r, "a1", "10")

	a, _ := r.Apply(*activeSnapshot("a1", domain.OriginStream, "20", 100))
	if !a.Data.CurrentBid.Equal(dec("10")) {
		t.Errorf("stream snapshot applied to polled auction: CurrentBid = %s", a.Data.CurrentBid)
	}

	if _, err := r.SetSource("a1", domain.SourceSSE); err != nil {
		t.Fatal(err)
	}
	a, _ = r.Apply(*activeSnapshot("a1", domain.OriginPoll, "30", 100))
	if !a.Data.CurrentBid.Equal(dec("10")) {
		t.Errorf("poll snapshot applied to streamed auction: CurrentBid = %s", a.Data.CurrentBid)
	}
	a, _ = r.Apply(*activeSnapshot("a1", domain.OriginStream, "20", 100))
	if !a.Data.CurrentBid.Equal(dec("20")) {
		t.Errorf("CurrentBid = %s, want 20", a.Data.CurrentBid)
	}
	a, _ = r.Apply(*activeSnapshot("a1", domain.OriginBid, "25", 100))
	if !a.Data.CurrentBid.Equal(dec("25")) {
		t.Errorf("bid outcome not applied: CurrentBid = %s", a.Data.CurrentBid)
	}
}

func TestAuctionRegistry_EndedIsTerminal(t *testing.T) {
	r, _ := newTestRegistry()
	createPolled(t, r, "a1", "10")

	ended := domain.AuctionEnded
	a, _ := r.Apply(domain.AuctionSnapshot{AuctionID: "a1", Origin: domain.OriginPoll, Status: &ended})
	if a.Data.TimeRemainingSeconds != 0 {
		t.Errorf("TimeRemainingSeconds = %d, want 0 once ended", a.Data.TimeRemainingSeconds)
	}
	if a.EndedAt == nil {
		t.Error("EndedAt not set")
	}

	a, _ = r.Apply(*activeSnapshot("a1", domain.OriginPoll, "99", 300))
	if a.Data.Status != domain.AuctionEnded || !a.Data.CurrentBid.Equal(dec("10")) {
		t.Errorf("ended auction changed: %+v", a.Data)
	}
}

func TestAuctionRegistry_ListenerSeesChangesOnly(t *testing.T) {
	r, _ := newTestRegistry()
	l := &recordingListener{}
	r.AddListener(l)

	createPolled(t, r, "a1", "10")
	_, _ = r.Apply(*activeSnapshot("a1", domain.OriginPoll, "10", 600))
	_, _ = r.Apply(*activeSnapshot("a1", domain.OriginPoll, "12", 590))

	if got := l.count(); got != 2 {
		t.Errorf("listener calls = %d, want 2 (create and one change)", got)
	}
}

func TestAuctionRegistry_RecordErrorClearedByFreshData(t *testing.T) {
	r, _ := newTestRegistry()
	createPolled(t, r, "a1", "10")

	r.RecordError("a1", domain.NewTransientError(errors.New("timeout")))
	a, _ := r.Get("a1")
	if a.LastError == nil || a.LastError.Kind != domain.KindTransient {
		t.Fatalf("LastError = %+v, want transient", a.LastError)
	}

	a, _ = r.Apply(*activeSnapshot("a1", domain.OriginPoll, "11", 580))
	if a.LastError != nil {
		t.Errorf("LastError = %+v, want cleared", a.LastError)
	}
}

func TestAuctionRegistry_UnknownAuction(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.Apply(*activeSnapshot("missing", domain.OriginPoll, "1", 1))
	if !domain.IsKind(err, domain.KindAuctionNotFound) {
		t.Errorf("err = %v, want auction_not_found", err)
	}
	if r.Remove(context.Background(), "missing") {
		t.Error("Remove reported success for unknown auction")
	}
}

func TestAuctionRegistry_PersistAndLoad(t *testing.T) {
	r, storage := newTestRegistry()
	createPolled(t, r, "a1", "10")
	createPolled(t, r, "a2", "20")
	r.AppendHistory(domain.BidHistoryEntry{AuctionID: "a1", Amount: dec("15"), Success: true})

	r.FlushDirty(context.Background())
	if got := r.DirtyCount(); got != 0 {
		t.Fatalf("DirtyCount = %d, want 0", got)
	}

	restored, err := NewAuctionRegistry(storage, logger.NewNop()).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 2 || restored[0].ID != "a1" || restored[1].ID != "a2" {
		t.Errorf("restored = %+v", restored)
	}
	history, _ := storage.GetBidHistory(context.Background(), "a1")
	if len(history) != 1 {
		t.Errorf("history entries = %d, want 1", len(history))
	}
}

func TestAuctionRegistry_StorageOutageKeepsMonitoring(t *testing.T) {
	r, storage := newTestRegistry()
	storage.down.Store(true)

	createPolled(t, r, "a1", "10")
	r.FlushDirty(context.Background())

	if got := r.DirtyCount(); got == 0 {
		t.Fatal("failed writes were not kept for retry")
	}
	a, err := r.Apply(*activeSnapshot("a1", domain.OriginPoll, "12", 500))
	if err != nil || !a.Data.CurrentBid.Equal(dec("12")) {
		t.Fatalf("monitoring affected by storage outage: %v %+v", err, a.Data)
	}

	storage.down.Store(false)
	r.FlushDirty(context.Background())
	if got := r.DirtyCount(); got != 0 {
		t.Errorf("DirtyCount after recovery = %d, want 0", got)
	}
	raw, _ := storage.Get(context.Background(), auctionKey("a1"))
	if raw == nil {
		t.Error("auction not persisted after recovery")
	}
}

func TestAuctionRegistry_RemoveDeletesFromStorage(t *testing.T) {
	r, storage := newTestRegistry()
	createPolled(t, r, "a1", "10")
	r.FlushDirty(context.Background())

	if !r.Remove(context.Background(), "a1") {
		t.Fatal("Remove returned false")
	}
	if _, ok := r.Get("a1"); ok {
		t.Error("a1 still readable")
	}
	raw, _ := storage.Get(context.Background(), auctionKey("a1"))
	if raw != nil {
		t.Error("a1 still in storage")
	}
}
