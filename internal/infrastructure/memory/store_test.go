package memory

import (
	"context"
	"testing"

	"auction-monitor/internal/domain"

	"github.com/shopspring/decimal"
)

func TestStore_GetSetDelete(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if v, err := s.Get(ctx, "monitor:auction:a1"); v != nil || err != nil {
		t.Fatalf("Get missing = %q, %v", v, err)
	}

	value := []byte("state")
	_ = s.Set(ctx, "monitor:auction:a1", value)
	value[0] = 'X'
	got, _ := s.Get(ctx, "monitor:auction:a1")
	if string(got) != "state" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}

	_ = s.AppendBidHistory(ctx, "a1", domain.BidHistoryEntry{AuctionID: "a1", Amount: decimal.NewFromInt(1)})
	_ = s.Delete(ctx, "monitor:auction:a1")
	got, _ = s.Get(ctx, "monitor:auction:a1")
	history, _ := s.GetBidHistory(ctx, "a1")
	if got != nil || len(history) != 0 {
		t.Errorf("after Delete: %q, %d history entries", got, len(history))
	}
}

func TestStore_HistoryCap(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for i := 0; i < maxHistoryEntries+3; i++ {
		_ = s.AppendBidHistory(ctx, "a1", domain.BidHistoryEntry{Amount: decimal.NewFromInt(int64(i))})
	}

	history, _ := s.GetBidHistory(ctx, "a1")
	if len(history) != maxHistoryEntries {
		t.Fatalf("len = %d, want %d", len(history), maxHistoryEntries)
	}
	if !history[0].Amount.Equal(decimal.NewFromInt(3)) {
		t.Errorf("oldest = %s, want 3", history[0].Amount)
	}
}
