// Package memory holds the in-process Storage used when Redis is disabled.
package memory

import (
	"context"
	"strings"
	"sync"

	"auction-monitor/internal/domain"
)

const maxHistoryEntries = 500

type Store struct {
	mu      sync.RWMutex
	values  map[string][]byte
	history map[string][]domain.BidHistoryEntry
}

func NewStore() *Store {
	return &Store{
		values:  make(map[string][]byte),
		history: make(map[string][]domain.BidHistoryEntry),
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.history, strings.TrimPrefix(key, "monitor:auction:"))
	return nil
}

func (s *Store) AppendBidHistory(_ context.Context, auctionID string, entry domain.BidHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[auctionID], entry)
	if len(h) > maxHistoryEntries {
		h = h[len(h)-maxHistoryEntries:]
	}
	s.history[auctionID] = h
	return nil
}

func (s *Store) GetBidHistory(_ context.Context, auctionID string) ([]domain.BidHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.BidHistoryEntry(nil), s.history[auctionID]...), nil
}
