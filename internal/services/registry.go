package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"
)

const (
	auctionKeyPrefix  = "monitor:auction:"
	monitoredIndexKey = "monitor:auctions"
	storageTimeout    = 2 * time.Second
	historyBuffer     = 1024
)

func auctionKey(auctionID string) string {
	return auctionKeyPrefix + auctionID
}

type registryEntry struct {
	mu      sync.Mutex
	auction domain.Auction
	removed bool
}

// AuctionRegistry is the single authoritative in-memory map of auction state.
// All mutations of one auction are serialized on that auction's entry lock and
// listeners are notified while the lock is held, so they see changes in order.
// Listeners must not block and must not call back into the registry.
type AuctionRegistry struct {
	storage domain.Storage
	log     logger.Logger

	mu      sync.RWMutex
	entries map[string]*registryEntry

	listenerMu sync.RWMutex
	listeners  []domain.AuctionListener

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	indexOK bool

	persistCh chan struct{}
	historyCh chan domain.BidHistoryEntry
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

func NewAuctionRegistry(storage domain.Storage, log logger.Logger) *AuctionRegistry {
	return &AuctionRegistry{
		storage:   storage,
		log:       log,
		entries:   make(map[string]*registryEntry),
		dirty:     make(map[string]struct{}),
		persistCh: make(chan struct{}, 1),
		historyCh: make(chan domain.BidHistoryEntry, historyBuffer),
	}
}

func (r *AuctionRegistry) AddListener(l domain.AuctionListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Start launches the background persistence writer.
func (r *AuctionRegistry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.persistLoop(ctx)
}

// Stop flushes what it can and stops the writer.
func (r *AuctionRegistry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	r.FlushDirty(ctx)
}

// Create registers a new auction. It fails if the id is already present.
func (r *AuctionRegistry) Create(a domain.Auction) (domain.Auction, error) {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.LastUpdated = now
	if a.Data.TimeRemainingSeconds < 0 {
		a.Data.TimeRemainingSeconds = 0
	}

	r.mu.Lock()
	if _, exists := r.entries[a.ID]; exists {
		r.mu.Unlock()
		return domain.Auction{}, domain.ErrAlreadyExists
	}
	entry := &registryEntry{auction: a}
	r.entries[a.ID] = entry
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	r.markDirty(a.ID, true)
	r.notify(domain.Auction{}, entry.auction)
	return entry.auction.Clone(), nil
}

func (r *AuctionRegistry) entry(auctionID string) (*registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[auctionID]
	return e, ok
}

func (r *AuctionRegistry) Get(auctionID string) (domain.Auction, bool) {
	e, ok := r.entry(auctionID)
	if !ok {
		return domain.Auction{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.Auction{}, false
	}
	return e.auction.Clone(), true
}

func (r *AuctionRegistry) List() []domain.Auction {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Auction, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.auction.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *AuctionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Apply merges a snapshot into the stored auction and returns the result.
// Snapshots from a feed that is not authoritative for the auction are dropped.
func (r *AuctionRegistry) Apply(snap domain.AuctionSnapshot) (domain.Auction, error) {
	return r.mutate(snap.AuctionID, func(a *domain.Auction) bool {
		return mergeSnapshot(a, snap, r.log)
	})
}

// Update applies fn to the auction under its lock. fn reports whether it changed anything.
func (r *AuctionRegistry) Update(auctionID string, fn func(a *domain.Auction) bool) (domain.Auction, error) {
	return r.mutate(auctionID, fn)
}

func (r *AuctionRegistry) mutate(auctionID string, fn func(a *domain.Auction) bool) (domain.Auction, error) {
	e, ok := r.entry(auctionID)
	if !ok {
		return domain.Auction{}, domain.NewNotFoundError(auctionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.Auction{}, domain.NewNotFoundError(auctionID)
	}

	previous := e.auction.Clone()
	if !fn(&e.auction) {
		return e.auction.Clone(), nil
	}
	e.auction.LastUpdated = time.Now()
	if e.auction.Data.Status == domain.AuctionEnded && e.auction.EndedAt == nil {
		endedAt := e.auction.LastUpdated
		e.auction.EndedAt = &endedAt
	}

	r.markDirty(auctionID, false)
	r.notify(previous, e.auction)
	return e.auction.Clone(), nil
}

// mergeSnapshot enforces the update invariants and reports whether a changed.
func mergeSnapshot(a *domain.Auction, snap domain.AuctionSnapshot, log logger.Logger) bool {
	switch snap.Origin {
	case domain.OriginStream:
		if a.Source != domain.SourceSSE {
			log.Debug("Dropping stream snapshot for polled auction", "auction_id", a.ID)
			return false
		}
	case domain.OriginPoll:
		if a.Source != domain.SourcePolling {
			log.Debug("Dropping poll snapshot for streamed auction", "auction_id", a.ID)
			return false
		}
	}

	if a.Data.Status == domain.AuctionEnded {
		if snap.Err == nil {
			return false
		}
		a.LastError = snap.Err
		return true
	}

	changed := false
	d := &a.Data

	if snap.CurrentBid.Valid {
		switch {
		case snap.CurrentBid.Decimal.LessThan(d.CurrentBid):
			log.Warn("Ignoring decreasing current bid", "auction_id", a.ID,
				"current_bid", d.CurrentBid.String(), "reported", snap.CurrentBid.Decimal.String())
		case !snap.CurrentBid.Decimal.Equal(d.CurrentBid):
			d.CurrentBid = snap.CurrentBid.Decimal
			changed = true
		}
	}
	if snap.TimeRemainingSeconds != nil {
		remaining := *snap.TimeRemainingSeconds
		if remaining < 0 {
			remaining = 0
		}
		if remaining != d.TimeRemainingSeconds {
			d.TimeRemainingSeconds = remaining
			changed = true
		}
	}
	if snap.BidCount != nil && *snap.BidCount > d.BidCount {
		d.BidCount = *snap.BidCount
		changed = true
	}
	if snap.IsWinning != nil && *snap.IsWinning != d.IsWinning {
		d.IsWinning = *snap.IsWinning
		changed = true
	}
	if snap.LastBidder != nil && *snap.LastBidder != d.LastBidder {
		d.LastBidder = *snap.LastBidder
		changed = true
	}
	if snap.Status != nil && *snap.Status != d.Status {
		d.Status = *snap.Status
		changed = true
	}
	if d.Status == domain.AuctionEnded && d.TimeRemainingSeconds != 0 {
		d.TimeRemainingSeconds = 0
		changed = true
	}

	if snap.Err != nil {
		a.LastError = snap.Err
		changed = true
	} else if changed && snap.Origin != domain.OriginBid {
		a.LastError = nil
	}
	return changed
}

// SetSource flips the authoritative feed for an auction.
func (r *AuctionRegistry) SetSource(auctionID string, source domain.DataSource) (domain.Auction, error) {
	return r.mutate(auctionID, func(a *domain.Auction) bool {
		if a.Source == source {
			return false
		}
		a.Source = source
		return true
	})
}

// SetConfig replaces the bidding configuration.
func (r *AuctionRegistry) SetConfig(auctionID string, cfg domain.AuctionConfig) (domain.Auction, error) {
	return r.mutate(auctionID, func(a *domain.Auction) bool {
		a.Config = cfg
		return true
	})
}

// RecordError stores err as the auction's last error and notifies listeners.
func (r *AuctionRegistry) RecordError(auctionID string, err error) {
	if err == nil {
		return
	}
	_, _ = r.mutate(auctionID, func(a *domain.Auction) bool {
		a.LastError = domain.ToErrorInfo(err)
		return true
	})
}

// Remove deletes the auction from memory and storage.
func (r *AuctionRegistry) Remove(ctx context.Context, auctionID string) bool {
	r.mu.Lock()
	e, ok := r.entries[auctionID]
	if ok {
		delete(r.entries, auctionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	r.dirtyMu.Lock()
	delete(r.dirty, auctionID)
	r.indexOK = false
	r.dirtyMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	if err := r.storage.Delete(ctx, auctionKey(auctionID)); err != nil {
		r.log.Warn("Failed to delete auction from storage", "auction_id", auctionID,
			"error", domain.NewStorageError(err))
	}
	r.signalPersist()
	return true
}

// AppendHistory queues a bid history entry for the storage log.
func (r *AuctionRegistry) AppendHistory(entry domain.BidHistoryEntry) {
	select {
	case r.historyCh <- entry:
		r.signalPersist()
	default:
		r.log.Warn("Bid history buffer full, dropping entry", "auction_id", entry.AuctionID)
	}
}

// Load reads the persisted monitored auctions. Used on restart.
func (r *AuctionRegistry) Load(ctx context.Context) ([]domain.Auction, error) {
	raw, err := r.storage.Get(ctx, monitoredIndexKey)
	if err != nil {
		return nil, domain.NewStorageError(err)
	}
	if raw == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}

	var out []domain.Auction
	for _, id := range ids {
		data, err := r.storage.Get(ctx, auctionKey(id))
		if err != nil {
			return out, domain.NewStorageError(err)
		}
		if data == nil {
			continue
		}
		var a domain.Auction
		if err := json.Unmarshal(data, &a); err != nil {
			r.log.Warn("Skipping unreadable stored auction", "auction_id", id, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *AuctionRegistry) notify(previous, current domain.Auction) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		l.OnAuctionUpdate(previous.Clone(), current.Clone())
	}
}

func (r *AuctionRegistry) markDirty(auctionID string, indexChanged bool) {
	r.dirtyMu.Lock()
	r.dirty[auctionID] = struct{}{}
	if indexChanged {
		r.indexOK = false
	}
	r.dirtyMu.Unlock()
	r.signalPersist()
}

func (r *AuctionRegistry) signalPersist() {
	select {
	case r.persistCh <- struct{}{}:
	default:
	}
}

func (r *AuctionRegistry) persistLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.persistCh:
			flushCtx, cancel := context.WithTimeout(ctx, storageTimeout)
			r.FlushDirty(flushCtx)
			cancel()
		}
	}
}

// DirtyCount reports how many auctions still wait for a successful write.
func (r *AuctionRegistry) DirtyCount() int {
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	n := len(r.dirty)
	if !r.indexOK {
		n++
	}
	return n
}

// FlushDirty writes pending auctions, index and history to storage. Failures
// stay queued for the next attempt; they never reach monitoring.
func (r *AuctionRegistry) FlushDirty(ctx context.Context) {
	r.dirtyMu.Lock()
	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	r.dirty = make(map[string]struct{})
	writeIndex := !r.indexOK
	r.indexOK = true
	r.dirtyMu.Unlock()

	var failed []string
	var storageErr error
	for _, id := range ids {
		a, ok := r.Get(id)
		if !ok {
			continue
		}
		data, err := json.Marshal(a)
		if err != nil {
			r.log.Error("Failed to encode auction", "auction_id", id, "error", err)
			continue
		}
		if err := r.storage.Set(ctx, auctionKey(id), data); err != nil {
			failed = append(failed, id)
			storageErr = err
		}
	}

	if writeIndex {
		if err := r.writeIndex(ctx); err != nil {
			storageErr = err
		} else {
			writeIndex = false
		}
	}

	history := r.drainHistory()
	for i, entry := range history {
		if err := r.storage.AppendBidHistory(ctx, entry.AuctionID, entry); err != nil {
			storageErr = err
			for _, rest := range history[i:] {
				select {
				case r.historyCh <- rest:
				default:
				}
			}
			break
		}
	}

	if len(failed) > 0 || writeIndex || storageErr != nil {
		r.dirtyMu.Lock()
		for _, id := range failed {
			r.dirty[id] = struct{}{}
		}
		if writeIndex {
			r.indexOK = false
		}
		r.dirtyMu.Unlock()
		if storageErr != nil && !errors.Is(storageErr, context.Canceled) {
			r.log.Warn("Storage unavailable, keeping in-memory state",
				"pending", len(failed), "error", domain.NewStorageError(storageErr))
		}
	}
}

func (r *AuctionRegistry) writeIndex(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return r.storage.Set(ctx, monitoredIndexKey, data)
}

func (r *AuctionRegistry) drainHistory() []domain.BidHistoryEntry {
	var out []domain.BidHistoryEntry
	for {
		select {
		case entry := <-r.historyCh:
			out = append(out, entry)
		default:
			return out
		}
	}
}
