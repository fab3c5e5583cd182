package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"
	"auction-monitor/pkg/utils"

	"github.com/shopspring/decimal"
)

const publishTimeout = 2 * time.Second

// BidResultNotifier is told about every bid attempt.
type BidResultNotifier interface {
	NotifyBidResult(result domain.BidResult)
}

type bidState struct {
	ctx    context.Context
	cancel context.CancelFunc

	inFlight bool
	pending  *domain.Auction
	done     chan struct{}

	paused      bool
	rejectedAt  decimal.NullDecimal
	rejectedAmt decimal.Decimal
}

// BiddingEngine evaluates each auction's strategy after every change to its
// data or config and places bids through the protected API. Evaluation and
// placement for one auction never overlap: an update arriving while a bid is
// in flight is parked and evaluated once the bid completes.
type BiddingEngine struct {
	api        domain.AuctionAPI
	registry   *AuctionRegistry
	rules      domain.IncrementRules
	notifier   BidResultNotifier
	publisher  domain.EventPublisher
	leader     domain.LeaderElection
	lock       domain.BidLock
	instanceID string
	log        logger.Logger

	mu     sync.Mutex
	states map[string]*bidState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBiddingEngine(
	api domain.AuctionAPI,
	registry *AuctionRegistry,
	rules domain.IncrementRules,
	notifier BidResultNotifier,
	instanceID string,
	log logger.Logger,
) *BiddingEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &BiddingEngine{
		api:        api,
		registry:   registry,
		rules:      rules,
		notifier:   notifier,
		instanceID: instanceID,
		log:        log,
		states:     make(map[string]*bidState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetEventPublisher makes the engine publish bid outcomes to other processes.
func (e *BiddingEngine) SetEventPublisher(publisher domain.EventPublisher) {
	e.publisher = publisher
}

// SetLeaderElection restricts autonomous bids to the elected instance.
func (e *BiddingEngine) SetLeaderElection(leader domain.LeaderElection) {
	e.leader = leader
}

// SetBidLock shares the per-auction bid slot with other instances.
func (e *BiddingEngine) SetBidLock(lock domain.BidLock) {
	e.lock = lock
}

// Stop cancels in-flight bids and waits for them to finish.
func (e *BiddingEngine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// state returns the per-auction state, creating it. Caller holds e.mu.
func (e *BiddingEngine) state(auctionID string) *bidState {
	st, ok := e.states[auctionID]
	if !ok {
		ctx, cancel := context.WithCancel(e.ctx)
		st = &bidState{ctx: ctx, cancel: cancel}
		e.states[auctionID] = st
	}
	return st
}

// OnAuctionUpdate implements domain.AuctionListener. It never blocks.
func (e *BiddingEngine) OnAuctionUpdate(previous, current domain.Auction) {
	if previous.ID == "" || !autoBidding(current) {
		// A newly created auction has no observed data yet.
		return
	}
	if sameData(previous.Data, current.Data) && sameConfig(previous.Config, current.Config) {
		// Only error or bookkeeping changed.
		return
	}
	e.trigger(current)
}

func (e *BiddingEngine) trigger(a domain.Auction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}

	st := e.state(a.ID)
	if st.paused {
		return
	}
	if st.inFlight {
		st.pending = &a
		return
	}
	st.inFlight = true
	st.done = make(chan struct{})
	e.wg.Add(1)
	go e.run(a.ID, st, a)
}

func (e *BiddingEngine) run(auctionID string, st *bidState, a domain.Auction) {
	defer e.wg.Done()
	for {
		e.evaluate(st, a)

		next, ok := e.release(auctionID, st)
		if !ok {
			return
		}
		a = next
	}
}

// release ends a bid slot. If an update was parked meanwhile it keeps the slot
// and returns the freshest registry state to evaluate next. A parked update
// for an auction no longer in the registry is dropped.
func (e *BiddingEngine) release(auctionID string, st *bidState) (domain.Auction, bool) {
	e.mu.Lock()
	pending := st.pending
	st.pending = nil
	if pending == nil || st.paused || st.ctx.Err() != nil {
		e.finish(st)
		e.mu.Unlock()
		return domain.Auction{}, false
	}
	e.mu.Unlock()

	latest, ok := e.registry.Get(auctionID)
	if !ok {
		e.mu.Lock()
		e.finish(st)
		e.mu.Unlock()
		return domain.Auction{}, false
	}
	return latest, true
}

// finish frees the bid slot. Caller holds e.mu.
func (e *BiddingEngine) finish(st *bidState) {
	st.inFlight = false
	close(st.done)
}

func (e *BiddingEngine) evaluate(st *bidState, a domain.Auction) {
	if !autoBidding(a) {
		return
	}
	decision := NewStrategy(a.Config.Strategy, e.rules).Evaluate(a)
	if !decision.ShouldBid {
		e.log.Debug("No bid", "auction_id", a.ID, "reason", decision.Reason)
		return
	}

	e.mu.Lock()
	repeat := st.rejectedAt.Valid && st.rejectedAt.Decimal.Equal(a.Data.CurrentBid) &&
		st.rejectedAmt.Equal(decision.Amount)
	e.mu.Unlock()
	if repeat {
		e.log.Debug("Skipping previously rejected amount", "auction_id", a.ID,
			"amount", decision.Amount.String())
		return
	}

	if !e.isLeader(st.ctx) {
		e.log.Debug("Not leader, skipping automatic bid", "auction_id", a.ID)
		return
	}

	e.log.Info("Placing automatic bid", "auction_id", a.ID, "strategy", a.Config.Strategy,
		"amount", decision.Amount.String(), "current_bid", a.Data.CurrentBid.String())
	e.place(st.ctx, st, a, decision.Amount, true)
}

func (e *BiddingEngine) isLeader(ctx context.Context) bool {
	if e.leader == nil {
		return true
	}
	ok, err := e.leader.IsLeader(ctx, e.instanceID)
	if err != nil {
		e.log.Warn("Leader check failed", "error", err)
		return false
	}
	return ok
}

// PlaceBid places a manual bid. It fails with a bid_in_flight rejection when
// another bid for the auction has not completed yet.
func (e *BiddingEngine) PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) (domain.BidResult, error) {
	if !amount.IsPositive() {
		return domain.BidResult{}, domain.NewValidationError("amount", "must be greater than zero")
	}
	a, ok := e.registry.Get(auctionID)
	if !ok {
		return domain.BidResult{}, domain.NewNotFoundError(auctionID)
	}
	if a.Data.Status == domain.AuctionEnded {
		return domain.BidResult{}, domain.NewBidRejectedError(auctionID, domain.ReasonAuctionEnded, nil)
	}

	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return domain.BidResult{}, context.Canceled
	}
	st := e.state(auctionID)
	if st.inFlight {
		e.mu.Unlock()
		return domain.BidResult{}, domain.NewBidRejectedError(auctionID, domain.ReasonBidInFlight,
			errors.New("another bid is in flight"))
	}
	st.inFlight = true
	st.done = make(chan struct{})
	e.wg.Add(1)
	e.mu.Unlock()

	bidCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(st.ctx, cancel)
	result, err := e.place(bidCtx, st, a, amount, false)
	stop()
	cancel()

	if next, ok := e.release(auctionID, st); ok {
		go e.run(auctionID, st, next)
	} else {
		e.wg.Done()
	}
	return result, err
}

// place submits one bid and feeds the outcome back into the registry, the
// history log, subscribers and the event bus.
func (e *BiddingEngine) place(ctx context.Context, st *bidState, a domain.Auction, amount decimal.Decimal,
	automatic bool) (domain.BidResult, error) {
	if e.lock != nil {
		held, err := e.lock.Acquire(ctx, a.ID, e.instanceID)
		switch {
		case err != nil:
			// Lock store unreachable: the local slot still serializes this instance.
			e.log.Warn("Bid lock unavailable", "auction_id", a.ID, "error", domain.NewStorageError(err))
		case !held:
			return domain.BidResult{}, domain.NewBidRejectedError(a.ID, domain.ReasonBidInFlight,
				errors.New("bid in flight on another instance"))
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), storageTimeout)
				defer cancel()
				if err := e.lock.Release(releaseCtx, a.ID, e.instanceID); err != nil {
					e.log.Warn("Failed to release bid lock", "auction_id", a.ID, "error", err)
				}
			}()
		}
	}

	res, err := e.api.PlaceBid(ctx, a.ID, amount)
	if err != nil && errors.Is(err, context.Canceled) {
		return domain.BidResult{}, err
	}
	if err == nil && res != nil && !res.Success {
		reason := res.Reason
		if reason == "" {
			reason = domain.ReasonBidTooLow
		}
		err = domain.NewBidRejectedError(a.ID, reason, nil)
	}

	result := domain.BidResult{
		AuctionID: a.ID,
		Amount:    amount,
		Automatic: automatic,
		PlacedAt:  time.Now(),
	}
	snap := domain.AuctionSnapshot{AuctionID: a.ID, Origin: domain.OriginBid, ReceivedAt: result.PlacedAt}

	if err != nil {
		result.Reason = failureReason(err)
		snap.Err = domain.ToErrorInfo(err)
		e.onFailure(st, a, amount, err, &snap)
	} else {
		newBid := res.NewBid
		if newBid.IsZero() {
			newBid = amount
		}
		result.Success = true
		result.NewBid = newBid
		winning := true
		snap.CurrentBid = decimal.NewNullDecimal(newBid)
		snap.IsWinning = &winning

		e.mu.Lock()
		st.rejectedAt = decimal.NullDecimal{}
		e.mu.Unlock()
		e.log.Info("Bid accepted", "auction_id", a.ID, "amount", amount.String(), "automatic", automatic)
	}

	if _, applyErr := e.registry.Apply(snap); applyErr != nil {
		e.log.Debug("Bid result not applied", "auction_id", a.ID, "error", applyErr)
	}
	e.registry.AppendHistory(domain.BidHistoryEntry{
		AuctionID: a.ID,
		Amount:    amount,
		Success:   result.Success,
		Reason:    result.Reason,
		Automatic: automatic,
		Timestamp: result.PlacedAt,
	})
	if e.notifier != nil {
		e.notifier.NotifyBidResult(result)
	}
	e.publish(result)

	return result, err
}

func (e *BiddingEngine) onFailure(st *bidState, a domain.Auction, amount decimal.Decimal, err error,
	snap *domain.AuctionSnapshot) {
	switch domain.KindOf(err) {
	case domain.KindAuthentication:
		e.mu.Lock()
		st.paused = true
		e.mu.Unlock()
		e.log.Warn("Authentication failed, bidding paused", "auction_id", a.ID, "error", err)

	case domain.KindBidRejected:
		e.mu.Lock()
		st.rejectedAt = decimal.NewNullDecimal(a.Data.CurrentBid)
		st.rejectedAmt = amount
		e.mu.Unlock()
		if domain.ReasonOf(err) == domain.ReasonAuctionEnded {
			ended := domain.AuctionEnded
			snap.Status = &ended
		}
		e.log.Warn("Bid rejected", "auction_id", a.ID, "amount", amount.String(), "reason", domain.ReasonOf(err))

	default:
		e.log.Error("Bid failed", "auction_id", a.ID, "amount", amount.String(), "error", err)
	}
}

func (e *BiddingEngine) publish(result domain.BidResult) {
	if e.publisher == nil {
		return
	}
	eventType := domain.EventBidPlaced
	if !result.Success {
		eventType = domain.EventBidRejected
	}
	event := &domain.AuctionEvent{
		ID:        utils.GenerateID("evt"),
		Type:      eventType,
		AuctionID: result.AuctionID,
		Amount:    result.Amount,
		Success:   result.Success,
		Reason:    result.Reason,
		Automatic: result.Automatic,
		Timestamp: result.PlacedAt,
		Origin:    e.instanceID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.publisher.PublishAuctionEvent(ctx, event); err != nil {
		e.log.Warn("Failed to publish bid event", "auction_id", result.AuctionID, "error", err)
	}
}

// Forget drops all engine state for an auction, cancelling and waiting for
// any bid in flight.
func (e *BiddingEngine) Forget(auctionID string) {
	e.mu.Lock()
	st, ok := e.states[auctionID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.states, auctionID)
	st.cancel()
	var done chan struct{}
	if st.inFlight {
		done = st.done
	}
	e.mu.Unlock()

	if done != nil {
		<-done
	}
}

// ResumeAll lifts authentication pauses and re-evaluates the affected auctions.
func (e *BiddingEngine) ResumeAll() []string {
	e.mu.Lock()
	var resumed []string
	for id, st := range e.states {
		if st.paused {
			st.paused = false
			resumed = append(resumed, id)
		}
	}
	e.mu.Unlock()

	for _, id := range resumed {
		if a, ok := e.registry.Get(id); ok && autoBidding(a) {
			e.trigger(a)
		}
	}
	if len(resumed) > 0 {
		e.log.Info("Bidding resumed", "auctions", len(resumed))
	}
	return resumed
}

func (e *BiddingEngine) IsPaused(auctionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[auctionID]
	return ok && st.paused
}

func (e *BiddingEngine) PausedAuctions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, st := range e.states {
		if st.paused {
			out = append(out, id)
		}
	}
	return out
}

func (e *BiddingEngine) InFlight(auctionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[auctionID]
	return ok && st.inFlight
}

func autoBidding(a domain.Auction) bool {
	return a.Config.AutoBid && a.Config.Strategy != domain.StrategyManual &&
		a.Data.Status != domain.AuctionEnded
}

func failureReason(err error) string {
	if reason := domain.ReasonOf(err); reason != "" {
		return reason
	}
	return string(domain.KindOf(err))
}

func sameData(a, b domain.AuctionData) bool {
	return a.CurrentBid.Equal(b.CurrentBid) &&
		a.TimeRemainingSeconds == b.TimeRemainingSeconds &&
		a.BidCount == b.BidCount &&
		a.IsWinning == b.IsWinning &&
		a.LastBidder == b.LastBidder &&
		a.Status == b.Status
}

func sameConfig(a, b domain.AuctionConfig) bool {
	return a.MaxBid.Equal(b.MaxBid) &&
		a.IncrementAmount.Equal(b.IncrementAmount) &&
		a.Strategy == b.Strategy &&
		a.AutoBid == b.AutoBid &&
		a.SnipeSeconds == b.SnipeSeconds
}
