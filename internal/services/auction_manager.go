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

type AddAuctionRequest struct {
	AuctionID string               `json:"auctionId"`
	ProductID string               `json:"productId"`
	Title     string               `json:"title"`
	Config    domain.AuctionConfig `json:"config"`
}

// SessionUpdater accepts a new session credential for the auction site.
type SessionUpdater interface {
	SetSession(session string)
}

// ManagerDeps are the collaborators of an AuctionManager. Publisher and
// Session may be nil.
type ManagerDeps struct {
	Registry    *AuctionRegistry
	Scheduler   *PollingScheduler
	Ingestor    *RealtimeIngestor
	Engine      *BiddingEngine
	Broadcaster *EventBroadcaster
	API         domain.AuctionAPI
	Breaker     *CircuitBreaker
	Storage     domain.Storage
	Publisher   domain.EventPublisher
	Session     SessionUpdater
	Streaming   bool
	InstanceID  string
}

type MonitorStatus struct {
	Auctions       int            `json:"auctions"`
	Breaker        BreakerStats   `json:"breaker"`
	QueueDepth     int            `json:"queueDepth"`
	Streams        []StreamStatus `json:"streams"`
	PausedAuctions []string       `json:"pausedAuctions"`
	Clients        int            `json:"clients"`
	PendingWrites  int            `json:"pendingWrites"`
}

// AuctionManager owns the lifecycle of monitored auctions: it attaches each
// one to a data source, moves it between sources and tears everything down
// on removal.
type AuctionManager struct {
	registry    *AuctionRegistry
	scheduler   *PollingScheduler
	ingestor    *RealtimeIngestor
	engine      *BiddingEngine
	broadcaster *EventBroadcaster
	api         domain.AuctionAPI
	breaker     *CircuitBreaker
	storage     domain.Storage
	eventPub    domain.EventPublisher
	session     SessionUpdater
	streaming   bool
	instanceID  string
	log         logger.Logger

	// lifecycleMu serializes attach and detach of sources.
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup
}

func NewAuctionManager(deps ManagerDeps, log logger.Logger) *AuctionManager {
	am := &AuctionManager{
		registry:    deps.Registry,
		scheduler:   deps.Scheduler,
		ingestor:    deps.Ingestor,
		engine:      deps.Engine,
		broadcaster: deps.Broadcaster,
		api:         deps.API,
		breaker:     deps.Breaker,
		storage:     deps.Storage,
		eventPub:    deps.Publisher,
		session:     deps.Session,
		streaming:   deps.Streaming,
		instanceID:  deps.InstanceID,
		log:         log,
	}

	am.registry.AddListener(am.broadcaster)
	am.registry.AddListener(am.engine)
	am.registry.AddListener(am)
	am.scheduler.OnNotFound(am.onPollNotFound)
	am.ingestor.OnFallback(am.onStreamFallback)
	if am.breaker != nil {
		am.breaker.OnStateChange(am.onBreakerChange)
	}
	return am
}

// Wait blocks until background lifecycle work started by the manager is done.
func (am *AuctionManager) Wait() {
	am.wg.Wait()
}

func (am *AuctionManager) AddAuction(ctx context.Context, req AddAuctionRequest) (domain.Auction, error) {
	if err := ValidateAuctionID("auctionId", req.AuctionID); err != nil {
		return domain.Auction{}, err
	}
	if req.ProductID != "" {
		if err := ValidateAuctionID("productId", req.ProductID); err != nil {
			return domain.Auction{}, err
		}
	}
	if err := ValidateAuctionConfig(req.Config); err != nil {
		return domain.Auction{}, err
	}

	am.lifecycleMu.Lock()
	defer am.lifecycleMu.Unlock()

	_, err := am.registry.Create(domain.Auction{
		ID:        req.AuctionID,
		ProductID: req.ProductID,
		Title:     req.Title,
		Config:    req.Config,
		Source:    domain.SourcePolling,
		Data:      domain.AuctionData{Status: domain.AuctionActive},
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		return domain.Auction{}, domain.NewValidationError("auctionId", "auction already monitored")
	}
	if err != nil {
		return domain.Auction{}, err
	}

	// Initial state always comes from a request/response fetch.
	snap, err := am.api.GetAuctionSnapshot(ctx, req.AuctionID)
	switch {
	case err == nil:
		snap.AuctionID = req.AuctionID
		snap.Origin = domain.OriginPoll
		if _, err := am.registry.Apply(*snap); err != nil {
			am.log.Warn("Initial snapshot not applied", "auction_id", req.AuctionID, "error", err)
		}
	case domain.IsKind(err, domain.KindAuctionNotFound):
		am.registry.Remove(ctx, req.AuctionID)
		return domain.Auction{}, err
	default:
		am.log.Warn("Initial fetch failed, polling will retry", "auction_id", req.AuctionID, "error", err)
		am.registry.RecordError(req.AuctionID, err)
	}

	a, _ := am.registry.Get(req.AuctionID)
	a = am.attach(a)
	am.log.Info("Auction added", "auction_id", a.ID, "source", a.Source, "strategy", a.Config.Strategy)
	return a, nil
}

// attach connects the auction to its data source. Caller holds lifecycleMu.
func (am *AuctionManager) attach(a domain.Auction) domain.Auction {
	if a.Data.Status == domain.AuctionEnded {
		return a
	}

	if am.streaming && a.ProductID != "" {
		if updated, err := am.registry.SetSource(a.ID, domain.SourceSSE); err == nil {
			a = updated
		}
		err := am.ingestor.Connect(a.ID, a.ProductID)
		if err == nil {
			return a
		}
		am.log.Warn("Stream connect failed, polling instead", "auction_id", a.ID, "error", err)
	}

	if updated, err := am.registry.SetSource(a.ID, domain.SourcePolling); err == nil {
		a = updated
	}
	delay := time.Duration(0)
	if a.LastError == nil {
		delay = PollInterval(a.Data.TimeRemainingSeconds)
	}
	am.scheduler.Enqueue(a.ID, delay)
	return a
}

// RemoveAuction stops all monitoring of an auction. When it returns, no poll
// timer, stream or bid for that auction is still running.
func (am *AuctionManager) RemoveAuction(ctx context.Context, auctionID string) error {
	return am.remove(ctx, auctionID, "removed")
}

func (am *AuctionManager) remove(ctx context.Context, auctionID, reason string) error {
	am.lifecycleMu.Lock()
	defer am.lifecycleMu.Unlock()

	if _, ok := am.registry.Get(auctionID); !ok {
		return domain.NewNotFoundError(auctionID)
	}

	am.scheduler.Cancel(auctionID)
	am.ingestor.Disconnect(auctionID)
	// The bid slot goes first so nothing can bid while storage is cleaned up.
	am.engine.Forget(auctionID)
	am.registry.Remove(ctx, auctionID)

	am.broadcaster.NotifyRemoved(auctionID, reason)
	am.publish(domain.EventAuctionRemoved, auctionID, reason)
	am.log.Info("Auction removed", "auction_id", auctionID, "reason", reason)
	return nil
}

func (am *AuctionManager) UpdateConfig(ctx context.Context, auctionID string, cfg domain.AuctionConfig) (domain.Auction, error) {
	if err := ValidateAuctionConfig(cfg); err != nil {
		return domain.Auction{}, err
	}
	a, err := am.registry.SetConfig(auctionID, cfg)
	if err != nil {
		return domain.Auction{}, err
	}
	am.log.Info("Auction config updated", "auction_id", auctionID, "strategy", cfg.Strategy,
		"max_bid", cfg.MaxBid.String(), "auto_bid", cfg.AutoBid)
	return a, nil
}

func (am *AuctionManager) PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) (domain.BidResult, error) {
	return am.engine.PlaceBid(ctx, auctionID, amount)
}

func (am *AuctionManager) GetAuction(auctionID string) (domain.Auction, bool) {
	return am.registry.Get(auctionID)
}

func (am *AuctionManager) ListAuctions() []domain.Auction {
	return am.registry.List()
}

func (am *AuctionManager) BidHistory(ctx context.Context, auctionID string) ([]domain.BidHistoryEntry, error) {
	if _, ok := am.registry.Get(auctionID); !ok {
		return nil, domain.NewNotFoundError(auctionID)
	}
	entries, err := am.storage.GetBidHistory(ctx, auctionID)
	if err != nil {
		return nil, domain.NewStorageError(err)
	}
	return entries, nil
}

func (am *AuctionManager) Status() MonitorStatus {
	status := MonitorStatus{
		Auctions:       am.registry.Len(),
		QueueDepth:     am.scheduler.QueueDepth(),
		Streams:        am.ingestor.Connections(),
		PausedAuctions: am.engine.PausedAuctions(),
		Clients:        am.broadcaster.ClientCount(),
		PendingWrites:  am.registry.DirtyCount(),
	}
	if am.breaker != nil {
		status.Breaker = am.breaker.Stats()
	}
	return status
}

// UpdateSession installs a new site session and resumes auctions paused on
// authentication failures.
func (am *AuctionManager) UpdateSession(session string) ([]string, error) {
	if session == "" {
		return nil, domain.NewValidationError("session", "is required")
	}
	if am.session != nil {
		am.session.SetSession(session)
	}
	resumed := am.engine.ResumeAll()
	am.broadcaster.NotifySystemEvent("session_updated", map[string]any{"resumed": resumed})
	return resumed, nil
}

// Restore re-attaches the auctions persisted by a previous run.
func (am *AuctionManager) Restore(ctx context.Context) (int, error) {
	stored, err := am.registry.Load(ctx)
	if err != nil {
		return 0, err
	}

	am.lifecycleMu.Lock()
	defer am.lifecycleMu.Unlock()

	restored := 0
	for _, a := range stored {
		a.Source = domain.SourcePolling
		a.LastError = nil
		created, err := am.registry.Create(a)
		if err != nil {
			am.log.Warn("Skipping restored auction", "auction_id", a.ID, "error", err)
			continue
		}
		if created.Data.Status != domain.AuctionEnded {
			am.attach(created)
		}
		restored++
	}
	am.log.Info("Restored monitored auctions", "count", restored)
	return restored, nil
}

// OnAuctionUpdate implements domain.AuctionListener. It only starts
// background work; it runs under the auction's registry lock.
func (am *AuctionManager) OnAuctionUpdate(previous, current domain.Auction) {
	if current.LastError != nil && (previous.LastError == nil || !previous.LastError.At.Equal(current.LastError.At)) {
		am.broadcaster.NotifyError(current.ID, current.LastError)
	}
	if previous.ID != "" && previous.Data.Status != domain.AuctionEnded && current.Data.Status == domain.AuctionEnded {
		am.wg.Add(1)
		go func() {
			defer am.wg.Done()
			am.onEnded(current.ID)
		}()
	}
}

func (am *AuctionManager) onEnded(auctionID string) {
	am.lifecycleMu.Lock()
	defer am.lifecycleMu.Unlock()
	if _, ok := am.registry.Get(auctionID); !ok {
		return
	}

	am.scheduler.Cancel(auctionID)
	am.ingestor.Disconnect(auctionID)
	am.publish(domain.EventAuctionEnded, auctionID, "")
	am.log.Info("Auction ended", "auction_id", auctionID)
}

func (am *AuctionManager) onStreamFallback(auctionID string) {
	am.lifecycleMu.Lock()
	defer am.lifecycleMu.Unlock()
	a, ok := am.registry.Get(auctionID)
	if !ok || a.Data.Status == domain.AuctionEnded {
		return
	}

	if _, err := am.registry.SetSource(auctionID, domain.SourcePolling); err != nil {
		return
	}
	am.scheduler.Enqueue(auctionID, 0)
	am.broadcaster.NotifySystemEvent("stream_fallback", map[string]any{"auctionId": auctionID})
	am.log.Warn("Auction switched to polling", "auction_id", auctionID)
}

func (am *AuctionManager) onPollNotFound(auctionID string) {
	err := domain.NewNotFoundError(auctionID)
	am.broadcaster.NotifyError(auctionID, domain.ToErrorInfo(err))
	if rmErr := am.remove(context.Background(), auctionID, "not_found"); rmErr != nil && !domain.IsKind(rmErr, domain.KindAuctionNotFound) {
		am.log.Error("Failed to remove missing auction", "auction_id", auctionID, "error", rmErr)
	}
}

func (am *AuctionManager) onBreakerChange(name string, from, to BreakerState) {
	am.broadcaster.NotifySystemEvent("circuit_"+to.String(), map[string]any{
		"breaker": name,
		"from":    from.String(),
		"to":      to.String(),
	})
}

func (am *AuctionManager) publish(eventType domain.EventType, auctionID, reason string) {
	if am.eventPub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := am.eventPub.PublishAuctionEvent(ctx, &domain.AuctionEvent{
		ID:        utils.GenerateID("evt"),
		Type:      eventType,
		AuctionID: auctionID,
		Reason:    reason,
		Timestamp: time.Now(),
		Origin:    am.instanceID,
	})
	if err != nil {
		am.log.Warn("Failed to publish auction event", "auction_id", auctionID, "type", eventType, "error", err)
	}
}
