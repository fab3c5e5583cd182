package services

import (
	"context"
	"fmt"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"

	"github.com/shopspring/decimal"
)

const archiveTimeout = 5 * time.Second

// EventListener consumes auction events published by monitor instances. With
// a repository it archives bid outcomes; with a broadcaster it relays bids
// placed by other instances to local clients.
type EventListener struct {
	repo        domain.BidRepository
	broadcaster *EventBroadcaster
	instanceID  string
	log         logger.Logger
}

func NewEventListener(repo domain.BidRepository, broadcaster *EventBroadcaster, instanceID string,
	log logger.Logger) *EventListener {
	return &EventListener{
		repo:        repo,
		broadcaster: broadcaster,
		instanceID:  instanceID,
		log:         log,
	}
}

func (el *EventListener) Start(ctx context.Context, subscriber domain.EventSubscriber) error {
	el.log.Info("Starting event listener")
	return subscriber.SubscribeToAuctionEvents(ctx, el.HandleEvent)
}

func (el *EventListener) HandleEvent(event *domain.AuctionEvent) error {
	el.log.Debug("Handling auction event", "type", event.Type, "auction_id", event.AuctionID)

	switch event.Type {
	case domain.EventBidPlaced, domain.EventBidRejected:
		return el.handleBid(event)
	case domain.EventAuctionEnded, domain.EventAuctionRemoved:
		return nil
	}

	return fmt.Errorf("unknown event type %q", event.Type)
}

func (el *EventListener) handleBid(event *domain.AuctionEvent) error {
	if el.broadcaster != nil && event.Origin != el.instanceID {
		el.broadcaster.NotifyBidResult(domain.BidResult{
			AuctionID: event.AuctionID,
			Amount:    event.Amount,
			Success:   event.Success,
			NewBid:    newBidOf(event),
			Reason:    event.Reason,
			Automatic: event.Automatic,
			PlacedAt:  event.Timestamp,
		})
	}

	if el.repo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := el.repo.SaveBidEvent(ctx, event); err != nil {
		el.log.Error("Failed to archive bid event", "event_id", event.ID, "auction_id", event.AuctionID, "error", err)
		return err
	}
	return nil
}

func newBidOf(event *domain.AuctionEvent) decimal.Decimal {
	if event.Success {
		return event.Amount
	}
	return decimal.Zero
}
