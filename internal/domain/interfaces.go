package domain

import (
	"context"
	"io"

	"github.com/shopspring/decimal"
)

// Auction API collaborator
type AuctionAPI interface {
	GetAuctionSnapshot(ctx context.Context, auctionID string) (*AuctionSnapshot, error)
	PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) (*BidResult, error)
}

// StreamSource opens the server-push channel for one product.
type StreamSource interface {
	OpenStream(ctx context.Context, productID string) (io.ReadCloser, error)
}

// Storage is the key-value contract plus an append-only bid history per auction.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	AppendBidHistory(ctx context.Context, auctionID string, entry BidHistoryEntry) error
	GetBidHistory(ctx context.Context, auctionID string) ([]BidHistoryEntry, error)
}

// Repository interfaces
type BidRepository interface {
	SaveBidEvent(ctx context.Context, event *AuctionEvent) error
	GetBidHistory(ctx context.Context, auctionID string) ([]*AuctionEvent, error)
}

// Event interfaces
type EventPublisher interface {
	PublishAuctionEvent(ctx context.Context, event *AuctionEvent) error
}

type EventSubscriber interface {
	SubscribeToAuctionEvents(ctx context.Context, handler EventHandler) error
}

type EventHandler func(event *AuctionEvent) error

// Leader election interface
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}

// Validation interface
type IncrementRules interface {
	GetIncrementRule(amount decimal.Decimal) decimal.Decimal
	GetMinimumBid(currentAmount decimal.Decimal) decimal.Decimal
	LoadRules(ctx context.Context) error
}

// AuctionListener is notified after every merged change to an auction.
type AuctionListener interface {
	OnAuctionUpdate(previous, current Auction)
}

// Transport is the outbound side of one client connection.
type Transport interface {
	// TrySend queues payload without blocking and reports whether it was accepted.
	TrySend(payload []byte) bool
	IsOpen() bool
	Close() error
}

// TokenVerifier checks client credentials on the event channel.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// BidLock guards bid placement across processes.
type BidLock interface {
	Acquire(ctx context.Context, auctionID, holder string) (bool, error)
	Release(ctx context.Context, auctionID, holder string) error
}
