package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AuctionStatus int

const (
	AuctionActive AuctionStatus = iota
	AuctionEnding
	AuctionEnded
)

func (s AuctionStatus) String() string {
	switch s {
	case AuctionActive:
		return "active"
	case AuctionEnding:
		return "ending"
	case AuctionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func ParseAuctionStatus(s string) (AuctionStatus, error) {
	switch strings.ToLower(s) {
	case "active", "open":
		return AuctionActive, nil
	case "ending", "closing":
		return AuctionEnding, nil
	case "ended", "closed":
		return AuctionEnded, nil
	default:
		return AuctionActive, fmt.Errorf("unknown auction status %q", s)
	}
}

func (s AuctionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AuctionStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseAuctionStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type StrategyKind string

const (
	StrategyManual     StrategyKind = "manual"
	StrategyAggressive StrategyKind = "aggressive"
	StrategySniping    StrategyKind = "sniping"
)

// DataSource names the feed that is currently authoritative for an auction.
type DataSource string

const (
	SourceSSE     DataSource = "sse"
	SourcePolling DataSource = "polling"
)

// SnapshotOrigin tells the registry where a snapshot came from.
type SnapshotOrigin string

const (
	OriginStream SnapshotOrigin = "stream"
	OriginPoll   SnapshotOrigin = "poll"
	OriginBid    SnapshotOrigin = "bid"
)

type AuctionConfig struct {
	MaxBid          decimal.Decimal `json:"maxBid"`
	Strategy        StrategyKind    `json:"strategy"`
	AutoBid         bool            `json:"autoBid"`
	IncrementAmount decimal.Decimal `json:"incrementAmount"`
	SnipeSeconds    int             `json:"snipeSeconds"`
}

type AuctionData struct {
	CurrentBid           decimal.Decimal `json:"currentBid"`
	TimeRemainingSeconds int             `json:"timeRemainingSeconds"`
	BidCount             int             `json:"bidCount"`
	IsWinning            bool            `json:"isWinning"`
	LastBidder           string          `json:"lastBidder"`
	Status               AuctionStatus   `json:"status"`
}

type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Auction struct {
	ID          string        `json:"auctionId"`
	ProductID   string        `json:"productId,omitempty"`
	Title       string        `json:"title,omitempty"`
	Config      AuctionConfig `json:"config"`
	Data        AuctionData   `json:"data"`
	Source      DataSource    `json:"source"`
	LastUpdated time.Time     `json:"lastUpdated"`
	LastError   *ErrorInfo    `json:"lastError,omitempty"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Clone returns a copy that shares no pointers with the receiver.
func (a Auction) Clone() Auction {
	c := a
	if a.LastError != nil {
		e := *a.LastError
		c.LastError = &e
	}
	if a.EndedAt != nil {
		t := *a.EndedAt
		c.EndedAt = &t
	}
	return c
}

// AuctionSnapshot is a (possibly partial) observation of an auction. Nil or
// invalid fields were not reported by the source and leave the stored value alone.
type AuctionSnapshot struct {
	AuctionID            string
	Origin               SnapshotOrigin
	CurrentBid           decimal.NullDecimal
	TimeRemainingSeconds *int
	BidCount             *int
	IsWinning            *bool
	LastBidder           *string
	Status               *AuctionStatus
	Err                  *ErrorInfo
	ReceivedAt           time.Time
}

// FullSnapshot builds a snapshot that reports every data field.
func FullSnapshot(auctionID string, origin SnapshotOrigin, data AuctionData) AuctionSnapshot {
	remaining := data.TimeRemainingSeconds
	count := data.BidCount
	winning := data.IsWinning
	bidder := data.LastBidder
	status := data.Status
	return AuctionSnapshot{
		AuctionID:            auctionID,
		Origin:               origin,
		CurrentBid:           decimal.NewNullDecimal(data.CurrentBid),
		TimeRemainingSeconds: &remaining,
		BidCount:             &count,
		IsWinning:            &winning,
		LastBidder:           &bidder,
		Status:               &status,
		ReceivedAt:           time.Now(),
	}
}

type BidResult struct {
	AuctionID string          `json:"auctionId"`
	Amount    decimal.Decimal `json:"amount"`
	Success   bool            `json:"success"`
	NewBid    decimal.Decimal `json:"newBid"`
	Reason    string          `json:"reason,omitempty"`
	Automatic bool            `json:"automatic"`
	PlacedAt  time.Time       `json:"placedAt"`
}

type BidHistoryEntry struct {
	AuctionID string          `json:"auctionId"`
	Amount    decimal.Decimal `json:"amount"`
	Success   bool            `json:"success"`
	Reason    string          `json:"reason,omitempty"`
	Automatic bool            `json:"automatic"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuctionEvent is published to other processes over the event bus.
type AuctionEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	AuctionID string          `json:"auctionId"`
	Amount    decimal.Decimal `json:"amount"`
	Success   bool            `json:"success"`
	Reason    string          `json:"reason,omitempty"`
	Automatic bool            `json:"automatic"`
	Timestamp time.Time       `json:"timestamp"`
	// Origin is the instance that produced the event.
	Origin string `json:"origin,omitempty"`
}

type EventType string

const (
	EventBidPlaced      EventType = "bid_placed"
	EventBidRejected    EventType = "bid_rejected"
	EventAuctionEnded   EventType = "auction_ended"
	EventAuctionRemoved EventType = "auction_removed"
)

type BidValidationRules struct {
	Rules map[string]float64 `json:"rules"`
}
