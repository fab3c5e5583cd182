package services

import (
	"auction-monitor/internal/domain"

	"github.com/shopspring/decimal"
)

type BidDecision struct {
	ShouldBid bool
	Amount    decimal.Decimal
	Reason    string
}

func noBid(reason string) BidDecision {
	return BidDecision{Reason: reason}
}

// Strategy decides whether to bid on the current state of an auction.
type Strategy interface {
	Evaluate(a domain.Auction) BidDecision
}

// NewStrategy returns the strategy configured for kind. Auctions without their
// own increment fall back to the house increment rules.
func NewStrategy(kind domain.StrategyKind, rules domain.IncrementRules) Strategy {
	switch kind {
	case domain.StrategyAggressive:
		return AggressiveStrategy{rules: rules}
	case domain.StrategySniping:
		return SnipingStrategy{rules: rules}
	default:
		return ManualStrategy{}
	}
}

type ManualStrategy struct{}

func (ManualStrategy) Evaluate(domain.Auction) BidDecision {
	return noBid("manual")
}

type AggressiveStrategy struct {
	rules domain.IncrementRules
}

func (s AggressiveStrategy) Evaluate(a domain.Auction) BidDecision {
	return nextBid(a, s.rules)
}

// SnipingStrategy holds back until the auction is inside its snipe window.
type SnipingStrategy struct {
	rules domain.IncrementRules
}

func (s SnipingStrategy) Evaluate(a domain.Auction) BidDecision {
	if a.Data.TimeRemainingSeconds > a.Config.SnipeSeconds {
		return noBid("outside_snipe_window")
	}
	return nextBid(a, s.rules)
}

// nextBid applies the shared increment and cap rule.
func nextBid(a domain.Auction, rules domain.IncrementRules) BidDecision {
	if a.Data.Status == domain.AuctionEnded {
		return noBid("ended")
	}
	if a.Data.IsWinning {
		return noBid("winning")
	}
	current := a.Data.CurrentBid
	if !current.LessThan(a.Config.MaxBid) {
		return noBid("max_bid_reached")
	}

	inc := a.Config.IncrementAmount
	if !inc.IsPositive() {
		if rules == nil {
			inc = defaultIncrement
		} else {
			inc = rules.GetIncrementRule(current)
		}
	}
	amount := decimal.Min(current.Add(inc), a.Config.MaxBid)
	if !amount.GreaterThan(current) {
		return noBid("no_increment")
	}
	return BidDecision{ShouldBid: true, Amount: amount, Reason: "outbid"}
}
