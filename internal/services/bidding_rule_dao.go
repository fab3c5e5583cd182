package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"auction-monitor/internal/domain"

	"github.com/shopspring/decimal"
)

const biddingRulesKey = "bid_validation_rules"

var defaultIncrement = decimal.NewFromInt(5)

type incrementTier struct {
	from      decimal.Decimal
	increment decimal.Decimal
}

// BiddingRuleDaoImpl serves the house increment table used when an auction
// does not configure its own increment. Rules are kept under one storage key
// as {"rules": {"0-100": 5, "100-500": 10, "500+": 25}}.
type BiddingRuleDaoImpl struct {
	storage domain.Storage

	mu    sync.RWMutex
	tiers []incrementTier
}

func NewBiddingRuleDao(storage domain.Storage) *BiddingRuleDaoImpl {
	return &BiddingRuleDaoImpl{
		storage: storage,
	}
}

func defaultBiddingRules() *domain.BidValidationRules {
	return &domain.BidValidationRules{
		Rules: map[string]float64{
			"0-100":   5.0,
			"100-500": 10.0,
			"500+":    25.0,
		},
	}
}

func (v *BiddingRuleDaoImpl) LoadRules(ctx context.Context) error {
	data, err := v.storage.Get(ctx, biddingRulesKey)
	if err != nil {
		v.setRules(defaultBiddingRules())
		return domain.NewStorageError(err)
	}
	if data == nil {
		rules := defaultBiddingRules()
		v.setRules(rules)
		return v.saveRules(ctx, rules)
	}

	var rules domain.BidValidationRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return err
	}
	return v.setRules(&rules)
}

func (v *BiddingRuleDaoImpl) saveRules(ctx context.Context, rules *domain.BidValidationRules) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	if err := v.storage.Set(ctx, biddingRulesKey, data); err != nil {
		return domain.NewStorageError(err)
	}
	return nil
}

func (v *BiddingRuleDaoImpl) setRules(rules *domain.BidValidationRules) error {
	tiers := make([]incrementTier, 0, len(rules.Rules))
	for band, inc := range rules.Rules {
		lower := strings.TrimSuffix(strings.SplitN(band, "-", 2)[0], "+")
		from, err := decimal.NewFromString(lower)
		if err != nil {
			return domain.NewValidationError("rules", "bad increment band "+band)
		}
		tiers = append(tiers, incrementTier{from: from, increment: decimal.NewFromFloat(inc)})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].from.LessThan(tiers[j].from) })

	v.mu.Lock()
	v.tiers = tiers
	v.mu.Unlock()
	return nil
}

func (v *BiddingRuleDaoImpl) GetMinimumBid(currentAmount decimal.Decimal) decimal.Decimal {
	return currentAmount.Add(v.GetIncrementRule(currentAmount))
}

func (v *BiddingRuleDaoImpl) GetIncrementRule(amount decimal.Decimal) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.tiers) == 0 {
		return defaultIncrement
	}
	inc := v.tiers[0].increment
	for _, t := range v.tiers {
		if amount.GreaterThanOrEqual(t.from) {
			inc = t.increment
		}
	}
	return inc
}
