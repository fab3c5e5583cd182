package services

import (
	"errors"
	"strings"

	"auction-monitor/internal/domain"
)

// ValidateAuctionConfig rejects configurations the engine cannot act on.
func ValidateAuctionConfig(cfg domain.AuctionConfig) error {
	var errs []error

	switch cfg.Strategy {
	case domain.StrategyManual, domain.StrategyAggressive, domain.StrategySniping:
	default:
		errs = append(errs, domain.NewValidationError("strategy", "unknown strategy "+string(cfg.Strategy)))
	}
	if !cfg.MaxBid.IsPositive() {
		errs = append(errs, domain.NewValidationError("maxBid", "must be greater than zero"))
	}
	if cfg.IncrementAmount.IsNegative() {
		errs = append(errs, domain.NewValidationError("incrementAmount", "must not be negative"))
	}
	if cfg.IncrementAmount.GreaterThan(cfg.MaxBid) {
		errs = append(errs, domain.NewValidationError("incrementAmount", "must not exceed maxBid"))
	}
	if cfg.SnipeSeconds < 0 {
		errs = append(errs, domain.NewValidationError("snipeSeconds", "must not be negative"))
	}
	if cfg.Strategy == domain.StrategySniping && cfg.SnipeSeconds == 0 {
		errs = append(errs, domain.NewValidationError("snipeSeconds", "required for sniping"))
	}

	return joinValidation(errs)
}

// ValidateAuctionID checks an auction or product identifier.
func ValidateAuctionID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.NewValidationError(field, "is required")
	}
	if len(id) > 128 || strings.ContainsAny(id, " /?#") {
		return domain.NewValidationError(field, "contains invalid characters")
	}
	return nil
}

// joinValidation keeps the first error's kind so callers can still match on it.
func joinValidation(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return &domain.Error{Kind: domain.KindValidation, Err: errors.New(strings.Join(msgs, "; "))}
}
