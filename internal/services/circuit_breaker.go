package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"

	"github.com/shopspring/decimal"
)

type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Failing, reject calls
	BreakerHalfOpen                     // One trial call allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	OpenTimeout      time.Duration
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

type BreakerStats struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	OpenedAt            time.Time    `json:"openedAt,omitempty"`
	TotalSuccesses      int64        `json:"totalSuccesses"`
	TotalFailures       int64        `json:"totalFailures"`
	TotalRejected       int64        `json:"totalRejected"`
}

// StateChangeFunc is called outside the breaker lock after every transition.
type StateChangeFunc func(name string, from, to BreakerState)

// CircuitBreaker guards every call to the external auction API. A single
// instance is shared by polling and bidding so failures are counted globally.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	openTimeout      time.Duration
	now              func() time.Time
	onChange         StateChangeFunc
	log              logger.Logger

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
	successes           int64
	failures            int64
	rejected            int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig, log logger.Logger) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		openTimeout:      cfg.OpenTimeout,
		now:              time.Now,
		log:              log,
		state:            BreakerClosed,
	}
}

// SetClock replaces the time source. Tests only.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Execute runs fn if the breaker admits the call and records its outcome.
// While open it returns a circuit_open error without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var changed bool
	var from BreakerState

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.openTimeout {
			cb.rejected++
			openedAt := cb.openedAt
			cb.mu.Unlock()
			return domain.NewCircuitOpenError(openedAt)
		}
		from, changed = cb.state, true
		cb.state = BreakerHalfOpen
		cb.trialInFlight = true
	case BreakerHalfOpen:
		if cb.trialInFlight {
			cb.rejected++
			openedAt := cb.openedAt
			cb.mu.Unlock()
			return domain.NewCircuitOpenError(openedAt)
		}
		cb.trialInFlight = true
	}

	fn := cb.onChange
	cb.mu.Unlock()

	if changed {
		cb.transitioned(fn, from, BreakerHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	if errors.Is(err, context.Canceled) {
		// Cancelled by us: says nothing about the API's health.
		cb.mu.Lock()
		cb.trialInFlight = false
		cb.mu.Unlock()
		return
	}
	failed := countsAsFailure(err)

	cb.mu.Lock()
	from := cb.state
	if failed {
		cb.failures++
		switch cb.state {
		case BreakerClosed:
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.failureThreshold {
				cb.state = BreakerOpen
				cb.openedAt = cb.now()
			}
		case BreakerHalfOpen:
			cb.consecutiveFailures++
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
			cb.trialInFlight = false
		}
	} else {
		cb.successes++
		cb.consecutiveFailures = 0
		if cb.state == BreakerHalfOpen {
			cb.state = BreakerClosed
			cb.trialInFlight = false
		}
	}
	to := cb.state
	failures := cb.consecutiveFailures
	fn := cb.onChange
	cb.mu.Unlock()

	if from != to {
		if to == BreakerOpen {
			cb.log.Warn("Circuit breaker opened", "name", cb.name, "consecutive_failures", failures, "error", err)
		}
		cb.transitioned(fn, from, to)
	}
}

func (cb *CircuitBreaker) transitioned(fn StateChangeFunc, from, to BreakerState) {
	cb.log.Info("Circuit breaker state change", "name", cb.name, "from", from.String(), "to", to.String())
	if fn != nil {
		fn(cb.name, from, to)
	}
}

// countsAsFailure decides whether an API outcome indicates the dependency is unhealthy.
// Rejections, auth and not-found answers are healthy responses from the API.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindBidRejected, domain.KindAuctionNotFound, domain.KindAuthentication, domain.KindValidation:
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
		TotalSuccesses:      cb.successes,
		TotalFailures:       cb.failures,
		TotalRejected:       cb.rejected,
	}
}

// Reset forces the breaker closed (admin).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = BreakerClosed
	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	fn := cb.onChange
	cb.mu.Unlock()

	if from != BreakerClosed {
		cb.transitioned(fn, from, BreakerClosed)
	}
}

// ProtectedAPI routes every auction API call through one breaker and bounds it by a timeout.
type ProtectedAPI struct {
	api     domain.AuctionAPI
	breaker *CircuitBreaker
	timeout time.Duration
}

func NewProtectedAPI(api domain.AuctionAPI, breaker *CircuitBreaker, timeout time.Duration) *ProtectedAPI {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProtectedAPI{api: api, breaker: breaker, timeout: timeout}
}

func (p *ProtectedAPI) GetAuctionSnapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error) {
	var snap *domain.AuctionSnapshot
	err := p.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var err error
		snap, err = p.api.GetAuctionSnapshot(callCtx, auctionID)
		return err
	})
	return snap, err
}

func (p *ProtectedAPI) PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) (*domain.BidResult, error) {
	var result *domain.BidResult
	err := p.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var err error
		result, err = p.api.PlaceBid(callCtx, auctionID, amount)
		return err
	})
	return result, err
}

func (p *ProtectedAPI) Breaker() *CircuitBreaker {
	return p.breaker
}
