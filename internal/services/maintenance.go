package services

import (
	"context"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Reaper removes an auction from monitoring.
type Reaper interface {
	RemoveAuction(ctx context.Context, auctionID string) error
}

// MaintenanceScheduler runs the periodic housekeeping job: it reaps auctions
// that ended more than the grace period ago and retries persistence that
// failed earlier.
type MaintenanceScheduler struct {
	cron     *cron.Cron
	schedule string
	grace    time.Duration
	registry *AuctionRegistry
	reaper   Reaper
	log      logger.Logger
	now      func() time.Time
}

func NewMaintenanceScheduler(schedule string, grace time.Duration, registry *AuctionRegistry,
	reaper Reaper, log logger.Logger) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		cron:     cron.New(),
		schedule: schedule,
		grace:    grace,
		registry: registry,
		reaper:   reaper,
		log:      log,
		now:      time.Now,
	}
}

func (s *MaintenanceScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting maintenance scheduler", "schedule", s.schedule)

	_, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *MaintenanceScheduler) Stop() {
	s.log.Info("Stopping maintenance scheduler")
	<-s.cron.Stop().Done()
}

// RunOnce performs a single maintenance pass.
func (s *MaintenanceScheduler) RunOnce(ctx context.Context) {
	reaped := 0
	for _, auction := range s.registry.List() {
		if !s.expired(auction) {
			continue
		}
		if err := s.reaper.RemoveAuction(ctx, auction.ID); err != nil {
			s.log.Error("Failed to reap ended auction", "auction_id", auction.ID, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		s.log.Info("Reaped ended auctions", "count", reaped)
	}

	if pending := s.registry.DirtyCount(); pending > 0 {
		s.log.Debug("Retrying pending persistence", "pending", pending)
		flushCtx, cancel := context.WithTimeout(ctx, storageTimeout)
		s.registry.FlushDirty(flushCtx)
		cancel()
	}
}

func (s *MaintenanceScheduler) expired(a domain.Auction) bool {
	if a.Data.Status != domain.AuctionEnded || a.EndedAt == nil {
		return false
	}
	return s.now().Sub(*a.EndedAt) >= s.grace
}
