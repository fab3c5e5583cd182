package services

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"

	"golang.org/x/time/rate"
)

const idleWait = time.Minute

// PollInterval maps the time left in an auction to its refresh cadence.
func PollInterval(timeRemainingSeconds int) time.Duration {
	switch {
	case timeRemainingSeconds <= 30:
		return time.Second
	case timeRemainingSeconds <= 120:
		return 2 * time.Second
	case timeRemainingSeconds <= 300:
		return 5 * time.Second
	case timeRemainingSeconds <= 1800:
		return 60 * time.Second
	case timeRemainingSeconds <= 7200:
		return 300 * time.Second
	default:
		return 600 * time.Second
	}
}

// SnapshotSink receives what the scheduler fetches.
type SnapshotSink interface {
	Apply(snap domain.AuctionSnapshot) (domain.Auction, error)
	Get(auctionID string) (domain.Auction, bool)
	RecordError(auctionID string, err error)
}

type PollingSchedulerConfig struct {
	RequestsPerSecond float64
	Burst             int
	Jitter            float64
	NotFoundThreshold int
}

func DefaultPollingSchedulerConfig() PollingSchedulerConfig {
	return PollingSchedulerConfig{
		RequestsPerSecond: 10,
		Burst:             1,
		Jitter:            0.05,
		NotFoundThreshold: 3,
	}
}

type pollItem struct {
	auctionID  string
	nextPollAt time.Time
	priority   int
	interval   time.Duration
	notFound   int
	requeueAt  *time.Time
	index      int
}

// pollQueue is a min-heap on nextPollAt; ties go to the auction closest to ending.
type pollQueue []*pollItem

func (q pollQueue) Len() int { return len(q) }

func (q pollQueue) Less(i, j int) bool {
	if q[i].nextPollAt.Equal(q[j].nextPollAt) {
		return q[i].priority < q[j].priority
	}
	return q[i].nextPollAt.Before(q[j].nextPollAt)
}

func (q pollQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pollQueue) Push(x any) {
	item := x.(*pollItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *pollQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

type pollRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// PollingScheduler refreshes polled auctions from a single loop. Every request
// takes a token from one shared limiter and goes through the given API, which
// is expected to be breaker-protected.
type PollingScheduler struct {
	api     domain.AuctionAPI
	sink    SnapshotSink
	limiter *rate.Limiter
	cfg     PollingSchedulerConfig
	log     logger.Logger

	mu       sync.Mutex
	queue    pollQueue
	items    map[string]*pollItem
	inflight map[string]*pollRun
	rnd      *rand.Rand

	onNotFound func(auctionID string)
	wake       chan struct{}
	now        func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPollingScheduler(api domain.AuctionAPI, sink SnapshotSink, cfg PollingSchedulerConfig,
	log logger.Logger) *PollingScheduler {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.NotFoundThreshold < 1 {
		cfg.NotFoundThreshold = 1
	}
	return &PollingScheduler{
		api:      api,
		sink:     sink,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:      cfg,
		log:      log,
		items:    make(map[string]*pollItem),
		inflight: make(map[string]*pollRun),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// OnNotFound registers the callback run after an auction is dropped for
// repeatedly not being found. It runs on its own goroutine.
func (s *PollingScheduler) OnNotFound(fn func(auctionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotFound = fn
}

func (s *PollingScheduler) Start(ctx context.Context) {
	s.log.Info("Starting polling scheduler", "requests_per_second", s.cfg.RequestsPerSecond)
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *PollingScheduler) Stop() {
	s.log.Info("Stopping polling scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Enqueue schedules a refresh of auctionID after delay. An auction already in
// the queue is moved, never duplicated.
func (s *PollingScheduler) Enqueue(auctionID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	at := s.now().Add(delay)
	item, ok := s.items[auctionID]
	switch {
	case !ok:
		remaining := 0
		interval := 5 * time.Second
		if a, found := s.sink.Get(auctionID); found {
			remaining = a.Data.TimeRemainingSeconds
			interval = PollInterval(remaining)
		}
		item = &pollItem{auctionID: auctionID, nextPollAt: at, priority: remaining, interval: interval}
		s.items[auctionID] = item
		heap.Push(&s.queue, item)
	case item.index >= 0:
		item.nextPollAt = at
		heap.Fix(&s.queue, item.index)
	default:
		// Refresh running; it picks this up when it reschedules.
		item.requeueAt = &at
	}
	s.mu.Unlock()
	s.signal()
}

// Cancel stops polling auctionID. Safe to call for unknown ids. Any refresh in
// progress is cancelled and has finished by the time Cancel returns.
func (s *PollingScheduler) Cancel(auctionID string) {
	s.mu.Lock()
	if item, ok := s.items[auctionID]; ok {
		if item.index >= 0 {
			heap.Remove(&s.queue, item.index)
		}
		delete(s.items, auctionID)
	}
	run := s.inflight[auctionID]
	s.mu.Unlock()

	if run != nil {
		run.cancel()
		<-run.done
	}
	s.signal()
}

func (s *PollingScheduler) IsTracked(auctionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[auctionID]
	return ok
}

func (s *PollingScheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *PollingScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PollingScheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		due, wait := s.nextDue()
		if due == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-timer.C:
			}
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.dispatch(ctx, due)
	}
}

// nextDue pops the first due item, or reports how long until one is due.
func (s *PollingScheduler) nextDue() (*pollItem, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, idleWait
	}
	top := s.queue[0]
	if d := top.nextPollAt.Sub(s.now()); d > 0 {
		return nil, d
	}
	return heap.Pop(&s.queue).(*pollItem), 0
}

func (s *PollingScheduler) dispatch(ctx context.Context, item *pollItem) {
	s.mu.Lock()
	if s.items[item.auctionID] != item {
		// Cancelled while waiting for a token.
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &pollRun{cancel: cancel, done: make(chan struct{})}
	s.inflight[item.auctionID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	go s.refresh(runCtx, item, run)
}

func (s *PollingScheduler) refresh(ctx context.Context, item *pollItem, run *pollRun) {
	defer s.wg.Done()
	defer run.cancel()

	auction, err := s.fetch(ctx, item.auctionID)
	dropped, record := s.reschedule(ctx, item, run, auction, err)
	if record {
		s.sink.RecordError(item.auctionID, err)
	}
	close(run.done)

	if dropped {
		s.mu.Lock()
		notify := s.onNotFound
		s.mu.Unlock()
		if notify != nil {
			go notify(item.auctionID)
		}
	}
}

func (s *PollingScheduler) fetch(ctx context.Context, auctionID string) (domain.Auction, error) {
	snap, err := s.api.GetAuctionSnapshot(ctx, auctionID)
	if err != nil {
		return domain.Auction{}, err
	}
	snap.AuctionID = auctionID
	snap.Origin = domain.OriginPoll
	return s.sink.Apply(*snap)
}

// reschedule puts item back in the queue. It reports whether the auction was
// dropped for not being found and whether err should be recorded on it.
func (s *PollingScheduler) reschedule(ctx context.Context, item *pollItem, run *pollRun,
	auction domain.Auction, err error) (dropped, record bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight[item.auctionID] == run {
		delete(s.inflight, item.auctionID)
	}
	if s.items[item.auctionID] != item || ctx.Err() != nil {
		return false, false
	}

	switch {
	case err == nil:
		item.notFound = 0
		if auction.Data.Status == domain.AuctionEnded {
			delete(s.items, item.auctionID)
			s.log.Info("Auction ended, polling stopped", "auction_id", item.auctionID)
			return false, false
		}
		item.priority = auction.Data.TimeRemainingSeconds
		item.interval = PollInterval(auction.Data.TimeRemainingSeconds)

	case domain.IsKind(err, domain.KindAuctionNotFound):
		item.notFound++
		s.log.Warn("Auction not found", "auction_id", item.auctionID, "count", item.notFound)
		if item.notFound >= s.cfg.NotFoundThreshold {
			delete(s.items, item.auctionID)
			return true, false
		}
		record = true

	default:
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("Refresh failed", "auction_id", item.auctionID, "error", err)
			record = true
		}
	}

	next := s.now().Add(s.jittered(item.interval))
	if item.requeueAt != nil {
		if item.requeueAt.Before(next) {
			next = *item.requeueAt
		}
		item.requeueAt = nil
	}
	item.nextPollAt = next
	heap.Push(&s.queue, item)
	s.signal()
	return false, record
}

func (s *PollingScheduler) jittered(d time.Duration) time.Duration {
	if s.cfg.Jitter <= 0 {
		return d
	}
	factor := 1 + (s.rnd.Float64()*2-1)*s.cfg.Jitter
	return time.Duration(float64(d) * factor)
}
