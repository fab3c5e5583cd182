package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/internal/infrastructure/sse"
	"auction-monitor/pkg/logger"

	"github.com/shopspring/decimal"
)

var (
	errStreamEnded  = errors.New("auction closed")
	errStreamClosed = errors.New("stream closed by server")
)

type IngestorConfig struct {
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	IdleTimeout          time.Duration
	// BidderID identifies our own bids in stream frames.
	BidderID string
}

func DefaultIngestorConfig() IngestorConfig {
	return IngestorConfig{
		MaxReconnectAttempts: 5,
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		IdleTimeout:          90 * time.Second,
	}
}

// Backoff returns base*2^attempt capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// StreamStatus describes one live stream connection.
type StreamStatus struct {
	AuctionID         string    `json:"auctionId"`
	ProductID         string    `json:"productId"`
	SessionID         string    `json:"sessionId,omitempty"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	BackoffMs         int64     `json:"backoffMs"`
	ConnectedAt       time.Time `json:"connectedAt,omitempty"`
}

type streamConn struct {
	auctionID string
	productID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	sessionID   string
	attempts    int
	backoff     time.Duration
	connectedAt time.Time
}

func (c *streamConn) status() StreamStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StreamStatus{
		AuctionID:         c.auctionID,
		ProductID:         c.productID,
		SessionID:         c.sessionID,
		ReconnectAttempts: c.attempts,
		BackoffMs:         c.backoff.Milliseconds(),
		ConnectedAt:       c.connectedAt,
	}
}

// streamFrame is the JSON body of stream events. Fields the server omits
// stay nil.
type streamFrame struct {
	Type          string           `json:"type"`
	SessionID     string           `json:"sessionId"`
	CurrentBid    *decimal.Decimal `json:"currentBid"`
	TimeRemaining *int             `json:"timeRemaining"`
	BidCount      *int             `json:"bidCount"`
	Bidder        *string          `json:"bidder"`
	IsWinning     *bool            `json:"isWinning"`
	Status        *string          `json:"status"`
}

// RealtimeIngestor keeps one server-push stream per auction and turns bid and
// closure events into snapshots. When reconnecting keeps failing past the
// attempt ceiling the auction is handed to the fallback and not retried.
type RealtimeIngestor struct {
	source domain.StreamSource
	sink   SnapshotSink
	cfg    IngestorConfig
	log    logger.Logger

	mu         sync.Mutex
	conns      map[string]*streamConn
	onFallback func(auctionID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRealtimeIngestor(source domain.StreamSource, sink SnapshotSink, cfg IngestorConfig,
	log logger.Logger) *RealtimeIngestor {
	ctx, cancel := context.WithCancel(context.Background())
	return &RealtimeIngestor{
		source: source,
		sink:   sink,
		cfg:    cfg,
		log:    log,
		conns:  make(map[string]*streamConn),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnFallback registers the handler run, on its own goroutine, when an
// auction permanently gives up on streaming.
func (i *RealtimeIngestor) OnFallback(fn func(auctionID string)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onFallback = fn
}

// Connect opens the stream for auctionID. A second Connect for an auction that
// already has a stream is a no-op.
func (i *RealtimeIngestor) Connect(auctionID, productID string) error {
	if productID == "" {
		return domain.NewValidationError("productId", "is required for streaming")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ctx.Err() != nil {
		return context.Canceled
	}
	if _, ok := i.conns[auctionID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(i.ctx)
	conn := &streamConn{
		auctionID: auctionID,
		productID: productID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	i.conns[auctionID] = conn

	i.wg.Add(1)
	go i.run(ctx, conn)
	i.log.Info("Stream connecting", "auction_id", auctionID, "product_id", productID)
	return nil
}

// Disconnect tears the stream down and waits for its goroutine to exit.
func (i *RealtimeIngestor) Disconnect(auctionID string) {
	i.mu.Lock()
	conn, ok := i.conns[auctionID]
	if ok {
		delete(i.conns, auctionID)
	}
	i.mu.Unlock()
	if !ok {
		return
	}

	conn.cancel()
	<-conn.done
	i.log.Info("Stream disconnected", "auction_id", auctionID)
}

func (i *RealtimeIngestor) IsConnected(auctionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.conns[auctionID]
	return ok
}

func (i *RealtimeIngestor) Connections() []StreamStatus {
	i.mu.Lock()
	conns := make([]*streamConn, 0, len(i.conns))
	for _, c := range i.conns {
		conns = append(conns, c)
	}
	i.mu.Unlock()

	out := make([]StreamStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.status())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AuctionID < out[b].AuctionID })
	return out
}

// Stop closes every stream.
func (i *RealtimeIngestor) Stop() {
	i.cancel()
	i.wg.Wait()
}

func (i *RealtimeIngestor) run(ctx context.Context, conn *streamConn) {
	defer i.wg.Done()
	defer close(conn.done)

	for {
		err := i.session(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errStreamEnded) || domain.IsKind(err, domain.KindAuctionNotFound) {
			i.detach(conn)
			return
		}

		conn.mu.Lock()
		conn.attempts++
		attempts := conn.attempts
		conn.sessionID = ""
		conn.connectedAt = time.Time{}
		conn.mu.Unlock()

		if attempts > i.cfg.MaxReconnectAttempts {
			i.log.Warn("Stream reconnect ceiling reached, falling back to polling",
				"auction_id", conn.auctionID, "attempts", attempts-1, "error", err)
			i.detach(conn)
			i.mu.Lock()
			fallback := i.onFallback
			i.mu.Unlock()
			if fallback != nil {
				go fallback(conn.auctionID)
			}
			return
		}

		delay := Backoff(attempts-1, i.cfg.BackoffBase, i.cfg.BackoffMax)
		conn.mu.Lock()
		conn.backoff = delay
		conn.mu.Unlock()
		i.log.Warn("Stream lost, reconnecting", "auction_id", conn.auctionID,
			"attempt", attempts, "backoff", delay.String(), "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// detach drops the connection entry unless Disconnect already did.
func (i *RealtimeIngestor) detach(conn *streamConn) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.conns[conn.auctionID] == conn {
		delete(i.conns, conn.auctionID)
	}
}

// session runs one connection until it breaks. The attempt counter resets
// once the server delivers its first frame.
func (i *RealtimeIngestor) session(ctx context.Context, conn *streamConn) error {
	body, err := i.source.OpenStream(ctx, conn.productID)
	if err != nil {
		return err
	}
	defer body.Close()

	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	var idle *time.Timer
	if i.cfg.IdleTimeout > 0 {
		idle = time.AfterFunc(i.cfg.IdleTimeout, func() { body.Close() })
		defer idle.Stop()
	}

	reader := sse.NewReader(body)
	first := true
	for {
		ev, err := reader.Next()
		oversized := errors.Is(err, sse.ErrFrameTooLarge)
		if err != nil && !oversized {
			if errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			return err
		}
		if idle != nil {
			idle.Reset(i.cfg.IdleTimeout)
		}
		if first {
			first = false
			conn.mu.Lock()
			conn.attempts = 0
			conn.backoff = 0
			conn.connectedAt = time.Now()
			conn.mu.Unlock()
		}
		if oversized {
			i.log.Warn("Malformed stream frame", "auction_id", conn.auctionID, "error", err)
			continue
		}

		if err := i.handle(conn, ev); err != nil {
			return err
		}
	}
}

func (i *RealtimeIngestor) handle(conn *streamConn, ev sse.Event) error {
	if ev.Comment {
		return nil
	}

	var frame streamFrame
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &frame); err != nil {
			if strings.EqualFold(ev.Type, "ping") {
				return nil
			}
			i.log.Warn("Malformed stream frame", "auction_id", conn.auctionID,
				"event", ev.Type, "error", err)
			return nil
		}
	}

	kind := strings.ToLower(ev.Type)
	if kind == "" || kind == "message" {
		kind = strings.ToLower(frame.Type)
	}

	switch kind {
	case "connected":
		conn.mu.Lock()
		conn.sessionID = frame.SessionID
		conn.mu.Unlock()
		i.log.Info("Stream connected", "auction_id", conn.auctionID, "session_id", frame.SessionID)
		return nil

	case "ping", "keepalive", "heartbeat":
		return nil

	case "bid", "bid_update", "update":
		snap, err := i.bidSnapshot(conn.auctionID, frame)
		if err != nil {
			i.log.Warn("Malformed stream frame", "auction_id", conn.auctionID, "event", kind, "error", err)
			return nil
		}
		_, err = i.sink.Apply(snap)
		if domain.IsKind(err, domain.KindAuctionNotFound) {
			return err
		}
		return nil

	case "closed", "ended", "auction_ended":
		ended := domain.AuctionEnded
		zero := 0
		snap := domain.AuctionSnapshot{
			AuctionID:            conn.auctionID,
			Origin:               domain.OriginStream,
			Status:               &ended,
			TimeRemainingSeconds: &zero,
			ReceivedAt:           time.Now(),
		}
		if frame.CurrentBid != nil {
			snap.CurrentBid = decimal.NewNullDecimal(*frame.CurrentBid)
		}
		if _, err := i.sink.Apply(snap); err != nil {
			i.log.Debug("Closure not applied", "auction_id", conn.auctionID, "error", err)
		}
		i.log.Info("Auction closed on stream", "auction_id", conn.auctionID)
		return errStreamEnded

	default:
		i.log.Debug("Ignoring stream event", "auction_id", conn.auctionID, "event", kind)
		return nil
	}
}

func (i *RealtimeIngestor) bidSnapshot(auctionID string, f streamFrame) (domain.AuctionSnapshot, error) {
	if f.CurrentBid == nil {
		return domain.AuctionSnapshot{}, errors.New("bid event without currentBid")
	}
	snap := domain.AuctionSnapshot{
		AuctionID:            auctionID,
		Origin:               domain.OriginStream,
		CurrentBid:           decimal.NewNullDecimal(*f.CurrentBid),
		TimeRemainingSeconds: f.TimeRemaining,
		BidCount:             f.BidCount,
		LastBidder:           f.Bidder,
		IsWinning:            f.IsWinning,
		ReceivedAt:           time.Now(),
	}
	if snap.IsWinning == nil && f.Bidder != nil && i.cfg.BidderID != "" {
		winning := *f.Bidder == i.cfg.BidderID
		snap.IsWinning = &winning
	}
	if f.Status != nil {
		status, err := domain.ParseAuctionStatus(*f.Status)
		if err != nil {
			return domain.AuctionSnapshot{}, err
		}
		snap.Status = &status
	}
	return snap, nil
}
