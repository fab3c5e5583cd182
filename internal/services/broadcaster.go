package services

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"
)

type MessageType string

const (
	MsgConnected         MessageType = "connected"
	MsgAuthenticated     MessageType = "authenticated"
	MsgAuctionState      MessageType = "auctionState"
	MsgBidResult         MessageType = "bidResult"
	MsgError             MessageType = "error"
	MsgPong              MessageType = "pong"
	MsgAuctionRemoved    MessageType = "auctionRemoved"
	MsgSystemEvent       MessageType = "systemEvent"
	MsgMonitoredAuctions MessageType = "monitoredAuctions"
)

// ServerMessage is the envelope of everything sent to clients.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewServerMessage(msgType MessageType, payload any) ServerMessage {
	return ServerMessage{Type: msgType, Payload: payload, Timestamp: time.Now()}
}

type ErrorPayload struct {
	Kind      domain.ErrorKind `json:"kind"`
	Reason    string           `json:"reason,omitempty"`
	Message   string           `json:"message"`
	AuctionID string           `json:"auctionId,omitempty"`
}

// ErrorMessage turns err into an error event.
func ErrorMessage(auctionID string, err error) ServerMessage {
	return NewServerMessage(MsgError, ErrorPayload{
		Kind:      domain.KindOf(err),
		Reason:    domain.ReasonOf(err),
		Message:   err.Error(),
		AuctionID: auctionID,
	})
}

type SystemEvent struct {
	Event   string         `json:"event"`
	Details map[string]any `json:"details,omitempty"`
}

var ErrUnknownClient = errors.New("unknown client")

// StateSource looks up the current state of an auction.
type StateSource interface {
	Get(auctionID string) (domain.Auction, bool)
}

type subscriber struct {
	clientID      string
	subject       string
	authenticated bool
	subscriptions map[string]struct{}
	transport     domain.Transport
}

// EventBroadcaster fans auction changes out to connected clients. Delivery is
// fire-and-forget: a full or closed transport loses the message without
// holding up anyone else.
type EventBroadcaster struct {
	state StateSource
	log   logger.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewEventBroadcaster(state StateSource, log logger.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		state: state,
		log:   log,
		subs:  make(map[string]*subscriber),
	}
}

func (b *EventBroadcaster) Register(clientID string, transport domain.Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[clientID] = &subscriber{
		clientID:      clientID,
		subscriptions: make(map[string]struct{}),
		transport:     transport,
	}
	b.log.Info("Client registered", "client_id", clientID)
}

func (b *EventBroadcaster) Unregister(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[clientID]; ok {
		delete(b.subs, clientID)
		b.log.Info("Client unregistered", "client_id", clientID)
	}
}

func (b *EventBroadcaster) SetAuthenticated(clientID, subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[clientID]
	if !ok {
		return ErrUnknownClient
	}
	sub.authenticated = true
	sub.subject = subject
	return nil
}

func (b *EventBroadcaster) IsAuthenticated(clientID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[clientID]
	return ok && sub.authenticated
}

func (b *EventBroadcaster) Subscribe(clientID, auctionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[clientID]
	if !ok {
		return ErrUnknownClient
	}
	sub.subscriptions[auctionID] = struct{}{}
	return nil
}

func (b *EventBroadcaster) Unsubscribe(clientID, auctionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[clientID]
	if !ok {
		return ErrUnknownClient
	}
	delete(sub.subscriptions, auctionID)
	return nil
}

func (b *EventBroadcaster) Subscriptions(clientID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sub.subscriptions))
	for id := range sub.subscriptions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *EventBroadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// BroadcastState sends the full current auction to its subscribers.
func (b *EventBroadcaster) BroadcastState(auctionID string) {
	a, ok := b.state.Get(auctionID)
	if !ok {
		return
	}
	b.sendState(a)
}

func (b *EventBroadcaster) sendState(a domain.Auction) {
	b.toSubscribers(a.ID, NewServerMessage(MsgAuctionState, a))
}

// BroadcastAll sends msg to every authenticated client.
func (b *EventBroadcaster) BroadcastAll(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("Failed to encode message", "type", msg.Type, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.authenticated {
			b.deliver(sub, data)
		}
	}
}

// SendTo delivers msg to one client regardless of its subscriptions.
func (b *EventBroadcaster) SendTo(clientID string, msg ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("Failed to encode message", "type", msg.Type, "error", err)
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[clientID]
	if !ok {
		return false
	}
	return b.deliver(sub, data)
}

func (b *EventBroadcaster) toSubscribers(auctionID string, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("Failed to encode message", "type", msg.Type, "auction_id", auctionID, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if _, ok := sub.subscriptions[auctionID]; ok && sub.authenticated {
			b.deliver(sub, data)
		}
	}
}

// deliver never blocks. Caller holds b.mu.
func (b *EventBroadcaster) deliver(sub *subscriber, data []byte) bool {
	if !sub.transport.IsOpen() {
		return false
	}
	if !sub.transport.TrySend(data) {
		b.log.Warn("Client send buffer full, dropping message", "client_id", sub.clientID)
		return false
	}
	return true
}

// OnAuctionUpdate implements domain.AuctionListener.
func (b *EventBroadcaster) OnAuctionUpdate(_, current domain.Auction) {
	b.sendState(current)
}

// NotifyBidResult implements BidResultNotifier.
func (b *EventBroadcaster) NotifyBidResult(result domain.BidResult) {
	b.toSubscribers(result.AuctionID, NewServerMessage(MsgBidResult, result))
}

// NotifyError sends a typed error event about an auction to its subscribers.
func (b *EventBroadcaster) NotifyError(auctionID string, info *domain.ErrorInfo) {
	if info == nil {
		return
	}
	b.toSubscribers(auctionID, NewServerMessage(MsgError, ErrorPayload{
		Kind:      info.Kind,
		Reason:    info.Reason,
		Message:   info.Message,
		AuctionID: auctionID,
	}))
}

// NotifyRemoved tells subscribers an auction is gone and drops the subscriptions.
func (b *EventBroadcaster) NotifyRemoved(auctionID, reason string) {
	b.toSubscribers(auctionID, NewServerMessage(MsgAuctionRemoved, map[string]string{
		"auctionId": auctionID,
		"reason":    reason,
	}))

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		delete(sub.subscriptions, auctionID)
	}
}

// NotifySystemEvent broadcasts a system-wide event.
func (b *EventBroadcaster) NotifySystemEvent(event string, details map[string]any) {
	b.BroadcastAll(NewServerMessage(MsgSystemEvent, SystemEvent{Event: event, Details: details}))
}
