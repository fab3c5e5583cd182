package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"auction-monitor/internal/api/middleware"
	"auction-monitor/internal/domain"
	"auction-monitor/internal/services"
	"auction-monitor/pkg/logger"
	"auction-monitor/pkg/utils"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const requestTimeout = 15 * time.Second

var errNotAuthenticated = errors.New("client not authenticated")

// Monitor is the part of the auction manager the client channel drives.
type Monitor interface {
	AddAuction(ctx context.Context, req services.AddAuctionRequest) (domain.Auction, error)
	RemoveAuction(ctx context.Context, auctionID string) error
	UpdateConfig(ctx context.Context, auctionID string, cfg domain.AuctionConfig) (domain.Auction, error)
	PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) (domain.BidResult, error)
	GetAuction(auctionID string) (domain.Auction, bool)
	ListAuctions() []domain.Auction
}

// ClientMessage is a request from a client. Fields are used per type.
type ClientMessage struct {
	Type      string                `json:"type"`
	RequestID string                `json:"requestId,omitempty"`
	Token     string                `json:"token,omitempty"`
	AuctionID string                `json:"auctionId,omitempty"`
	ProductID string                `json:"productId,omitempty"`
	Title     string                `json:"title,omitempty"`
	Config    *domain.AuctionConfig `json:"config,omitempty"`
	Amount    decimal.NullDecimal   `json:"amount"`
}

type WebSocketHandler struct {
	monitor     Monitor
	broadcaster *services.EventBroadcaster
	verifier    domain.TokenVerifier
	upgrader    websocket.Upgrader
	sendBuffer  int
	log         logger.Logger
}

func NewWebSocketHandler(monitor Monitor, broadcaster *services.EventBroadcaster, verifier domain.TokenVerifier,
	allowedOrigins []string, sendBuffer int, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		monitor:     monitor,
		broadcaster: broadcaster,
		verifier:    verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Non-browser clients send no Origin.
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
		sendBuffer: sendBuffer,
		log:        log,
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	clientID := utils.GenerateID("client")
	wsConn := NewWebSocketConnection(conn, clientID, h.sendBuffer, h.log)
	h.broadcaster.Register(clientID, wsConn)
	go wsConn.WritePump()

	h.reply(clientID, "", services.MsgConnected, map[string]string{"clientId": clientID})

	go func() {
		defer func() {
			h.broadcaster.Unregister(clientID)
			wsConn.Close()
		}()
		wsConn.ReadPump(func(message []byte) {
			h.handleMessage(clientID, message)
		})
	}()
}

func (h *WebSocketHandler) reply(clientID, requestID string, msgType services.MessageType, payload any) {
	msg := services.NewServerMessage(msgType, payload)
	msg.RequestID = requestID
	h.broadcaster.SendTo(clientID, msg)
}

func (h *WebSocketHandler) replyError(clientID, requestID, auctionID string, err error) {
	msg := services.ErrorMessage(auctionID, err)
	msg.RequestID = requestID
	h.broadcaster.SendTo(clientID, msg)
}

func (h *WebSocketHandler) handleMessage(clientID string, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.replyError(clientID, "", "", domain.NewValidationError("message", "malformed JSON"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case "ping":
		h.reply(clientID, msg.RequestID, services.MsgPong, nil)
		return
	case "authenticate":
		h.handleAuthenticate(ctx, clientID, msg)
		return
	}

	if !h.broadcaster.IsAuthenticated(clientID) {
		h.replyError(clientID, msg.RequestID, msg.AuctionID,
			domain.NewAuthenticationError(errNotAuthenticated))
		return
	}

	switch msg.Type {
	case "startMonitoring":
		h.handleStartMonitoring(ctx, clientID, msg)
	case "stopMonitoring":
		h.handleStopMonitoring(ctx, clientID, msg)
	case "updateConfig":
		h.handleUpdateConfig(ctx, clientID, msg)
	case "subscribe":
		h.handleSubscribe(clientID, msg)
	case "unsubscribe":
		h.broadcaster.Unsubscribe(clientID, msg.AuctionID)
		h.reply(clientID, msg.RequestID, services.MsgSystemEvent, services.SystemEvent{
			Event:   "unsubscribed",
			Details: map[string]any{"auctionId": msg.AuctionID},
		})
	case "placeBid":
		h.handlePlaceBid(ctx, clientID, msg)
	case "getMonitoredAuctions":
		h.reply(clientID, msg.RequestID, services.MsgMonitoredAuctions, h.monitor.ListAuctions())
	default:
		h.replyError(clientID, msg.RequestID, msg.AuctionID,
			domain.NewValidationError("type", "unknown message type "+msg.Type))
	}
}

func (h *WebSocketHandler) handleAuthenticate(ctx context.Context, clientID string, msg ClientMessage) {
	subject, err := h.verifier.Verify(ctx, msg.Token)
	if err != nil {
		h.log.Warn("Client authentication failed", "client_id", clientID)
		h.replyError(clientID, msg.RequestID, "", err)
		return
	}
	if err := h.broadcaster.SetAuthenticated(clientID, subject); err != nil {
		return
	}
	h.log.Info("Client authenticated", "client_id", clientID, "subject", subject)
	h.reply(clientID, msg.RequestID, services.MsgAuthenticated, map[string]string{
		"clientId": clientID,
		"subject":  subject,
	})
}

func (h *WebSocketHandler) handleStartMonitoring(ctx context.Context, clientID string, msg ClientMessage) {
	if msg.Config == nil {
		h.replyError(clientID, msg.RequestID, msg.AuctionID, domain.NewValidationError("config", "is required"))
		return
	}
	a, err := h.monitor.AddAuction(ctx, services.AddAuctionRequest{
		AuctionID: msg.AuctionID,
		ProductID: msg.ProductID,
		Title:     msg.Title,
		Config:    *msg.Config,
	})
	if err != nil {
		h.replyError(clientID, msg.RequestID, msg.AuctionID, err)
		return
	}
	h.broadcaster.Subscribe(clientID, a.ID)
	h.reply(clientID, msg.RequestID, services.MsgAuctionState, a)
}

func (h *WebSocketHandler) handleStopMonitoring(ctx context.Context, clientID string, msg ClientMessage) {
	if err := h.monitor.RemoveAuction(ctx, msg.AuctionID); err != nil {
		h.replyError(clientID, msg.RequestID, msg.AuctionID, err)
		return
	}
	h.reply(clientID, msg.RequestID, services.MsgAuctionRemoved, map[string]string{
		"auctionId": msg.AuctionID,
		"reason":    "removed",
	})
}

func (h *WebSocketHandler) handleUpdateConfig(ctx context.Context, clientID string, msg ClientMessage) {
	if msg.Config == nil {
		h.replyError(clientID, msg.RequestID, msg.AuctionID, domain.NewValidationError("config", "is required"))
		return
	}
	a, err := h.monitor.UpdateConfig(ctx, msg.AuctionID, *msg.Config)
	if err != nil {
		h.replyError(clientID, msg.RequestID, msg.AuctionID, err)
		return
	}
	h.reply(clientID, msg.RequestID, services.MsgAuctionState, a)
}

func (h *WebSocketHandler) handleSubscribe(clientID string, msg ClientMessage) {
	a, ok := h.monitor.GetAuction(msg.AuctionID)
	if !ok {
		h.replyError(clientID, msg.RequestID, msg.AuctionID, domain.NewNotFoundError(msg.AuctionID))
		return
	}
	h.broadcaster.Subscribe(clientID, a.ID)
	h.reply(clientID, msg.RequestID, services.MsgAuctionState, a)
}

func (h *WebSocketHandler) handlePlaceBid(ctx context.Context, clientID string, msg ClientMessage) {
	if !msg.Amount.Valid {
		h.replyError(clientID, msg.RequestID, msg.AuctionID, domain.NewValidationError("amount", "is required"))
		return
	}
	result, err := h.monitor.PlaceBid(ctx, msg.AuctionID, msg.Amount.Decimal)
	if err != nil && result.AuctionID == "" {
		h.replyError(clientID, msg.RequestID, msg.AuctionID, err)
		return
	}
	h.reply(clientID, msg.RequestID, services.MsgBidResult, result)
}
