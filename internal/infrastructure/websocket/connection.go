package websocket

import (
	"sync"
	"time"

	"auction-monitor/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// WebSocketConnection is one client socket. Writes go through a buffered
// queue drained by WritePump so senders never block on the network.
type WebSocketConnection struct {
	conn     *websocket.Conn
	clientID string
	send     chan []byte
	log      logger.Logger

	mu     sync.RWMutex
	closed bool
}

func NewWebSocketConnection(conn *websocket.Conn, clientID string, buffer int, log logger.Logger) *WebSocketConnection {
	if buffer < 1 {
		buffer = 64
	}
	return &WebSocketConnection{
		conn:     conn,
		clientID: clientID,
		send:     make(chan []byte, buffer),
		log:      log,
	}
}

func (wsc *WebSocketConnection) ClientID() string {
	return wsc.clientID
}

// TrySend implements domain.Transport.
func (wsc *WebSocketConnection) TrySend(payload []byte) bool {
	wsc.mu.RLock()
	defer wsc.mu.RUnlock()
	if wsc.closed {
		return false
	}
	select {
	case wsc.send <- payload:
		return true
	default:
		return false
	}
}

func (wsc *WebSocketConnection) IsOpen() bool {
	wsc.mu.RLock()
	defer wsc.mu.RUnlock()
	return !wsc.closed
}

// Close stops the write pump, which then closes the socket.
func (wsc *WebSocketConnection) Close() error {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()
	if wsc.closed {
		return nil
	}
	wsc.closed = true
	close(wsc.send)
	return nil
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (wsc *WebSocketConnection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.conn.Close()
	}()

	for {
		select {
		case message, ok := <-wsc.send:
			wsc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wsc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				wsc.log.Debug("Write failed", "client_id", wsc.clientID, "error", err)
				wsc.Close()
				return
			}
		case <-ticker.C:
			wsc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				wsc.Close()
				return
			}
		}
	}
}

// ReadPump calls handle for every inbound text message until the socket fails.
func (wsc *WebSocketConnection) ReadPump(handle func(message []byte)) {
	wsc.conn.SetReadLimit(maxMessageSize)
	wsc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wsc.conn.SetPongHandler(func(string) error {
		return wsc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := wsc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsc.log.Warn("Failed to read message", "client_id", wsc.clientID, "error", err)
			}
			return
		}
		handle(message)
	}
}
