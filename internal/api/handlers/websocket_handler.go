package handlers

import (
	"net/http"

	"auction-monitor/internal/domain"
	"auction-monitor/internal/infrastructure/websocket"
	"auction-monitor/internal/services"
	"auction-monitor/pkg/logger"

	"github.com/gorilla/mux"
)

type WebSocketHandlers struct {
	wsHandler *websocket.WebSocketHandler
}

func NewWebSocketHandlers(monitor websocket.Monitor, broadcaster *services.EventBroadcaster,
	verifier domain.TokenVerifier, allowedOrigins []string, sendBuffer int, log logger.Logger) *WebSocketHandlers {
	wsHandler := websocket.NewWebSocketHandler(monitor, broadcaster, verifier, allowedOrigins, sendBuffer, log)
	return &WebSocketHandlers{
		wsHandler: wsHandler,
	}
}

func (h *WebSocketHandlers) HandleConnection(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}

// Router serves the client channel and a health check.
func (h *WebSocketHandlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", h.HandleConnection).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	return router
}
