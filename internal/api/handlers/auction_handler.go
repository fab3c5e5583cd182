package handlers

import (
	"context"
	"errors"
	"net/http"

	"auction-monitor/internal/domain"
	"auction-monitor/internal/services"
	"auction-monitor/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// AuctionService is the management surface of the monitor.
type AuctionService interface {
	AddAuction(ctx context.Context, req services.AddAuctionRequest) (domain.Auction, error)
	RemoveAuction(ctx context.Context, auctionID string) error
	UpdateConfig(ctx context.Context, auctionID string, cfg domain.AuctionConfig) (domain.Auction, error)
	PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) (domain.BidResult, error)
	GetAuction(auctionID string) (domain.Auction, bool)
	ListAuctions() []domain.Auction
	BidHistory(ctx context.Context, auctionID string) ([]domain.BidHistoryEntry, error)
	Status() services.MonitorStatus
	UpdateSession(session string) ([]string, error)
}

type AuctionHandler struct {
	auctionManager AuctionService
	log            logger.Logger
}

type PlaceBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type UpdateSessionRequest struct {
	Session string `json:"session"`
}

type ErrorResponse struct {
	Error  string           `json:"error"`
	Kind   domain.ErrorKind `json:"kind"`
	Reason string           `json:"reason,omitempty"`
}

func NewAuctionHandler(auctionManager AuctionService, log logger.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctionManager: auctionManager,
		log:            log,
	}
}

// Register mounts the management routes under g.
func (h *AuctionHandler) Register(g *echo.Group) {
	g.POST("/auctions", h.AddAuction)
	g.GET("/auctions", h.ListAuctions)
	g.GET("/auctions/:id", h.GetAuction)
	g.PUT("/auctions/:id/config", h.UpdateConfig)
	g.DELETE("/auctions/:id", h.RemoveAuction)
	g.POST("/auctions/:id/bids", h.PlaceBid)
	g.GET("/auctions/:id/history", h.BidHistory)
	g.GET("/status", h.Status)
	g.POST("/session", h.UpdateSession)
}

func (h *AuctionHandler) AddAuction(c echo.Context) error {
	h.log.Info("AddAuction endpoint called",
		"remote_addr", c.RealIP(),
		"user_agent", c.Request().UserAgent())

	var req services.AddAuctionRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Kind: domain.KindValidation})
	}

	auction, err := h.auctionManager.AddAuction(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, auction)
}

func (h *AuctionHandler) ListAuctions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.auctionManager.ListAuctions())
}

func (h *AuctionHandler) GetAuction(c echo.Context) error {
	auctionID := c.Param("id")
	auction, ok := h.auctionManager.GetAuction(auctionID)
	if !ok {
		return h.fail(c, domain.NewNotFoundError(auctionID))
	}
	return c.JSON(http.StatusOK, auction)
}

func (h *AuctionHandler) UpdateConfig(c echo.Context) error {
	var cfg domain.AuctionConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Kind: domain.KindValidation})
	}

	auction, err := h.auctionManager.UpdateConfig(c.Request().Context(), c.Param("id"), cfg)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, auction)
}

func (h *AuctionHandler) RemoveAuction(c echo.Context) error {
	if err := h.auctionManager.RemoveAuction(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AuctionHandler) PlaceBid(c echo.Context) error {
	var req PlaceBidRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Kind: domain.KindValidation})
	}

	auctionID := c.Param("id")
	h.log.Info("Manual bid requested", "auction_id", auctionID, "amount", req.Amount.String())

	result, err := h.auctionManager.PlaceBid(c.Request().Context(), auctionID, req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *AuctionHandler) BidHistory(c echo.Context) error {
	entries, err := h.auctionManager.BidHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *AuctionHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.auctionManager.Status())
}

func (h *AuctionHandler) UpdateSession(c echo.Context) error {
	var req UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Kind: domain.KindValidation})
	}

	resumed, err := h.auctionManager.UpdateSession(req.Session)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"resumed": resumed})
}

func (h *AuctionHandler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, ErrorResponse{
		Error:  err.Error(),
		Kind:   domain.KindOf(err),
		Reason: domain.ReasonOf(err),
	})
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuctionNotFound:
		return http.StatusNotFound
	case domain.KindBidRejected:
		return http.StatusConflict
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindCircuitOpen, domain.KindTransient:
		return http.StatusServiceUnavailable
	case domain.KindStorageUnavailable:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
