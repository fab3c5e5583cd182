// Package auctionapi talks to the external auction site: request/response
// snapshots, bid placement and the per-product event stream.
package auctionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"auction-monitor/internal/domain"
	"auction-monitor/pkg/logger"

	"github.com/shopspring/decimal"
)

const sessionCookieName = "session"

// Client implements domain.AuctionAPI and domain.StreamSource.
type Client struct {
	baseURL      string
	streamURL    string
	bidderID     string
	httpClient   *http.Client
	streamClient *http.Client
	log          logger.Logger

	mu      sync.RWMutex
	session string
}

type ClientOption func(*Client)

func NewClient(baseURL, streamURL, session, bidderID string, log logger.Logger, opts ...ClientOption) *Client {
	if streamURL == "" {
		streamURL = strings.TrimSuffix(baseURL, "/") + "/stream"
	}
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		streamURL: strings.TrimSuffix(streamURL, "/"),
		bidderID:  bidderID,
		session:   session,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Streams are long-lived; only the context ends them.
		streamClient: &http.Client{},
		log:          log,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// SetSession swaps the session cookie used for every later request.
func (c *Client) SetSession(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

func (c *Client) currentSession() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

type auctionResponse struct {
	AuctionID     string          `json:"auctionId"`
	CurrentBid    decimal.Decimal `json:"currentBid"`
	TimeRemaining int             `json:"timeRemaining"`
	BidCount      int             `json:"bidCount"`
	HighBidder    string          `json:"highBidder"`
	IsWinning     *bool           `json:"isWinning"`
	Status        string          `json:"status"`
}

type bidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type bidResponse struct {
	Success bool            `json:"success"`
	NewBid  decimal.Decimal `json:"newBid"`
	Reason  string          `json:"reason"`
	Error   string          `json:"error"`
}

func (c *Client) GetAuctionSnapshot(ctx context.Context, auctionID string) (*domain.AuctionSnapshot, error) {
	body, err := c.do(ctx, http.MethodGet, "/auctions/"+url.PathEscape(auctionID), nil, auctionID)
	if err != nil {
		return nil, err
	}

	var resp auctionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("unmarshal auction: %w", err))
	}

	status, err := domain.ParseAuctionStatus(resp.Status)
	if err != nil {
		return nil, domain.NewTransientError(err)
	}
	winning := resp.HighBidder != "" && resp.HighBidder == c.bidderID
	if resp.IsWinning != nil {
		winning = *resp.IsWinning
	}

	snap := domain.FullSnapshot(auctionID, domain.OriginPoll, domain.AuctionData{
		CurrentBid:           resp.CurrentBid,
		TimeRemainingSeconds: resp.TimeRemaining,
		BidCount:             resp.BidCount,
		IsWinning:            winning,
		LastBidder:           resp.HighBidder,
		Status:               status,
	})
	return &snap, nil
}

func (c *Client) PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) (*domain.BidResult, error) {
	payload, err := json.Marshal(bidRequest{Amount: amount})
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodPost, "/auctions/"+url.PathEscape(auctionID)+"/bids", payload, auctionID)
	if err != nil {
		return nil, err
	}

	var resp bidResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("unmarshal bid response: %w", err))
	}
	return &domain.BidResult{
		AuctionID: auctionID,
		Amount:    amount,
		Success:   resp.Success,
		NewBid:    resp.NewBid,
		Reason:    resp.Reason,
		PlacedAt:  time.Now(),
	}, nil
}

// OpenStream connects to the product's event stream. The caller closes the body.
func (c *Client) OpenStream(ctx context.Context, productID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL+"/"+url.PathEscape(productID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.authorize(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(productID, resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *Client) authorize(req *http.Request) {
	if session := c.currentSession(); session != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: session})
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, auctionID string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		c.log.Debug("Auction API error", "method", method, "path", path, "status", resp.StatusCode)
		return nil, classifyStatus(auctionID, resp.StatusCode, body)
	}
	return body, nil
}

// classifyStatus maps an HTTP failure onto the error taxonomy.
func classifyStatus(auctionID string, status int, body []byte) error {
	var resp bidResponse
	_ = json.Unmarshal(body, &resp)
	msg := resp.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("auction api %d: %s", status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewAuthenticationError(cause)
	case status == http.StatusNotFound:
		return &domain.Error{Kind: domain.KindAuctionNotFound, AuctionID: auctionID, Err: cause}
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return domain.NewBidRejectedError(auctionID, rejectionReason(resp.Reason), cause)
	case status == http.StatusBadRequest:
		return domain.NewValidationError("request", cause.Error())
	default:
		return domain.NewTransientError(cause)
	}
}

func rejectionReason(reason string) string {
	switch reason {
	case domain.ReasonDuplicateAmount, domain.ReasonBidTooLow, domain.ReasonAuctionEnded, domain.ReasonAlreadyOutbid:
		return reason
	default:
		return domain.ReasonBidTooLow
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewTransientError(fmt.Errorf("timeout: %w", err))
	}
	return domain.NewTransientError(err)
}
