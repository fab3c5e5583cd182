package domain

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindTransient          ErrorKind = "transient_network"
	KindAuthentication     ErrorKind = "authentication"
	KindValidation         ErrorKind = "validation"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindAuctionNotFound    ErrorKind = "auction_not_found"
	KindBidRejected        ErrorKind = "bid_rejected"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindUnknown            ErrorKind = "unknown"
)

// Reasons carried by bid_rejected errors.
const (
	ReasonDuplicateAmount = "duplicate_amount"
	ReasonBidTooLow       = "bid_too_low"
	ReasonAuctionEnded    = "auction_ended"
	ReasonAlreadyOutbid   = "already_outbid"
	ReasonBidInFlight     = "bid_in_flight"
)

type Error struct {
	Kind      ErrorKind
	AuctionID string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.AuctionID != "" {
		msg += " [" + e.AuctionID + "]"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so errors.Is(err, ErrCircuitOpen) works for any circuit-open error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrCircuitOpen     = &Error{Kind: KindCircuitOpen}
	ErrAuctionNotFound = &Error{Kind: KindAuctionNotFound}
	ErrAlreadyExists   = errors.New("auction already monitored")
)

func NewTransientError(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

func NewAuthenticationError(err error) error {
	return &Error{Kind: KindAuthentication, Err: err}
}

func NewValidationError(field, message string) error {
	return &Error{Kind: KindValidation, Reason: field, Err: errors.New(message)}
}

func NewNotFoundError(auctionID string) error {
	return &Error{Kind: KindAuctionNotFound, AuctionID: auctionID}
}

func NewBidRejectedError(auctionID, reason string, err error) error {
	return &Error{Kind: KindBidRejected, AuctionID: auctionID, Reason: reason, Err: err}
}

func NewStorageError(err error) error {
	return &Error{Kind: KindStorageUnavailable, Err: err}
}

func NewCircuitOpenError(openedAt time.Time) error {
	return &Error{Kind: KindCircuitOpen, Err: fmt.Errorf("circuit open since %s", openedAt.Format(time.RFC3339))}
}

// KindOf reports the taxonomy kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the rejection reason of a bid_rejected error.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// ToErrorInfo converts err into the descriptor stored on an auction.
func ToErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{
		Kind:    KindOf(err),
		Reason:  ReasonOf(err),
		Message: err.Error(),
		At:      time.Now(),
	}
}
