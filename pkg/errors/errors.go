// Package errors defines the reason-coded error taxonomy shared by every
// engine component and the API layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable reason code surfaced to API clients.
type Code string

const (
	CodeInvalidOrder          Code = "invalid_order"
	CodeMarketClosed          Code = "market_closed"
	CodeInsufficientLiquidity Code = "insufficient_liquidity"
	CodeInsufficientFunds     Code = "insufficient_funds"
	CodePrivilegeRequired     Code = "privilege_required"
	CodeBidTooLow             Code = "bid_too_low"
	CodeAuctionClosed         Code = "auction_closed"
	CodeNotFound              Code = "not_found"
	CodeSessionEnded          Code = "session_ended"
	CodeInvalidState          Code = "invalid_state"
	CodeConflict              Code = "conflict"
	CodeValidation            Code = "validation_error"
	CodeInternal              Code = "internal_error"
)

// Error carries a reason code alongside a human-readable detail. It wraps an
// optional cause for errors.Is/As chains.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two taxonomy errors by code, so sentinel-style comparisons like
// errors.Is(err, New(CodeNotFound, "")) work regardless of detail text.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a taxonomy error with a formatted detail.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a reason code to an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the reason code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a reason code to the status the API layer responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidOrder, CodeValidation:
		return http.StatusBadRequest
	case CodeMarketClosed, CodeInsufficientFunds, CodeInsufficientLiquidity, CodePrivilegeRequired:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBidTooLow, CodeAuctionClosed, CodeConflict, CodeInvalidState, CodeSessionEnded:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Is re-exports errors.Is so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target any) bool { return errors.As(err, target) }
