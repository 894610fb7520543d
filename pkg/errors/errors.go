package apperrors

import (
	"context"
	"errors"
	"strings"
)

// Standardized order client and pipeline errors
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMarketClosed        = errors.New("market closed")
	ErrOrderRejected       = errors.New("order rejected")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrNetwork             = errors.New("network error")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidTrade        = errors.New("invalid trade")
	ErrPersistence         = errors.New("persistence failure")
	ErrSystemOverload      = errors.New("system overload")
)

// insufficientBalanceMarkers are substrings venues use for the same condition
var insufficientBalanceMarkers = []string{
	"insufficient balance",
	"insufficient funds",
	"not enough balance",
	"balance is not enough",
}

// IsInsufficientBalance reports whether err means the account cannot fund the order.
// It matches the sentinel as well as raw venue messages.
func IsInsufficientBalance(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range insufficientBalanceMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransient reports whether an operation that failed with err is worth retrying.
// Balance, validation and rejection errors are final; cancellation is final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsInsufficientBalance(err) ||
		errors.Is(err, ErrInvalidTrade) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrMarketClosed) {
		return false
	}
	return true
}
