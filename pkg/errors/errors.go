// Package apperrors holds the exchange error taxonomy shared by adapters and the executor
package apperrors

import (
	"context"
	"errors"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrTimeout               = errors.New("request timeout")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrReduceOnlyRejected    = errors.New("reduce only order rejected")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// IsTransient reports whether a retry may succeed. Unknown errors are fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrSystemOverload),
		errors.Is(err, ErrTimestampOutOfBounds),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// IsFatal is the complement of IsTransient for non-nil errors
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}
