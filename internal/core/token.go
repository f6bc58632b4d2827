package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Token namespaces. Tokens double as exchange client order ids (max 36 chars).
const (
	TokenPrefixStop      = "stop_"
	TokenPrefixInsurance = "insurance_"
	TokenPrefixEntry     = "entry_"
	TokenPrefixStale     = "stale_"
	TokenPrefixBreaker   = "breaker_"
	TokenPrefixKill      = "kill_"

	tokenHashLen = 24
)

// DefaultTokenBucket is the coarse time bucket folded into execution tokens
const DefaultTokenBucket = time.Minute

// ExecutionToken derives the idempotency key for a stop execution. Two observers
// seeing the same stop within the same bucket derive the same token.
func ExecutionToken(positionID string, stopPrice decimal.Decimal, at time.Time, bucket time.Duration) string {
	return deriveToken(TokenPrefixStop, positionID, stopPrice.String(), bucketIndex(at, bucket))
}

// InsuranceToken derives the token for a scanner-initiated exit. It lives in its
// own namespace so it never collides with a tracked position's stop token.
func InsuranceToken(symbol string, side Side, stopPrice decimal.Decimal, at time.Time, bucket time.Duration) string {
	return deriveToken(TokenPrefixInsurance, symbol, string(side), stopPrice.String(), bucketIndex(at, bucket))
}

// EntryToken is stable for the lifetime of a position so a resubmitted entry is
// deduplicated by the exchange.
func EntryToken(positionID string) string {
	return deriveToken(TokenPrefixEntry, positionID)
}

// StaleToken throttles STALE_PRICE events to one per bucket per position
func StaleToken(positionID string, at time.Time, bucket time.Duration) string {
	return deriveToken(TokenPrefixStale, positionID, bucketIndex(at, bucket))
}

// BreakerToken identifies one opening of a symbol's circuit breaker
func BreakerToken(symbol string, openedAt time.Time) string {
	return deriveToken(TokenPrefixBreaker, symbol, fmt.Sprint(openedAt.UnixMilli()))
}

// KillSwitchToken throttles KILL_SWITCH events to one per bucket per position
func KillSwitchToken(positionID string, at time.Time, bucket time.Duration) string {
	return deriveToken(TokenPrefixKill, positionID, bucketIndex(at, bucket))
}

func bucketIndex(at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultTokenBucket
	}
	return fmt.Sprint(at.UnixNano() / int64(bucket))
}

func deriveToken(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + hex.EncodeToString(sum[:])[:tokenHashLen]
}
