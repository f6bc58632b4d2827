package risk

import (
	"context"
	"fmt"
	"time"

	"stop_engine/internal/core"
	"stop_engine/pkg/telemetry"
)

// Decision is the outcome of a breaker check
type Decision int

const (
	// Allow lets the execution proceed normally
	Allow Decision = iota
	// Trial lets exactly one execution test a half-open breaker
	Trial
	// Block rejects the execution without calling the exchange
	Block
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Trial:
		return "trial"
	default:
		return "block"
	}
}

// BreakerStore persists breaker rows with optimistic versioning
type BreakerStore interface {
	LoadBreaker(ctx context.Context, symbol string, defaults core.CircuitBreakerState) (*core.CircuitBreakerState, error)
	CompareAndSwapBreaker(ctx context.Context, next *core.CircuitBreakerState, events ...*core.Event) (bool, error)
	ListBreakers(ctx context.Context) ([]*core.CircuitBreakerState, error)
}

type CircuitConfig struct {
	FailureThreshold int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	// TrialTimeout bounds how long an unreported trial holds the half-open slot
	TrialTimeout time.Duration
}

const maxSwapAttempts = 16

// CircuitBreaker is a per-symbol breaker whose state lives in the database,
// so every process sharing the database sees the same decision.
type CircuitBreaker struct {
	store  BreakerStore
	config CircuitConfig
	logger core.ILogger
	now    func() time.Time
}

func NewCircuitBreaker(store BreakerStore, config CircuitConfig, logger core.ILogger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Minute
	}
	if config.MaxRetryDelay < config.RetryDelay {
		config.MaxRetryDelay = config.RetryDelay
	}
	if config.TrialTimeout <= 0 {
		config.TrialTimeout = time.Minute
	}
	return &CircuitBreaker{
		store:  store,
		config: config,
		logger: logger.WithField("component", "circuit_breaker"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.now = now
}

func (cb *CircuitBreaker) defaults(symbol string) core.CircuitBreakerState {
	return core.CircuitBreakerState{
		Symbol:           symbol,
		State:            core.BreakerClosed,
		FailureThreshold: cb.config.FailureThreshold,
		RetryDelay:       cb.config.RetryDelay,
	}
}

// mutate loads the row, lets fn derive the next state and swaps it in,
// reloading on version conflicts. fn returns nil to leave the row alone.
func (cb *CircuitBreaker) mutate(ctx context.Context, symbol string,
	fn func(cur core.CircuitBreakerState) (*core.CircuitBreakerState, []*core.Event),
) (*core.CircuitBreakerState, bool, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		cur, err := cb.store.LoadBreaker(ctx, symbol, cb.defaults(symbol))
		if err != nil {
			return nil, false, err
		}
		next, events := fn(*cur)
		if next == nil {
			return cur, false, nil
		}
		ok, err := cb.store.CompareAndSwapBreaker(ctx, next, events...)
		if err != nil {
			return nil, false, err
		}
		if ok {
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(symbol, next.State != core.BreakerClosed)
			return next, true, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("breaker %s: too many concurrent updates", symbol)
}

// Allow decides whether an execution on symbol may reach the exchange.
// A Trial decision must be followed by RecordSuccess, RecordFailure or ReleaseTrial.
// While a trial is in flight WillRetryAt holds its lease deadline; once that
// passes the slot is handed to the next caller.
func (cb *CircuitBreaker) Allow(ctx context.Context, symbol string) (Decision, error) {
	decision := Block
	reclaimed := false
	_, _, err := cb.mutate(ctx, symbol, func(cur core.CircuitBreakerState) (*core.CircuitBreakerState, []*core.Event) {
		now := cb.now()
		switch cur.State {
		case core.BreakerClosed:
			decision = Allow
			return nil, nil
		case core.BreakerOpen:
			if cur.WillRetryAt != nil && now.Before(*cur.WillRetryAt) {
				decision = Block
				return nil, nil
			}
		case core.BreakerHalfOpen:
			if cur.TrialInFlight && (cur.WillRetryAt == nil || now.Before(*cur.WillRetryAt)) {
				decision = Block
				return nil, nil
			}
		}
		decision = Trial
		reclaimed = cur.State == core.BreakerHalfOpen && cur.TrialInFlight
		lease := now.Add(cb.config.TrialTimeout)
		next := cur
		next.State = core.BreakerHalfOpen
		next.TrialInFlight = true
		next.WillRetryAt = &lease
		return &next, nil
	})
	if err != nil {
		return Block, err
	}
	switch {
	case reclaimed:
		cb.logger.Warn("Breaker trial lease expired, allowing new trial", "symbol", symbol)
	case decision == Trial:
		cb.logger.Info("Breaker half-open, allowing trial", "symbol", symbol)
	}
	return decision, nil
}

// RecordFailure counts one failed execution. It reports whether this call opened the breaker.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, symbol, cause string) (bool, error) {
	opened := false
	next, _, err := cb.mutate(ctx, symbol, func(cur core.CircuitBreakerState) (*core.CircuitBreakerState, []*core.Event) {
		now := cb.now()
		next := cur
		next.FailureCount++
		next.LastFailureAt = &now
		opened = false

		switch cur.State {
		case core.BreakerClosed:
			if next.FailureCount < next.FailureThreshold {
				return &next, nil
			}
			next.RetryDelay = cb.config.RetryDelay
		case core.BreakerHalfOpen:
			next.RetryDelay = cur.RetryDelay * 2
			if next.RetryDelay > cb.config.MaxRetryDelay {
				next.RetryDelay = cb.config.MaxRetryDelay
			}
		case core.BreakerOpen:
			return &next, nil
		}

		retryAt := now.Add(next.RetryDelay)
		next.State = core.BreakerOpen
		next.TrialInFlight = false
		next.OpenedAt = &now
		next.WillRetryAt = &retryAt
		opened = true
		return &next, []*core.Event{{
			Symbol:       symbol,
			Type:         core.EventCircuitBreaker,
			Token:        core.BreakerToken(symbol, now),
			ErrorMessage: cause,
			RetryCount:   next.FailureCount,
			Payload: map[string]interface{}{
				"state":          string(core.BreakerOpen),
				"previous_state": string(cur.State),
				"failure_count":  next.FailureCount,
				"retry_delay":    next.RetryDelay.String(),
				"will_retry_at":  retryAt,
			},
			OccurredAt: now,
		}}
	})
	if err != nil {
		return false, err
	}
	if opened {
		cb.logger.Warn("Circuit breaker opened",
			"symbol", symbol,
			"failures", next.FailureCount,
			"retry_at", next.WillRetryAt,
			"cause", cause)
	}
	return opened, nil
}

// RecordSuccess closes the breaker and resets the failure count
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, symbol string) error {
	_, changed, err := cb.mutate(ctx, symbol, func(cur core.CircuitBreakerState) (*core.CircuitBreakerState, []*core.Event) {
		if cur.State == core.BreakerClosed && cur.FailureCount == 0 {
			return nil, nil
		}
		next := cur
		next.State = core.BreakerClosed
		next.FailureCount = 0
		next.TrialInFlight = false
		next.RetryDelay = cb.config.RetryDelay
		next.OpenedAt = nil
		next.WillRetryAt = nil
		if cur.State == core.BreakerClosed {
			return &next, nil
		}
		return &next, []*core.Event{{
			Symbol: symbol,
			Type:   core.EventCircuitBreaker,
			Payload: map[string]interface{}{
				"state":          string(core.BreakerClosed),
				"previous_state": string(cur.State),
			},
			OccurredAt: cb.now(),
		}}
	})
	if err == nil && changed {
		cb.logger.Debug("Breaker reset", "symbol", symbol)
	}
	return err
}

// ReleaseTrial gives back a trial slot that never reached the exchange
func (cb *CircuitBreaker) ReleaseTrial(ctx context.Context, symbol string) error {
	_, _, err := cb.mutate(ctx, symbol, func(cur core.CircuitBreakerState) (*core.CircuitBreakerState, []*core.Event) {
		if cur.State != core.BreakerHalfOpen || !cur.TrialInFlight {
			return nil, nil
		}
		now := cb.now()
		next := cur
		next.TrialInFlight = false
		next.WillRetryAt = &now
		return &next, nil
	})
	return err
}

// State returns the persisted row for symbol
func (cb *CircuitBreaker) State(ctx context.Context, symbol string) (*core.CircuitBreakerState, error) {
	return cb.store.LoadBreaker(ctx, symbol, cb.defaults(symbol))
}

// Snapshot returns every known breaker
func (cb *CircuitBreaker) Snapshot(ctx context.Context) ([]*core.CircuitBreakerState, error) {
	return cb.store.ListBreakers(ctx)
}
