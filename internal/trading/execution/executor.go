// Package execution turns a breached stop into exactly one reduce-only exit order
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/risk"
	"stop_engine/internal/store"
	"stop_engine/internal/trading/fsm"
	apperrors "stop_engine/pkg/errors"
	"stop_engine/pkg/telemetry"
	"stop_engine/pkg/tradingutils"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// EventStore is the subset of the store used by the executor
type EventStore interface {
	Append(ctx context.Context, ev *core.Event) error
	ClaimTrigger(ctx context.Context, ev *core.Event, tr *store.PositionTransition) error
	GetPosition(ctx context.Context, id string) (*core.Position, error)
	SavePosition(ctx context.Context, pos *core.Position, events ...*core.Event) error
	GetExecution(ctx context.Context, positionID string) (*core.Execution, error)
	ListEventsByToken(ctx context.Context, token string) ([]*core.Event, error)
}

// Breaker is the per-symbol circuit breaker
type Breaker interface {
	Allow(ctx context.Context, symbol string) (risk.Decision, error)
	RecordFailure(ctx context.Context, symbol, cause string) (bool, error)
	RecordSuccess(ctx context.Context, symbol string) error
	ReleaseTrial(ctx context.Context, symbol string) error
}

// StopIntent asks for the exit of a position whose stop was breached
type StopIntent struct {
	PositionID   string
	Symbol       string
	Side         core.Side
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	TriggerPrice decimal.Decimal
	ObservedAt   time.Time
	Source       core.Source
	Reason       string
	// Tracked intents move a position row active -> exiting in the claim.
	// Untracked intents come from the scanner and have no row.
	Tracked bool
	// Token overrides the derived execution token
	Token string
}

// Result describes the outcome of a won claim
type Result struct {
	Token       string
	Status      core.ExecutionStatus
	Order       *core.Order
	SlippagePct decimal.Decimal
	Position    *core.Position
}

type Config struct {
	TokenBucket     time.Duration
	AttemptTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	FeeRate         decimal.Decimal
	Slippage        risk.SlippagePolicy
}

// Executor runs the claim -> submit -> record pipeline. It holds no lock;
// the claim in the store is the only mutual exclusion.
type Executor struct {
	store    EventStore
	exchange core.IExchange
	breaker  Breaker
	limiter  *rate.Limiter
	config   Config
	logger   core.ILogger
	now      func() time.Time
}

func NewExecutor(st EventStore, exchange core.IExchange, breaker Breaker, limiter *rate.Limiter, config Config, logger core.ILogger) *Executor {
	if config.TokenBucket <= 0 {
		config.TokenBucket = core.DefaultTokenBucket
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 5 * time.Second
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 200 * time.Millisecond
	}
	if config.RetryMaxBackoff < config.RetryBackoff {
		config.RetryMaxBackoff = config.RetryBackoff
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Executor{
		store:    st,
		exchange: exchange,
		breaker:  breaker,
		limiter:  limiter,
		config:   config,
		logger:   logger.WithField("component", "stop_executor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for token buckets
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// TokenFor derives the idempotency key of an intent
func (e *Executor) TokenFor(intent StopIntent) string {
	if intent.Token != "" {
		return intent.Token
	}
	at := intent.ObservedAt
	if at.IsZero() {
		at = e.now()
	}
	if intent.Tracked {
		return core.ExecutionToken(intent.PositionID, intent.StopPrice, at, e.config.TokenBucket)
	}
	return core.InsuranceToken(intent.Symbol, intent.Side, intent.StopPrice, at, e.config.TokenBucket)
}

// Execute claims the trigger and, if this caller won, places the exit.
// Losing the claim returns core.ErrDuplicate and is not a failure.
// An open breaker returns core.ErrCircuitOpen after recording BLOCKED.
func (e *Executor) Execute(ctx context.Context, intent StopIntent) (*Result, error) {
	token := e.TokenFor(intent)
	intent.Token = token
	log := e.logger.WithFields(map[string]interface{}{
		"position_id": intent.PositionID,
		"symbol":      intent.Symbol,
		"token":       token,
		"source":      intent.Source.String(),
	})
	metrics := telemetry.GetGlobalMetrics()

	decision, err := e.breaker.Allow(ctx, intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("breaker check for %s: %w", intent.Symbol, err)
	}
	if decision == risk.Block {
		blocked := e.event(intent, core.EventBlocked)
		blocked.ErrorMessage = core.ErrCircuitOpen.Error()
		if err := e.store.Append(ctx, blocked); err != nil && !errors.Is(err, core.ErrDuplicate) {
			log.Error("Failed to record blocked execution", "error", err)
		}
		metrics.RecordClaim(ctx, intent.Symbol, intent.Source.String(), "blocked")
		log.Warn("Execution blocked by circuit breaker")
		return nil, fmt.Errorf("%s: %w", intent.Symbol, core.ErrCircuitOpen)
	}
	trial := decision == risk.Trial

	triggered := e.event(intent, core.EventTriggered)
	var tr *store.PositionTransition
	if intent.Tracked {
		tr = &store.PositionTransition{PositionID: intent.PositionID, From: core.StateActive, To: core.StateExiting}
	}
	if err := e.store.ClaimTrigger(ctx, triggered, tr); err != nil {
		if trial {
			e.releaseTrial(ctx, intent.Symbol, log)
		}
		if errors.Is(err, core.ErrDuplicate) {
			metrics.RecordClaim(ctx, intent.Symbol, intent.Source.String(), "duplicate")
			log.Debug("Claim lost", "reason", err.Error())
			return nil, err
		}
		return nil, fmt.Errorf("claim %s: %w", token, err)
	}
	metrics.RecordClaim(ctx, intent.Symbol, intent.Source.String(), "won")
	log.Info("Trigger claimed",
		"trigger_price", intent.TriggerPrice.String(),
		"stop_price", intent.StopPrice.String(),
		"reason", intent.Reason)

	return e.submit(ctx, intent, trial, log)
}

// releaseTrial hands a half-open slot back when the exchange was never called
func (e *Executor) releaseTrial(ctx context.Context, symbol string, log core.ILogger) {
	if err := e.breaker.ReleaseTrial(context.WithoutCancel(ctx), symbol); err != nil {
		log.Warn("Failed to release breaker trial", "error", err)
	}
}

// submit appends SUBMITTED, calls the exchange and records the outcome.
// Every write after the order call ignores cancellation of ctx.
func (e *Executor) submit(ctx context.Context, intent StopIntent, trial bool, log core.ILogger) (*Result, error) {
	if err := e.store.Append(ctx, e.event(intent, core.EventSubmitted)); err != nil && !errors.Is(err, core.ErrDuplicate) {
		if trial {
			e.releaseTrial(ctx, intent.Symbol, log)
		}
		return nil, fmt.Errorf("record submission %s: %w", intent.Token, err)
	}

	order, attempts, err := e.placeExit(ctx, intent, log)
	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		return e.fail(recordCtx, intent, attempts, err, log)
	}
	return e.complete(recordCtx, intent, order, attempts, log)
}

func (e *Executor) placeExit(ctx context.Context, intent StopIntent, log core.ILogger) (*core.Order, int, error) {
	req := &core.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side.CloseOrderSide(),
		Quantity:      intent.Quantity,
		ClientOrderID: intent.Token,
		ReduceOnly:    true,
	}

	var attempts int32
	var lastErr error
	policy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil && ctx.Err() == nil && apperrors.IsTransient(err)
		}).
		WithBackoff(e.config.RetryBackoff, e.config.RetryMaxBackoff).
		WithMaxRetries(e.config.MaxRetries).
		Build()

	order, err := failsafe.With[*core.Order](policy).Get(func() (*core.Order, error) {
		n := atomic.AddInt32(&attempts, 1)
		order, err := e.attempt(ctx, req, n > 1)
		if err != nil {
			lastErr = err
			log.Warn("Exit attempt failed", "attempt", n, "error", err.Error(), "transient", apperrors.IsTransient(err))
		}
		return order, err
	})
	if err != nil && lastErr != nil {
		err = lastErr
	}
	return order, int(atomic.LoadInt32(&attempts)), err
}

// attempt makes one bounded exchange call. Retries first look the order up
// by client id so a lost acknowledgement never produces a second order.
func (e *Executor) attempt(ctx context.Context, req *core.OrderRequest, retry bool) (*core.Order, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	if err := e.limiter.Wait(attemptCtx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", apperrors.ErrRateLimitExceeded)
	}

	if retry {
		if order, err := e.exchange.GetOrder(attemptCtx, req.Symbol, req.ClientOrderID); err == nil && order.IsFilled() {
			return order, nil
		}
	}

	start := time.Now()
	order, err := e.exchange.PlaceMarketOrder(attemptCtx, req)
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, "place_order", float64(time.Since(start).Milliseconds()))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("exit order %s: %w", req.ClientOrderID, apperrors.ErrTimeout)
		}
		return nil, err
	}
	if !order.IsFilled() {
		confirmed, err := e.exchange.GetOrder(attemptCtx, req.Symbol, req.ClientOrderID)
		if err == nil && confirmed.IsFilled() {
			return confirmed, nil
		}
		return nil, fmt.Errorf("exit order %s not filled (status %s): %w", req.ClientOrderID, order.Status, apperrors.ErrTimeout)
	}
	return order, nil
}

func (e *Executor) complete(ctx context.Context, intent StopIntent, order *core.Order, attempts int, log core.ILogger) (*Result, error) {
	metrics := telemetry.GetGlobalMetrics()
	closeSide := intent.Side.CloseOrderSide()

	fill := order.AvgPrice
	if fill.IsZero() {
		fill = intent.TriggerPrice
	}
	slippage := tradingutils.AdverseSlippagePct(intent.TriggerPrice, fill, closeSide == core.OrderSideSell).Round(4)

	executed := e.event(intent, core.EventExecuted)
	executed.ExchangeOrderID = order.OrderID
	executed.FillPrice = fill
	executed.SlippagePct = slippage
	executed.RetryCount = attempts - 1
	if !order.ExecutedQty.IsZero() {
		executed.Quantity = order.ExecutedQty
	}
	if err := e.store.Append(ctx, executed); err != nil && !errors.Is(err, core.ErrDuplicate) {
		// the exit is done on the exchange; recovery finishes the bookkeeping
		log.Error("Failed to record executed stop", "order_id", order.OrderID, "error", err)
		return nil, fmt.Errorf("record execution %s: %w", intent.Token, err)
	}

	if !intent.ObservedAt.IsZero() {
		metrics.RecordTickToTrade(ctx, intent.Symbol, float64(time.Since(intent.ObservedAt).Milliseconds()))
	}
	metrics.RecordExecution(ctx, intent.Symbol, string(core.ExecutionExecuted))
	metrics.RecordSlippage(ctx, intent.Symbol, slippage.InexactFloat64())

	e.applySlippagePolicy(ctx, intent, slippage, log)

	result := &Result{Token: intent.Token, Status: core.ExecutionExecuted, Order: order, SlippagePct: slippage}
	if !intent.Tracked {
		metrics.RecordInsuranceExit(ctx, intent.Symbol)
		log.Warn("Insurance exit executed", "fill_price", fill.String(), "order_id", order.OrderID)
		return result, nil
	}

	pos, err := e.closePosition(ctx, intent, fill, order)
	if err != nil {
		return result, err
	}
	result.Position = pos
	metrics.RecordRealizedPnL(ctx, intent.Symbol, pos.RealizedPnL.InexactFloat64())
	log.Info("Stop executed",
		"fill_price", fill.String(),
		"slippage_pct", slippage.String(),
		"realized_pnl", pos.RealizedPnL.String(),
		"attempts", attempts)
	return result, nil
}

func (e *Executor) applySlippagePolicy(ctx context.Context, intent StopIntent, slippage decimal.Decimal, log core.ILogger) {
	verdict := e.config.Slippage.Evaluate(slippage)
	if verdict != risk.SlippageOK {
		breach := e.event(intent, core.EventSlippageBreach)
		breach.SlippagePct = slippage
		breach.Payload["max_slippage_pct"] = e.config.Slippage.MaxPct.String()
		breach.Payload["pause"] = verdict == risk.SlippagePause
		if err := e.store.Append(ctx, breach); err != nil && !errors.Is(err, core.ErrDuplicate) {
			log.Error("Failed to record slippage breach", "error", err)
		}
		log.Warn("Slippage above limit, fill accepted", "slippage_pct", slippage.String())
	}

	if verdict == risk.SlippagePause {
		if _, err := e.breaker.RecordFailure(ctx, intent.Symbol, "slippage "+slippage.String()+"%"); err != nil {
			log.Error("Failed to record breaker failure", "error", err)
		}
		return
	}
	if err := e.breaker.RecordSuccess(ctx, intent.Symbol); err != nil {
		log.Error("Failed to record breaker success", "error", err)
	}
}

func (e *Executor) fail(ctx context.Context, intent StopIntent, attempts int, cause error, log core.ILogger) (*Result, error) {
	failed := e.event(intent, core.EventFailed)
	failed.ErrorMessage = cause.Error()
	failed.RetryCount = attempts - 1
	failed.Payload["transient"] = apperrors.IsTransient(cause)
	if err := e.store.Append(ctx, failed); err != nil && !errors.Is(err, core.ErrDuplicate) {
		log.Error("Failed to record failed stop", "error", err)
	}

	telemetry.GetGlobalMetrics().RecordExecution(ctx, intent.Symbol, string(core.ExecutionFailed))
	if _, err := e.breaker.RecordFailure(ctx, intent.Symbol, cause.Error()); err != nil {
		log.Error("Failed to record breaker failure", "error", err)
	}

	result := &Result{Token: intent.Token, Status: core.ExecutionFailed}
	if intent.Tracked {
		pos, err := e.errorPosition(ctx, intent.PositionID, cause)
		if err != nil {
			log.Error("Failed to move position to error", "error", err)
		}
		result.Position = pos
	}
	log.Error("Stop execution failed", "attempts", attempts, "error", cause.Error())
	return result, fmt.Errorf("stop %s failed after %d attempts: %w", intent.Token, attempts, cause)
}

// closePosition finalizes the row, reloading on version conflicts
func (e *Executor) closePosition(ctx context.Context, intent StopIntent, fill decimal.Decimal, order *core.Order) (*core.Position, error) {
	return e.finalize(ctx, intent.PositionID, func(pos *core.Position) []*core.Event {
		if err := fsm.Transition(pos, core.StateClosed); err != nil {
			return nil
		}
		entry := pos.EntryFillPrice
		if entry.IsZero() {
			entry = pos.EntryPrice
		}
		qty := pos.Quantity
		if !order.ExecutedQty.IsZero() {
			qty = order.ExecutedQty
		}
		fees := order.Commission
		if fees.IsZero() {
			fees = tradingutils.TradingFees(entry, fill, qty, e.config.FeeRate)
		} else {
			// entry leg fee at the configured rate, exit leg as reported
			fees = fees.Add(entry.Mul(qty).Mul(e.config.FeeRate))
		}
		now := e.now()
		pos.ExitPrice = fill
		pos.FeesPaid = fees
		pos.RealizedPnL = tradingutils.GrossPnL(entry, fill, qty, pos.Side == core.SideLong).Sub(fees)
		pos.ExitReason = intent.Reason
		pos.ClosedAt = &now
		return []*core.Event{{
			PositionID:      pos.ID,
			Symbol:          pos.Symbol,
			Type:            core.EventPositionClosed,
			ExchangeOrderID: order.OrderID,
			FillPrice:       fill,
			Quantity:        qty,
			Payload: map[string]interface{}{
				"execution_token": intent.Token,
				"exit_reason":     intent.Reason,
				"realized_pnl":    pos.RealizedPnL.String(),
				"fees_paid":       fees.String(),
			},
		}}
	})
}

func (e *Executor) errorPosition(ctx context.Context, positionID string, cause error) (*core.Position, error) {
	return e.finalize(ctx, positionID, func(pos *core.Position) []*core.Event {
		if err := fsm.Transition(pos, core.StateError); err != nil {
			return nil
		}
		pos.LastError = cause.Error()
		return []*core.Event{{
			PositionID:   pos.ID,
			Symbol:       pos.Symbol,
			Type:         core.EventPositionError,
			ErrorMessage: cause.Error(),
		}}
	})
}

// finalize applies mutate to a fresh copy of the position and saves it. A nil
// event slice means the transition is no longer legal and nothing is written.
func (e *Executor) finalize(ctx context.Context, positionID string, mutate func(pos *core.Position) []*core.Event) (*core.Position, error) {
	for attempt := 0; attempt < 5; attempt++ {
		pos, err := e.store.GetPosition(ctx, positionID)
		if err != nil {
			return nil, err
		}
		events := mutate(pos)
		if events == nil {
			return pos, nil
		}
		err = e.store.SavePosition(ctx, pos, events...)
		if err == nil {
			return pos, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("position %s: %w", positionID, core.ErrVersionConflict)
}

func (e *Executor) event(intent StopIntent, typ core.EventType) *core.Event {
	return &core.Event{
		PositionID:   intent.PositionID,
		Symbol:       intent.Symbol,
		Type:         typ,
		Token:        intent.Token,
		Source:       intent.Source,
		TriggerPrice: intent.TriggerPrice,
		StopPrice:    intent.StopPrice,
		Quantity:     intent.Quantity,
		OrderSide:    intent.Side.CloseOrderSide(),
		Payload: map[string]interface{}{
			"reason":      intent.Reason,
			"tracked":     intent.Tracked,
			"side":        string(intent.Side),
			"entry_price": intent.EntryPrice.String(),
		},
	}
}
