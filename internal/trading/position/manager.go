// Package position owns the lifecycle of tracked positions: sizing, entry,
// per-position tasks, trailing updates and recovery after a restart.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/trading/execution"
	"stop_engine/internal/trading/fsm"
	"stop_engine/pkg/concurrency"
	"stop_engine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotInError is returned when acknowledging a position that is not in error
var ErrNotInError = errors.New("position is not in error")

// Store is the persistence used by the manager
type Store interface {
	CreatePosition(ctx context.Context, pos *core.Position, events ...*core.Event) error
	SavePosition(ctx context.Context, pos *core.Position, events ...*core.Event) error
	GetPosition(ctx context.Context, id string) (*core.Position, error)
	ListPositions(ctx context.Context, states ...core.PositionState) ([]*core.Position, error)
	CountPositionsByState(ctx context.Context) (map[core.PositionState]int64, error)
	Append(ctx context.Context, ev *core.Event) error
	ListEvents(ctx context.Context, positionID string) ([]*core.Event, error)
	GetExecution(ctx context.Context, positionID string) (*core.Execution, error)
	ListExecutions(ctx context.Context, statuses ...core.ExecutionStatus) ([]*core.Execution, error)
}

// StopExecutor runs claimed exits
type StopExecutor interface {
	Execute(ctx context.Context, intent execution.StopIntent) (*execution.Result, error)
	Resume(ctx context.Context, exec *core.Execution) (*execution.Result, error)
}

// PriceFeed is the live tick source of the per-position tasks
type PriceFeed interface {
	Latest(symbol string) (core.PriceTick, bool)
	Subscribe(symbol string) (<-chan core.PriceTick, func())
}

type Config struct {
	Leverage            int
	StopBounds          StopBounds
	MaxRiskPercent      decimal.Decimal
	TokenBucket         time.Duration
	StalePriceThreshold time.Duration
	EntryTimeout        time.Duration
	EntryMaxRetries     int
	EntryRetryBackoff   time.Duration
}

// ArmRequest carries the externally detected setup
type ArmRequest struct {
	Symbol      string
	Side        core.Side
	Capital     decimal.Decimal
	RiskPercent decimal.Decimal
	EntryPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TargetPrice decimal.Decimal
	Leverage    int
}

// EntrySignal tells an armed position to enter
type EntrySignal struct {
	SignalID   string
	Price      decimal.Decimal
	ReceivedAt time.Time
}

// Manager drives every tracked position. Each armed or active position has
// one task goroutine; all cross-process exclusion is left to the store.
type Manager struct {
	store    Store
	exchange core.IExchange
	executor StopExecutor
	prices   PriceFeed
	pool     *concurrency.WorkerPool
	config   Config
	logger   core.ILogger
	now      func() time.Time

	killSwitch bool
	killReason string
	killMu     sync.RWMutex

	tasks  map[string]*task
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(
	store Store,
	exchange core.IExchange,
	executor StopExecutor,
	prices PriceFeed,
	pool *concurrency.WorkerPool,
	config Config,
	logger core.ILogger,
) *Manager {
	if config.Leverage <= 0 {
		config.Leverage = 1
	}
	if config.TokenBucket <= 0 {
		config.TokenBucket = core.DefaultTokenBucket
	}
	if config.StalePriceThreshold <= 0 {
		config.StalePriceThreshold = 30 * time.Second
	}
	if config.EntryTimeout <= 0 {
		config.EntryTimeout = 10 * time.Second
	}
	if config.EntryRetryBackoff <= 0 {
		config.EntryRetryBackoff = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		exchange: exchange,
		executor: executor,
		prices:   prices,
		pool:     pool,
		config:   config,
		logger:   logger.WithField("component", "position_manager"),
		now:      func() time.Time { return time.Now().UTC() },
		tasks:    make(map[string]*task),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetClock overrides the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Stop ends every task. Positions stay persisted and are picked up by Recover.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Position manager stopped")
}

// Arm validates a setup, sizes it and persists it as armed
func (m *Manager) Arm(ctx context.Context, req ArmRequest) (*core.Position, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if !req.RiskPercent.IsPositive() {
		return nil, fmt.Errorf("%w: risk percent must be positive", ErrInvalidRequest)
	}
	if m.config.MaxRiskPercent.IsPositive() && req.RiskPercent.GreaterThan(m.config.MaxRiskPercent) {
		return nil, fmt.Errorf("%w: risk %s%% above maximum %s%%", ErrInvalidRequest, req.RiskPercent, m.config.MaxRiskPercent)
	}

	ts, err := NewTechnicalStop(req.Side, req.EntryPrice, req.StopPrice, m.config.StopBounds)
	if err != nil {
		return nil, err
	}
	if !req.TargetPrice.IsZero() {
		if (req.Side == core.SideLong && !req.TargetPrice.GreaterThan(req.EntryPrice)) ||
			(req.Side == core.SideShort && !req.TargetPrice.LessThan(req.EntryPrice)) {
			return nil, fmt.Errorf("%w: target %s is not on the winning side of entry %s", ErrInvalidRequest, req.TargetPrice, req.EntryPrice)
		}
	}

	info, err := m.exchange.GetSymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info for %s: %w", req.Symbol, err)
	}
	qty, err := PositionSize(req.Capital, req.RiskPercent, ts, info.QuantityDecimals)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() || (info.MinQuantity.IsPositive() && qty.LessThan(info.MinQuantity)) {
		return nil, fmt.Errorf("%w: size %s below instrument minimum %s", ErrInvalidRequest, qty, info.MinQuantity)
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = m.config.Leverage
	}
	notional := qty.Mul(req.EntryPrice)
	if maxNotional := req.Capital.Mul(decimal.NewFromInt(int64(leverage))); notional.GreaterThan(maxNotional) {
		return nil, fmt.Errorf("%w: notional %s exceeds capital x leverage %s", ErrInvalidRequest, notional.StringFixed(2), maxNotional)
	}

	pos := &core.Position{
		ID:            uuid.New().String(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		State:         core.StateArmed,
		Leverage:      leverage,
		Capital:       req.Capital,
		RiskPercent:   req.RiskPercent,
		Quantity:      qty,
		EntryPrice:    req.EntryPrice,
		TechnicalStop: ts,
		StopPrice:     ts.InitialStop,
		TargetPrice:   req.TargetPrice,
		StopPercent:   ts.DistancePct.Round(4),
	}
	armed := &core.Event{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Type:       core.EventPositionArmed,
		StopPrice:  ts.InitialStop,
		Quantity:   qty,
		OrderSide:  pos.Side.EntryOrderSide(),
		Payload: map[string]interface{}{
			"side":         string(pos.Side),
			"entry_price":  req.EntryPrice.String(),
			"distance":     ts.Distance.String(),
			"distance_pct": ts.DistancePct.StringFixed(4),
			"capital":      req.Capital.String(),
			"risk_percent": req.RiskPercent.String(),
			"leverage":     leverage,
		},
	}
	if err := m.store.CreatePosition(ctx, pos, armed); err != nil {
		return nil, fmt.Errorf("failed to persist position: %w", err)
	}

	m.logger.Info("Position armed",
		"position_id", pos.ID,
		"symbol", pos.Symbol,
		"side", string(pos.Side),
		"quantity", qty.String(),
		"stop", ts.InitialStop.String())
	m.spawn(pos)
	return pos, nil
}

// Disarm cancels an armed position. Any other state is a transition error.
func (m *Manager) Disarm(ctx context.Context, id string) (*core.Position, error) {
	pos, err := m.update(ctx, id, func(pos *core.Position) ([]*core.Event, error) {
		if err := fsm.Transition(pos, core.StateDisarmed); err != nil {
			return nil, err
		}
		return []*core.Event{{PositionID: pos.ID, Symbol: pos.Symbol, Type: core.EventPositionDisarmed}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.stopTask(id)
	m.logger.Info("Position disarmed", "position_id", id)
	return pos, nil
}

// Signal hands an entry signal to the task of an armed position
func (m *Manager) Signal(ctx context.Context, id string, sig EntrySignal) error {
	pos, err := m.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if engaged, reason := m.KillSwitch(); engaged {
		m.recordKillSwitch(ctx, pos, reason)
		return fmt.Errorf("entry for %s refused: %w", id, core.ErrKillSwitch)
	}
	if !fsm.CanTransition(pos.State, core.StateEntering) {
		return &fsm.TransitionError{PositionID: id, From: pos.State, To: core.StateEntering}
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = m.now()
	}

	t := m.spawn(pos)
	select {
	case t.signals <- sig:
		return nil
	default:
		return fmt.Errorf("entry signal already pending for %s: %w", id, core.ErrDuplicate)
	}
}

// Acknowledge records that an operator has seen an error position. The
// position stays in error; nothing is retried automatically.
func (m *Manager) Acknowledge(ctx context.Context, id string) (*core.Position, error) {
	return m.update(ctx, id, func(pos *core.Position) ([]*core.Event, error) {
		if pos.State != core.StateError {
			return nil, fmt.Errorf("position %s is %s: %w", pos.ID, pos.State, ErrNotInError)
		}
		if pos.AcknowledgedAt != nil {
			return nil, fmt.Errorf("position %s already acknowledged: %w", pos.ID, core.ErrDuplicate)
		}
		now := m.now()
		pos.AcknowledgedAt = &now
		return []*core.Event{{
			PositionID:   pos.ID,
			Symbol:       pos.Symbol,
			Type:         core.EventErrorAcknowledged,
			ErrorMessage: pos.LastError,
		}}, nil
	})
}

// SetKillSwitch blocks or re-allows new entries. Exits are never blocked.
func (m *Manager) SetKillSwitch(enabled bool, reason string) {
	m.killMu.Lock()
	m.killSwitch = enabled
	m.killReason = reason
	m.killMu.Unlock()
	if enabled {
		m.logger.Warn("Kill switch engaged", "reason", reason)
	} else {
		m.logger.Info("Kill switch released")
	}
}

// KillSwitch reports the switch and its reason
func (m *Manager) KillSwitch() (bool, string) {
	m.killMu.RLock()
	defer m.killMu.RUnlock()
	return m.killSwitch, m.killReason
}

func (m *Manager) recordKillSwitch(ctx context.Context, pos *core.Position, reason string) {
	ev := &core.Event{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Type:       core.EventKillSwitch,
		Token:      core.KillSwitchToken(pos.ID, m.now(), m.config.TokenBucket),
		Source:     core.SourceManual,
		Payload:    map[string]interface{}{"reason": reason},
	}
	if err := m.store.Append(ctx, ev); err != nil && !errors.Is(err, core.ErrDuplicate) {
		m.logger.Error("Failed to record kill switch refusal", "position_id", pos.ID, "error", err)
	}
}

// Get returns one position
func (m *Manager) Get(ctx context.Context, id string) (*core.Position, error) {
	return m.store.GetPosition(ctx, id)
}

// List returns positions, all of them when no state is given
func (m *Manager) List(ctx context.Context, states ...core.PositionState) ([]*core.Position, error) {
	return m.store.ListPositions(ctx, states...)
}

// Events returns the ledger of one position
func (m *Manager) Events(ctx context.Context, id string) ([]*core.Event, error) {
	if _, err := m.store.GetPosition(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, id)
}

// ActiveTasks counts running position tasks
func (m *Manager) ActiveTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RefreshMetrics publishes position counts per state
func (m *Manager) RefreshMetrics(ctx context.Context) (map[core.PositionState]int64, error) {
	counts, err := m.store.CountPositionsByState(ctx)
	if err != nil {
		return nil, err
	}
	gauge := make(map[string]int64, len(counts))
	for state, n := range counts {
		gauge[string(state)] = n
	}
	telemetry.GetGlobalMetrics().SetPositionCounts(gauge)
	return counts, nil
}

// update applies mutate to a fresh copy and saves it, reloading on version conflicts
func (m *Manager) update(ctx context.Context, id string, mutate func(pos *core.Position) ([]*core.Event, error)) (*core.Position, error) {
	for attempt := 0; attempt < 5; attempt++ {
		pos, err := m.store.GetPosition(ctx, id)
		if err != nil {
			return nil, err
		}
		events, err := mutate(pos)
		if err != nil {
			return nil, err
		}
		err = m.store.SavePosition(ctx, pos, events...)
		if err == nil {
			return pos, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("position %s: %w", id, core.ErrVersionConflict)
}
