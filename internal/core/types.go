package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide normalizes user input such as "LONG" or "buy"
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// EntryOrderSide returns the order side that opens the position
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseOrderSide returns the order side that reduces the position
func (s Side) CloseOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderSide is the exchange order direction
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Source identifies which observer detected a trigger condition.
// The set is closed: every switch over Source must handle all four values.
type Source uint8

const (
	SourceWS Source = iota + 1
	SourceCron
	SourceManual
	SourceScanner
)

func (s Source) String() string {
	switch s {
	case SourceWS:
		return "ws"
	case SourceCron:
		return "cron"
	case SourceManual:
		return "manual"
	case SourceScanner:
		return "scanner"
	default:
		return "unknown"
	}
}

// MarshalText renders the source name in JSON payloads
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a source name
func (s *Source) UnmarshalText(b []byte) error {
	parsed, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSource is the inverse of Source.String
func ParseSource(s string) (Source, error) {
	switch s {
	case "ws":
		return SourceWS, nil
	case "cron":
		return SourceCron, nil
	case "manual":
		return SourceManual, nil
	case "scanner":
		return SourceScanner, nil
	default:
		return 0, fmt.Errorf("unknown source %q", s)
	}
}

// PositionState is a node of the position lifecycle
type PositionState string

const (
	StateArmed    PositionState = "armed"
	StateEntering PositionState = "entering"
	StateActive   PositionState = "active"
	StateExiting  PositionState = "exiting"
	StateClosed   PositionState = "closed"
	StateError    PositionState = "error"
	StateDisarmed PositionState = "disarmed"
)

// IsTerminal reports whether no further transition is possible
func (s PositionState) IsTerminal() bool {
	return s == StateClosed || s == StateError || s == StateDisarmed
}

// Exit reasons recorded on closed positions and exit events
const (
	ExitReasonStopLoss      = "stop_loss"
	ExitReasonTrailingStop  = "trailing_stop"
	ExitReasonTarget        = "target"
	ExitReasonPanic         = "panic"
	ExitReasonInsuranceStop = "insurance_stop"
)

// TechnicalStop is fixed at arm time and never recomputed
type TechnicalStop struct {
	EntryPrice  decimal.Decimal `json:"entry_price"`
	InitialStop decimal.Decimal `json:"initial_stop"`
	Distance    decimal.Decimal `json:"distance"`
	DistancePct decimal.Decimal `json:"distance_pct"`
}

// Position is a leveraged position tracked by the engine. Rows are never deleted.
type Position struct {
	ID       string        `json:"id"`
	Symbol   string        `json:"symbol"`
	Side     Side          `json:"side"`
	State    PositionState `json:"state"`
	Leverage int           `json:"leverage"`

	Capital     decimal.Decimal `json:"capital"`
	RiskPercent decimal.Decimal `json:"risk_percent"`
	Quantity    decimal.Decimal `json:"quantity"`

	EntryPrice     decimal.Decimal `json:"entry_price"`
	EntryFillPrice decimal.Decimal `json:"entry_fill_price"`
	TechnicalStop  TechnicalStop   `json:"technical_stop"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	TargetPrice    decimal.Decimal `json:"target_price"`
	// StopPercent is display only; the execution path reads StopPrice.
	StopPercent decimal.Decimal `json:"stop_percent"`

	TrailingStop     decimal.Decimal `json:"trailing_stop"`
	FavorableExtreme decimal.Decimal `json:"favorable_extreme"`

	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	ExitReason  string          `json:"exit_reason,omitempty"`
	LastError   string          `json:"last_error,omitempty"`

	EntrySignalID  string     `json:"entry_signal_id,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	EntryFilledAt  *time.Time `json:"entry_filled_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Version int64 `json:"version"`
}

// Clone returns a copy safe to mutate
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// EventType names an entry in the stop ledger
type EventType string

const (
	EventTriggered      EventType = "TRIGGERED"
	EventSubmitted      EventType = "SUBMITTED"
	EventExecuted       EventType = "EXECUTED"
	EventFailed         EventType = "FAILED"
	EventBlocked        EventType = "BLOCKED"
	EventStalePrice     EventType = "STALE_PRICE"
	EventCircuitBreaker EventType = "CIRCUIT_BREAKER"
	EventKillSwitch     EventType = "KILL_SWITCH"
	EventSlippageBreach EventType = "SLIPPAGE_BREACH"

	EventPositionArmed       EventType = "POSITION_ARMED"
	EventPositionDisarmed    EventType = "POSITION_DISARMED"
	EventEntrySubmitted      EventType = "ENTRY_SUBMITTED"
	EventEntryFilled         EventType = "ENTRY_FILLED"
	EventEntryFailed         EventType = "ENTRY_FAILED"
	EventTrailingStopUpdated EventType = "TRAILING_STOP_UPDATED"
	EventPositionClosed      EventType = "POSITION_CLOSED"
	EventPositionError       EventType = "POSITION_ERROR"
	EventErrorAcknowledged   EventType = "ERROR_ACKNOWLEDGED"
)

// Event is an immutable record in the append-only log
type Event struct {
	ID         string    `json:"event_id"`
	Seq        int64     `json:"event_seq"`
	PositionID string    `json:"position_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Type       EventType `json:"event_type"`
	Token      string    `json:"execution_token,omitempty"`
	Source     Source    `json:"source,omitempty"`

	TriggerPrice decimal.Decimal `json:"trigger_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	Quantity     decimal.Decimal `json:"quantity"`
	OrderSide    OrderSide       `json:"side,omitempty"`

	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	SlippagePct     decimal.Decimal `json:"slippage_pct"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`

	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// SourceName is the serialized source, empty when unset
func (e *Event) SourceName() string {
	if e.Source == 0 {
		return ""
	}
	return e.Source.String()
}

// ExecutionStatus is the projected status of the latest stop execution for a position
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionSubmitted ExecutionStatus = "SUBMITTED"
	ExecutionExecuted  ExecutionStatus = "EXECUTED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionBlocked   ExecutionStatus = "BLOCKED"
)

// Execution is the read-model row derived from stop events
type Execution struct {
	PositionID      string          `json:"position_id"`
	Symbol          string          `json:"symbol"`
	Token           string          `json:"execution_token"`
	Status          ExecutionStatus `json:"status"`
	Source          string          `json:"source"`
	OrderSide       OrderSide       `json:"side"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	Quantity        decimal.Decimal `json:"quantity"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	SlippagePct     decimal.Decimal `json:"slippage_pct"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// BreakerState is the state of a per-symbol circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the persisted breaker row for one symbol
type CircuitBreakerState struct {
	Symbol           string        `json:"symbol"`
	State            BreakerState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RetryDelay       time.Duration `json:"retry_delay"`
	TrialInFlight    bool          `json:"trial_in_flight"`
	OpenedAt         *time.Time    `json:"opened_at,omitempty"`
	WillRetryAt      *time.Time    `json:"will_retry_at,omitempty"`
	LastFailureAt    *time.Time    `json:"last_failure_at,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Version          int64         `json:"version"`
}

// OutboxEntry is a pending external notification for one event
type OutboxEntry struct {
	ID          string     `json:"outbox_id"`
	EventID     string     `json:"event_id"`
	EventSeq    int64      `json:"event_seq"`
	RoutingKey  string     `json:"routing_key"`
	Payload     []byte     `json:"payload"`
	Published   bool       `json:"published"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DetectedPosition is an exchange position with no matching tracked position
type DetectedPosition struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	Distance       decimal.Decimal `json:"distance"`
	DistancePct    decimal.Decimal `json:"distance_pct"`
	DetectedAt     time.Time       `json:"detected_at"`
	LastVerifiedAt time.Time       `json:"last_verified_at"`
}

// OrderStatus mirrors the exchange order lifecycle
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// OrderRequest is a market order submitted to the exchange
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
}

// Order is the exchange view of an order
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Status        OrderStatus
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	Commission    decimal.Decimal
	UpdateTime    time.Time
}

// IsFilled reports a fully executed order
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

// ExchangePosition is an open position as reported by the exchange
type ExchangePosition struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// SymbolInfo carries the instrument precision
type SymbolInfo struct {
	Symbol           string
	PriceDecimals    int
	QuantityDecimals int
	MinQuantity      decimal.Decimal
}

// PriceTick is one observation from a price feed
type PriceTick struct {
	Symbol     string
	Price      decimal.Decimal
	ObservedAt time.Time
	Source     Source
}
