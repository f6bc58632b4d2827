// Package safety protects exchange positions the engine does not manage
package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/trading/execution"
	"stop_engine/pkg/concurrency"
	"stop_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// trackedStates are the internal states that own an exchange position
var trackedStates = []core.PositionState{core.StateEntering, core.StateActive, core.StateExiting}

// PositionLister loads internal positions by state
type PositionLister interface {
	ListPositions(ctx context.Context, states ...core.PositionState) ([]*core.Position, error)
}

// StopExecutor runs a claimed exit
type StopExecutor interface {
	Execute(ctx context.Context, intent execution.StopIntent) (*execution.Result, error)
}

// Config tunes the scanner
type Config struct {
	Interval time.Duration
	// DefaultStopPercent is the insurance stop distance from entry, in percent
	DefaultStopPercent decimal.Decimal
	AutoExecute        bool
}

// Check is the evaluation of one detected position against the latest price
type Check struct {
	Position   *core.DetectedPosition `json:"position"`
	Price      decimal.Decimal        `json:"price"`
	Breached   bool                   `json:"breached"`
	PriceError string                 `json:"price_error,omitempty"`
	Executed   bool                   `json:"executed"`
	ExecError  string                 `json:"exec_error,omitempty"`
}

// Report describes one scan
type Report struct {
	ScannedAt         time.Time `json:"scanned_at"`
	ExchangePositions int       `json:"exchange_positions"`
	Tracked           int       `json:"tracked"`
	Mismatched        []string  `json:"mismatched,omitempty"`
	Checks            []*Check  `json:"checks"`
	DryRun            bool      `json:"dry_run"`
}

// Status is the scanner state served by the control surface
type Status struct {
	AutoExecute        bool                     `json:"auto_execute"`
	DefaultStopPercent decimal.Decimal          `json:"default_stop_percent"`
	Scans              int64                    `json:"scans"`
	InsuranceExits     int64                    `json:"insurance_exits"`
	LastScanAt         *time.Time               `json:"last_scan_at,omitempty"`
	LastError          string                   `json:"last_error,omitempty"`
	Detected           []*core.DetectedPosition `json:"detected"`
}

// Scanner compares exchange positions with internal ones and puts an
// insurance stop on every untracked quantity.
type Scanner struct {
	exchange  core.IExchange
	positions PositionLister
	executor  StopExecutor
	pool      *concurrency.WorkerPool
	config    Config
	logger    core.ILogger
	now       func() time.Time

	mu         sync.RWMutex
	detected   map[string]*core.DetectedPosition
	scans      int64
	exits      int64
	lastScanAt *time.Time
	lastError  string
}

// NewScanner creates a scanner. A nil pool evaluates breaches sequentially.
func NewScanner(exchange core.IExchange, positions PositionLister, executor StopExecutor, pool *concurrency.WorkerPool, config Config, logger core.ILogger) *Scanner {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if !config.DefaultStopPercent.IsPositive() {
		config.DefaultStopPercent = decimal.NewFromInt(2)
	}
	return &Scanner{
		exchange:  exchange,
		positions: positions,
		executor:  executor,
		pool:      pool,
		config:    config,
		logger:    logger.WithField("component", "rogue_scanner"),
		now:       time.Now,
		detected:  make(map[string]*core.DetectedPosition),
	}
}

// SetClock overrides the time source
func (s *Scanner) SetClock(now func() time.Time) {
	s.now = now
}

// Run scans on the configured interval until ctx ends
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("Rogue position scanner started",
		"interval", s.config.Interval.String(),
		"default_stop_percent", s.config.DefaultStopPercent.String(),
		"auto_execute", s.config.AutoExecute)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Rogue position scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Scan detects untracked positions, stores them and fires insurance stops
// whose price was breached when auto execution is on.
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	report, err := s.evaluate(ctx, false)
	s.mu.Lock()
	s.scans++
	at := s.now()
	s.lastScanAt = &at
	if err != nil {
		s.lastError = err.Error()
		s.mu.Unlock()
		return nil, err
	}
	s.lastError = ""
	s.mu.Unlock()

	if s.config.AutoExecute {
		s.executeBreaches(ctx, report)
	}
	s.publishGauge()
	return report, nil
}

// DryRun evaluates like Scan without storing detections or placing orders
func (s *Scanner) DryRun(ctx context.Context) (*Report, error) {
	return s.evaluate(ctx, true)
}

// Status returns a snapshot of the scanner
func (s *Scanner) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		AutoExecute:        s.config.AutoExecute,
		DefaultStopPercent: s.config.DefaultStopPercent,
		Scans:              s.scans,
		InsuranceExits:     s.exits,
		LastError:          s.lastError,
		Detected:           make([]*core.DetectedPosition, 0, len(s.detected)),
	}
	if s.lastScanAt != nil {
		at := *s.lastScanAt
		st.LastScanAt = &at
	}
	for _, d := range s.detected {
		cp := *d
		st.Detected = append(st.Detected, &cp)
	}
	sort.Slice(st.Detected, func(i, j int) bool { return st.Detected[i].ID < st.Detected[j].ID })
	return st
}

func (s *Scanner) evaluate(ctx context.Context, dryRun bool) (*Report, error) {
	exchangePositions, err := s.exchange.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange positions: %w", err)
	}
	internal, err := s.positions.ListPositions(ctx, trackedStates...)
	if err != nil {
		return nil, fmt.Errorf("list tracked positions: %w", err)
	}

	trackedQty := make(map[string]decimal.Decimal)
	for _, p := range internal {
		key := positionKey(p.Symbol, p.Side)
		trackedQty[key] = trackedQty[key].Add(p.Quantity)
	}

	now := s.now()
	report := &Report{ScannedAt: now, ExchangePositions: len(exchangePositions), DryRun: dryRun}
	found := make(map[string]*core.DetectedPosition)

	s.mu.RLock()
	for _, ep := range exchangePositions {
		key := positionKey(ep.Symbol, ep.Side)
		owned := trackedQty[key]
		untracked := ep.Quantity.Sub(owned)
		if owned.IsPositive() {
			report.Tracked++
			if !untracked.IsZero() {
				report.Mismatched = append(report.Mismatched, key)
				s.logger.Warn("Exchange quantity differs from tracked positions",
					"symbol", ep.Symbol, "side", string(ep.Side),
					"exchange_qty", ep.Quantity.String(), "tracked_qty", owned.String())
			}
		}
		if !untracked.IsPositive() {
			continue
		}

		d := s.detect(ep, untracked, now)
		if prev, ok := s.detected[key]; ok && prev.EntryPrice.Equal(d.EntryPrice) {
			d.DetectedAt = prev.DetectedAt
		}
		d.ID = detectionID(d)
		found[key] = d
	}
	s.mu.RUnlock()

	prices := make(map[string]decimal.Decimal)
	priceErrs := make(map[string]error)
	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		d := found[key]
		check := &Check{Position: d}
		report.Checks = append(report.Checks, check)

		price, ok := prices[d.Symbol]
		if perr, failed := priceErrs[d.Symbol]; failed {
			check.PriceError = perr.Error()
			continue
		}
		if !ok {
			p, err := s.exchange.GetLatestPrice(ctx, d.Symbol)
			if err != nil {
				priceErrs[d.Symbol] = err
				check.PriceError = err.Error()
				s.logger.Warn("Price unavailable for detected position", "symbol", d.Symbol, "error", err)
				continue
			}
			prices[d.Symbol] = p
			price = p
		}
		check.Price = price
		check.Breached = breached(d.Side, price, d.StopPrice)
	}

	if !dryRun {
		s.mu.Lock()
		for key, d := range found {
			if _, known := s.detected[key]; !known {
				s.logger.Warn("Untracked exchange position detected",
					"symbol", d.Symbol, "side", string(d.Side),
					"quantity", d.Quantity.String(),
					"entry_price", d.EntryPrice.String(),
					"insurance_stop", d.StopPrice.String())
			}
		}
		s.detected = found
		s.mu.Unlock()
	}
	return report, nil
}

// detect builds the insurance stop at DefaultStopPercent from the entry
func (s *Scanner) detect(ep *core.ExchangePosition, qty decimal.Decimal, now time.Time) *core.DetectedPosition {
	pct := s.config.DefaultStopPercent
	distance := ep.EntryPrice.Mul(pct).Div(decimal.NewFromInt(100))
	stop := ep.EntryPrice.Sub(distance)
	if ep.Side == core.SideShort {
		stop = ep.EntryPrice.Add(distance)
	}
	return &core.DetectedPosition{
		Symbol:         ep.Symbol,
		Side:           ep.Side,
		Quantity:       qty,
		EntryPrice:     ep.EntryPrice,
		StopPrice:      stop,
		Distance:       distance,
		DistancePct:    pct,
		DetectedAt:     now,
		LastVerifiedAt: now,
	}
}

// detectionID names one rogue episode; a position reopened on the same
// symbol and side gets a fresh ID.
func detectionID(d *core.DetectedPosition) string {
	return fmt.Sprintf("rogue-%s-%s-%s-%d", d.Symbol, d.Side, d.EntryPrice.String(), d.DetectedAt.UnixMilli())
}

func (s *Scanner) executeBreaches(ctx context.Context, report *Report) {
	var tasks []func() error
	for _, c := range report.Checks {
		if !c.Breached {
			continue
		}
		check := c
		tasks = append(tasks, func() error {
			return s.insure(ctx, check, report.ScannedAt)
		})
	}
	if len(tasks) == 0 {
		return
	}
	if s.pool == nil {
		for _, task := range tasks {
			_ = task()
		}
		return
	}
	s.pool.RunAll(tasks)
}

func (s *Scanner) insure(ctx context.Context, check *Check, at time.Time) error {
	d := check.Position
	intent := execution.StopIntent{
		PositionID:   d.ID,
		Symbol:       d.Symbol,
		Side:         d.Side,
		Quantity:     d.Quantity,
		EntryPrice:   d.EntryPrice,
		StopPrice:    d.StopPrice,
		TriggerPrice: check.Price,
		ObservedAt:   at,
		Source:       core.SourceScanner,
		Reason:       core.ExitReasonInsuranceStop,
	}
	log := s.logger.WithFields(map[string]interface{}{
		"symbol":     d.Symbol,
		"side":       string(d.Side),
		"stop_price": d.StopPrice.String(),
		"price":      check.Price.String(),
	})

	res, err := s.executor.Execute(ctx, intent)
	switch {
	case err == nil:
		check.Executed = true
		log.Warn("Insurance stop executed", "token", res.Token, "quantity", d.Quantity.String())
		s.mu.Lock()
		s.exits++
		delete(s.detected, positionKey(d.Symbol, d.Side))
		s.mu.Unlock()
		return nil
	case errors.Is(err, core.ErrDuplicate):
		log.Warn("Insurance stop already claimed", "position_id", d.ID)
		return nil
	default:
		check.ExecError = err.Error()
		log.Error("Insurance stop failed", "error", err)
		return err
	}
}

func (s *Scanner) publishGauge() {
	s.mu.RLock()
	counts := make(map[string]int64, len(s.detected))
	for _, d := range s.detected {
		counts[d.Symbol]++
	}
	s.mu.RUnlock()
	telemetry.GetGlobalMetrics().SetRoguePositions(counts)
}

func breached(side core.Side, price, stop decimal.Decimal) bool {
	if side == core.SideShort {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

func positionKey(symbol string, side core.Side) string {
	return symbol + "|" + string(side)
}
