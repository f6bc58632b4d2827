package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stop_engine/internal/core"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// PositionLister loads positions by state
type PositionLister interface {
	ListPositions(ctx context.Context, states ...core.PositionState) ([]*core.Position, error)
}

// PriceFetcher is the REST side of the exchange
type PriceFetcher interface {
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Evaluator folds one observed price into a position
type Evaluator interface {
	Evaluate(ctx context.Context, positionID string, price decimal.Decimal, observedAt time.Time, source core.Source) error
}

// PollStats summarizes one cycle
type PollStats struct {
	Positions   int
	Symbols     int
	Evaluated   int
	PriceErrors int
	EvalErrors  int
}

// Poller is the cron observer. It does not share memory with the live feed;
// both reach the executor through Evaluate and race on the claim.
type Poller struct {
	positions   PositionLister
	prices      PriceFetcher
	evaluator   Evaluator
	interval    time.Duration
	concurrency int
	logger      core.ILogger
	now         func() time.Time
}

func NewPoller(positions PositionLister, prices PriceFetcher, evaluator Evaluator, interval time.Duration, logger core.ILogger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		positions:   positions,
		prices:      prices,
		evaluator:   evaluator,
		interval:    interval,
		concurrency: 4,
		logger:      logger.WithField("component", "stop_poller"),
		now:         time.Now,
	}
}

// Run polls until ctx ends
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting stop poller", "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Poll cycle failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			p.logger.Info("Stop poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches one REST price per symbol and evaluates every active position
func (p *Poller) PollOnce(ctx context.Context) (PollStats, error) {
	var stats PollStats
	active, err := p.positions.ListPositions(ctx, core.StateActive)
	if err != nil {
		return stats, fmt.Errorf("failed to list active positions: %w", err)
	}
	stats.Positions = len(active)
	if len(active) == 0 {
		return stats, nil
	}

	bySymbol := make(map[string][]*core.Position)
	for _, pos := range active {
		bySymbol[pos.Symbol] = append(bySymbol[pos.Symbol], pos)
	}
	stats.Symbols = len(bySymbol)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for symbol, positions := range bySymbol {
		symbol, positions := symbol, positions
		g.Go(func() error {
			price, err := p.prices.GetLatestPrice(gctx, symbol)
			observedAt := p.now()
			if err != nil {
				p.logger.Warn("Failed to fetch price", "symbol", symbol, "error", err.Error())
				mu.Lock()
				stats.PriceErrors++
				mu.Unlock()
				return nil
			}
			for _, pos := range positions {
				err := p.evaluator.Evaluate(gctx, pos.ID, price, observedAt, core.SourceCron)
				mu.Lock()
				stats.Evaluated++
				if err != nil && !errors.Is(err, core.ErrDuplicate) {
					stats.EvalErrors++
				}
				mu.Unlock()
				if err != nil && !errors.Is(err, core.ErrDuplicate) {
					p.logger.Warn("Evaluation failed", "position_id", pos.ID, "symbol", symbol, "error", err.Error())
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	p.logger.Debug("Poll cycle complete",
		"positions", stats.Positions,
		"symbols", stats.Symbols,
		"price_errors", stats.PriceErrors,
		"eval_errors", stats.EvalErrors)
	return stats, nil
}
