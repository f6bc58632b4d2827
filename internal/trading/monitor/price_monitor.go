// Package monitor keeps the latest observed price per symbol and runs the cron backstop
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"stop_engine/internal/core"
)

// PriceStream pushes ticks for a set of symbols until ctx ends
type PriceStream interface {
	StartPriceStream(ctx context.Context, symbols []string, callback func(core.PriceTick)) error
}

const subscriberBuffer = 16

// PriceHub holds the freshest tick per symbol and fans ticks out to
// per-position subscribers. It implements core.IPriceSource.
type PriceHub struct {
	logger core.ILogger

	latest map[string]core.PriceTick
	subs   map[string]map[uint64]chan core.PriceTick
	nextID uint64
	mu     sync.RWMutex

	symbols     map[string]struct{}
	resubscribe chan struct{}
	symbolsMu   sync.Mutex

	isRunning      int32
	reconnectDelay time.Duration
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func NewPriceHub(logger core.ILogger) *PriceHub {
	return &PriceHub{
		logger:         logger.WithField("component", "price_hub"),
		latest:         make(map[string]core.PriceTick),
		subs:           make(map[string]map[uint64]chan core.PriceTick),
		symbols:        make(map[string]struct{}),
		resubscribe:    make(chan struct{}, 1),
		reconnectDelay: 5 * time.Second,
	}
}

// SetReconnectDelay sets the wait between failed stream starts
func (h *PriceHub) SetReconnectDelay(d time.Duration) {
	h.reconnectDelay = d
}

// Publish records a tick and notifies subscribers of its symbol. Ticks older
// than the stored one are ignored.
func (h *PriceHub) Publish(tick core.PriceTick) {
	if tick.Price.IsZero() {
		return
	}
	if tick.ObservedAt.IsZero() {
		tick.ObservedAt = time.Now()
	}

	h.mu.Lock()
	if prev, ok := h.latest[tick.Symbol]; ok && tick.ObservedAt.Before(prev.ObservedAt) {
		h.mu.Unlock()
		return
	}
	h.latest[tick.Symbol] = tick
	subs := make([]chan core.PriceTick, 0, len(h.subs[tick.Symbol]))
	for _, ch := range h.subs[tick.Symbol] {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		deliverLatest(ch, tick)
	}
}

// deliverLatest never blocks; a slow subscriber loses its oldest tick
func deliverLatest(ch chan core.PriceTick, tick core.PriceTick) {
	for {
		select {
		case ch <- tick:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Latest returns the freshest tick for symbol
func (h *PriceHub) Latest(symbol string) (core.PriceTick, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tick, ok := h.latest[symbol]
	return tick, ok
}

// Age is the time since the last tick of symbol, or -1 when none was seen
func (h *PriceHub) Age(symbol string, now time.Time) time.Duration {
	tick, ok := h.Latest(symbol)
	if !ok {
		return -1
	}
	return now.Sub(tick.ObservedAt)
}

// IsStale reports a missing tick or one older than threshold
func (h *PriceHub) IsStale(symbol string, threshold time.Duration, now time.Time) bool {
	age := h.Age(symbol, now)
	return age < 0 || age > threshold
}

// Subscribe returns a channel of ticks for symbol and its cancel function.
// The symbol is added to the streamed set.
func (h *PriceHub) Subscribe(symbol string) (<-chan core.PriceTick, func()) {
	h.Track(symbol)

	ch := make(chan core.PriceTick, subscriberBuffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[symbol] == nil {
		h.subs[symbol] = make(map[uint64]chan core.PriceTick)
	}
	h.subs[symbol][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[symbol], id)
			if len(h.subs[symbol]) == 0 {
				delete(h.subs, symbol)
			}
			h.mu.Unlock()
		})
	}
}

// Track adds symbol to the streamed set, restarting the stream when it is new
func (h *PriceHub) Track(symbol string) {
	h.symbolsMu.Lock()
	_, known := h.symbols[symbol]
	h.symbols[symbol] = struct{}{}
	h.symbolsMu.Unlock()
	if known {
		return
	}
	select {
	case h.resubscribe <- struct{}{}:
	default:
	}
}

// Symbols returns the streamed set, sorted
func (h *PriceHub) Symbols() []string {
	h.symbolsMu.Lock()
	defer h.symbolsMu.Unlock()
	out := make([]string, 0, len(h.symbols))
	for s := range h.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Start connects stream and keeps it subscribed to the tracked symbols
func (h *PriceHub) Start(ctx context.Context, stream PriceStream) error {
	if !atomic.CompareAndSwapInt32(&h.isRunning, 0, 1) {
		return fmt.Errorf("price hub is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go h.streamLoop(runCtx, stream)
	h.logger.Info("Price hub started")
	return nil
}

// Stop ends the stream loop
func (h *PriceHub) Stop() {
	if !atomic.CompareAndSwapInt32(&h.isRunning, 1, 0) {
		return
	}
	h.cancel()
	h.wg.Wait()
	h.logger.Info("Price hub stopped")
}

func (h *PriceHub) streamLoop(ctx context.Context, stream PriceStream) {
	defer h.wg.Done()

	for {
		symbols := h.Symbols()
		connCtx, cancel := context.WithCancel(ctx)
		var err error
		if len(symbols) > 0 {
			err = stream.StartPriceStream(connCtx, symbols, h.Publish)
		}

		if err != nil {
			cancel()
			h.logger.Error("Failed to start price stream", "error", err.Error(), "symbols", len(symbols))
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.reconnectDelay):
				continue
			}
		}
		if len(symbols) > 0 {
			h.logger.Info("Price stream subscribed", "symbols", symbols)
		}

		select {
		case <-ctx.Done():
			cancel()
			return
		case <-h.resubscribe:
			cancel()
		}
	}
}

// CheckHealth fails when the hub is stopped or any tracked symbol is stale
func (h *PriceHub) CheckHealth(maxAge time.Duration) error {
	if atomic.LoadInt32(&h.isRunning) == 0 {
		return fmt.Errorf("price hub is not running")
	}
	now := time.Now()
	for _, s := range h.Symbols() {
		if age := h.Age(s, now); age > maxAge {
			return fmt.Errorf("stale price data for %s: last update %s ago", s, age)
		}
	}
	return nil
}
