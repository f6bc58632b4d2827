package position

import (
	"context"
	"errors"
	"time"

	"stop_engine/internal/core"
)

// task is the goroutine owning one armed or active position
type task struct {
	positionID string
	symbol     string
	signals    chan EntrySignal
	cancel     context.CancelFunc
	done       chan struct{}
}

// spawn starts the task of pos unless one is already running
func (m *Manager) spawn(pos *core.Position) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[pos.ID]; ok {
		return t
	}
	if m.ctx.Err() != nil {
		// stopped manager: hand back a task nobody reads so callers do not block
		return &task{positionID: pos.ID, signals: make(chan EntrySignal, 1), done: make(chan struct{})}
	}

	ctx, cancel := context.WithCancel(m.ctx)
	t := &task{
		positionID: pos.ID,
		symbol:     pos.Symbol,
		signals:    make(chan EntrySignal, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.tasks[pos.ID] = t
	m.wg.Add(1)
	go m.runTask(ctx, t)
	return t
}

func (m *Manager) stopTask(id string) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if ok {
		t.cancel()
		<-t.done
	}
}

func (m *Manager) runTask(ctx context.Context, t *task) {
	log := m.logger.WithFields(map[string]interface{}{"position_id": t.positionID, "symbol": t.symbol})
	defer func() {
		m.mu.Lock()
		if m.tasks[t.positionID] == t {
			delete(m.tasks, t.positionID)
		}
		m.mu.Unlock()
		t.cancel()
		close(t.done)
		m.wg.Done()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		pos, err := m.store.GetPosition(ctx, t.positionID)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("Task failed to load position", "error", err)
			}
			return
		}

		switch pos.State {
		case core.StateArmed:
			select {
			case <-ctx.Done():
				return
			case sig := <-t.signals:
				if err := m.enter(ctx, pos.ID, sig); err != nil {
					log.Error("Entry failed", "error", err.Error())
				}
			}
		case core.StateEntering:
			if err := m.resumeEntry(ctx, pos); err != nil {
				log.Error("Entry recovery failed", "error", err.Error())
				return
			}
		case core.StateActive:
			m.watch(ctx, pos, log)
		default:
			log.Debug("Task finished", "state", string(pos.State))
			return
		}
	}
}

// watch feeds live ticks to Evaluate until the position leaves active
func (m *Manager) watch(ctx context.Context, pos *core.Position, log core.ILogger) {
	ticks, unsubscribe := m.prices.Subscribe(pos.Symbol)
	defer unsubscribe()

	watchdog := time.NewTicker(m.config.StalePriceThreshold / 2)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			state, err := m.evaluate(ctx, pos.ID, tick.Price, tick.ObservedAt, core.SourceWS)
			if err != nil && !errors.Is(err, core.ErrStalePrice) && ctx.Err() == nil {
				log.Warn("Tick evaluation failed", "price", tick.Price.String(), "error", err.Error())
			}
			if state != core.StateActive {
				return
			}
		case <-watchdog.C:
			current, err := m.store.GetPosition(ctx, pos.ID)
			if err != nil || current.State != core.StateActive {
				return
			}
			now := m.now()
			latest, ok := m.prices.Latest(pos.Symbol)
			if !ok || now.Sub(latest.ObservedAt) > m.config.StalePriceThreshold {
				m.recordStale(ctx, current, latest, now)
			}
		}
	}
}
