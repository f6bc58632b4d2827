package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPositions []*core.Position

func (s staticPositions) ListPositions(_ context.Context, states ...core.PositionState) ([]*core.Position, error) {
	var out []*core.Position
	for _, p := range s {
		for _, st := range states {
			if p.State == st {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

type evaluation struct {
	id     string
	price  decimal.Decimal
	source core.Source
}

type recordingEvaluator struct {
	mu    sync.Mutex
	calls []evaluation
	err   error
}

func (r *recordingEvaluator) Evaluate(_ context.Context, id string, price decimal.Decimal, _ time.Time, source core.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, evaluation{id: id, price: price, source: source})
	return r.err
}

func TestPoller_EvaluatesActivePositionsWithCronSource(t *testing.T) {
	ex := mock.NewMockExchange("test")
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(47990))
	ex.SetPrice("ETHUSDT", decimal.NewFromInt(3000))

	positions := staticPositions{
		{ID: "a", Symbol: "BTCUSDT", State: core.StateActive},
		{ID: "b", Symbol: "BTCUSDT", State: core.StateActive},
		{ID: "c", Symbol: "ETHUSDT", State: core.StateActive},
		{ID: "d", Symbol: "ETHUSDT", State: core.StateArmed},
		{ID: "e", Symbol: "XRPUSDT", State: core.StateActive},
	}
	eval := &recordingEvaluator{}
	p := NewPoller(positions, ex, eval, time.Minute, &mockLogger{})

	stats, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Positions)
	assert.Equal(t, 3, stats.Symbols)
	assert.Equal(t, 3, stats.Evaluated)
	assert.Equal(t, 1, stats.PriceErrors)

	require.Len(t, eval.calls, 3)
	for _, c := range eval.calls {
		assert.Equal(t, core.SourceCron, c.source)
		if c.id == "c" {
			assert.True(t, c.price.Equal(decimal.NewFromInt(3000)))
		} else {
			assert.True(t, c.price.Equal(decimal.NewFromInt(47990)))
		}
	}
}

func TestPoller_LostClaimIsNotAnError(t *testing.T) {
	ex := mock.NewMockExchange("test")
	ex.SetPrice("BTCUSDT", decimal.NewFromInt(47990))
	eval := &recordingEvaluator{err: core.ErrDuplicate}
	p := NewPoller(staticPositions{{ID: "a", Symbol: "BTCUSDT", State: core.StateActive}}, ex, eval, time.Minute, &mockLogger{})

	stats, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EvalErrors)

	eval.err = errors.New("boom")
	stats, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EvalErrors)
}

func TestPoller_RunStopsWithContext(t *testing.T) {
	ex := mock.NewMockExchange("test")
	p := NewPoller(staticPositions{}, ex, &recordingEvaluator{}, 10*time.Millisecond, &mockLogger{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
