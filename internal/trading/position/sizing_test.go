package position

import (
	"errors"
	"testing"

	"stop_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name        string
		side        core.Side
		capital     string
		risk        string
		entry       string
		stop        string
		qtyDecimals int
		want        string
	}{
		{"golden rule", core.SideLong, "10000", "1", "50000", "48000", 3, "0.05"},
		{"short mirrors long", core.SideShort, "10000", "1", "50000", "52000", 3, "0.05"},
		{"floored to precision", core.SideLong, "10000", "1", "3000", "2930", 2, "1.42"},
		{"whole units", core.SideLong, "5000", "2", "100", "97", 0, "33"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := NewTechnicalStop(tt.side, d(tt.entry), d(tt.stop), StopBounds{})
			require.NoError(t, err)
			qty, err := PositionSize(d(tt.capital), d(tt.risk), ts, tt.qtyDecimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, qty.String())

			// the quantized size never risks more than the budget
			budget := d(tt.capital).Mul(d(tt.risk)).Div(decimal.NewFromInt(100))
			assert.True(t, qty.Mul(ts.Distance).LessThanOrEqual(budget))
		})
	}
}

func TestNewTechnicalStop(t *testing.T) {
	bounds := StopBounds{MinPct: d("0.5"), MaxPct: d("10")}

	ts, err := NewTechnicalStop(core.SideLong, d("50000"), d("48000"), bounds)
	require.NoError(t, err)
	assert.Equal(t, "2000", ts.Distance.String())
	assert.Equal(t, "4", ts.DistancePct.String())
	assert.Equal(t, "48000", ts.InitialStop.String())

	tests := []struct {
		name  string
		side  core.Side
		entry string
		stop  string
	}{
		{"long stop above entry", core.SideLong, "50000", "51000"},
		{"short stop below entry", core.SideShort, "50000", "49000"},
		{"too tight", core.SideLong, "50000", "49900"},
		{"too wide", core.SideLong, "50000", "40000"},
		{"zero stop", core.SideLong, "50000", "0"},
		{"bad side", core.Side("flat"), "50000", "48000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTechnicalStop(tt.side, d(tt.entry), d(tt.stop), bounds)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
}

func TestPositionSize_RejectsBadInputs(t *testing.T) {
	ts := core.TechnicalStop{Distance: d("2000")}
	_, err := PositionSize(decimal.Zero, d("1"), ts, 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = PositionSize(d("1000"), decimal.Zero, ts, 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = PositionSize(d("1000"), d("1"), core.TechnicalStop{}, 3)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
