package logging

import (
	"context"
	"testing"
	"time"

	"stop_engine/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	tel, err := telemetry.Setup("test-logger", telemetry.WithStdoutExporters(false))
	require.NoError(t, err)
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := NewZapLogger("DEBUG")
	require.NoError(t, err)

	logger.Info("Test OTel bridging", "key", "value")
	time.Sleep(50 * time.Millisecond)

	child := logger.WithField("component", "test").WithFields(map[string]interface{}{"symbol": "BTCUSDT"})
	child.Debug("Debug message", "status", "testing")

	_ = logger.Sync()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"ERROR", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewZapLogger_InvalidLevel(t *testing.T) {
	_, err := NewZapLogger("LOUD")
	assert.Error(t, err)
}
