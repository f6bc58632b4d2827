package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthManager_Aggregation(t *testing.T) {
	ctx := context.Background()
	hm := NewHealthManager(nil, time.Second)

	assert.True(t, hm.IsHealthy(ctx), "empty health manager should be healthy")

	hm.Register("database", func(context.Context) error { return nil })
	assert.True(t, hm.IsHealthy(ctx))

	hm.Register("exchange", func(context.Context) error { return fmt.Errorf("failed") })
	status, healthy := hm.GetStatus(ctx)
	assert.False(t, healthy)
	assert.Equal(t, "Healthy", status["database"])
	assert.Equal(t, "Unhealthy: failed", status["exchange"])
	assert.Equal(t, []string{"database", "exchange"}, hm.Components())
}

func TestHealthManager_CheckTimeout(t *testing.T) {
	hm := NewHealthManager(nil, 20*time.Millisecond)
	hm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status, healthy := hm.GetStatus(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, status["slow"], "deadline exceeded")
}
