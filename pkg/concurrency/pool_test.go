package concurrency

import (
	"errors"
	"sync/atomic"
	"testing"

	"stop_engine/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunAll(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 16}, logging.NewNopLogger())
	defer pool.Stop()

	var counter int64
	tasks := make([]func() error, 10)
	for i := range tasks {
		tasks[i] = func() error {
			atomic.AddInt64(&counter, 1)
			return nil
		}
	}

	assert.Nil(t, pool.RunAll(tasks))
	assert.Equal(t, int64(10), atomic.LoadInt64(&counter))
}

func TestWorkerPool_RunAllCollectsErrors(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 2}, logging.NewNopLogger())
	defer pool.Stop()

	boom := errors.New("boom")
	errs := pool.RunAll([]func() error{
		func() error { return nil },
		func() error { return boom },
	})

	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
}

func TestWorkerPool_NonBlockingFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "tiny", MaxWorkers: 1, MaxCapacity: 1, NonBlocking: true}, logging.NewNopLogger())
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)

	var rejected bool
	for i := 0; i < 10; i++ {
		if err := pool.Submit(func() { <-block }); err != nil {
			rejected = true
			break
		}
	}
	assert.True(t, rejected)
}
