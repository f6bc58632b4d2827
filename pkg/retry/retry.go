// Package retry runs short idempotent operations under a failsafe-go retry
// policy with jittered exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy bounds one Do call
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFactor spreads each delay by up to this fraction
	JitterFactor float64
}

// StorePolicy retries lock contention on the local database
var StorePolicy = RetryPolicy{
	MaxAttempts:    8,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
	JitterFactor:   0.5,
}

// IsTransientFunc reports whether err is worth another attempt
type IsTransientFunc func(error) bool

// Do calls fn until it succeeds, returns a non-transient error, runs out
// of attempts or ctx ends. The error of the last attempt is returned as is.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithMaxAttempts(policy.MaxAttempts).
		WithBackoff(policy.InitialBackoff, policy.MaxBackoff)
	if policy.JitterFactor > 0 {
		builder = builder.WithJitterFactor(policy.JitterFactor)
	}

	var lastErr error
	err := failsafe.With[any](builder.Build()).WithContext(ctx).Run(func() error {
		lastErr = fn()
		return lastErr
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
