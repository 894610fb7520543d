// Package retry runs operations under an exponential-backoff retry policy
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// OnRetryFunc is called before each retry with the number of the attempt that failed
type OnRetryFunc func(attempt int, err error)

// Always retries every error
func Always(error) bool { return true }

// Do executes fn until it succeeds, returns a non-transient error, or MaxAttempts is reached.
// The last error is returned unwrapped so callers can classify it.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	return DoNotify(ctx, policy, isTransient, nil, fn)
}

// DoNotify is Do with a retry listener
func DoNotify(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, onRetry OnRetryFunc, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = DefaultPolicy.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if isTransient == nil {
		isTransient = Always
	}

	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(policy.InitialBackoff, policy.MaxBackoff).
		WithMaxRetries(policy.MaxAttempts - 1).
		ReturnLastFailure()

	if onRetry != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[any]) {
			onRetry(e.Attempts(), e.LastError())
		})
	}

	return failsafe.With[any](builder.Build()).WithContext(ctx).Run(fn)
}
