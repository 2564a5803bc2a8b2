// Package resilience carries the transient-error handling primitives the
// scheduler's error-handling design calls for: bounded exponential-backoff
// retry, an adaptive circuit breaker, and a rate limiter, all operating
// independently of which component invokes them.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff (base delay) plus full jitter,
// up to attempts times. Used by the worker registry for transient Redis I/O
// errors per the scheduler's error taxonomy: if
// the budget is exhausted the caller leaves the entity in its previous state
// for the next tick to re-examine, rather than treating exhaustion as fatal.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("scheduler")
	attemptCounter, _ := meter.Int64Counter("scheduler_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("scheduler_retry_success_total")
	failCounter, _ := meter.Int64Counter("scheduler_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
