package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/taskscheduler/internal/otelinit"
)

// WithRetry executes fn with exponential backoff and full jitter, retrying
// up to attempts times. Used by the worker's HTTP client around transient
// network failures talking to schedd — distinct from the task-level Retry
// Controller, which governs attempt_count on the Task entity itself. inst
// receives per-attempt outcome counters; pass otelinit.NewInstruments() for
// a working no-op-safe default.
func WithRetry[T any](ctx context.Context, inst otelinit.Instruments, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error

	for i := 0; i < attempts; i++ {
		v, err := fn()
		recordRetryOutcome(inst, "attempt")
		if err == nil {
			recordRetryOutcome(inst, "success")
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
			recordRetryOutcome(inst, "fail")
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	recordRetryOutcome(inst, "fail")
	return zero, lastErr
}

func recordRetryOutcome(inst otelinit.Instruments, outcome string) {
	if inst.WorkerHTTPRetry != nil {
		inst.WorkerHTTPRetry.Add(context.Background(), 1, attribute.String("outcome", outcome))
	}
}
