// Package resilience provides generic retry and circuit-breaker helpers,
// labeled per call site so the dispatcher's NATS transport and any future
// caller don't share one indistinguishable set of counters.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles each attempt, capped at 60s. component labels
// the emitted metrics (e.g. "dispatch.nats") so two call sites wrapping
// unrelated transports don't collapse into one indistinguishable counter.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, component string, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("mistral-engine")
	attemptCounter, _ := meter.Int64Counter("mistral_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("mistral_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("mistral_resilience_retry_fail_total")
	labels := metric.WithAttributes(attribute.String("component", component))
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1, labels)
		if err == nil {
			successCounter.Add(ctx, 1, labels)
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
			failCounter.Add(ctx, 1, labels)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1, labels)
	return zero, lastErr
}
