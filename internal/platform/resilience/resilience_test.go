package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, "test", func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got v=%d err=%v", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt on immediate success, got %d", calls)
	}
}

func TestRetryStopsAfterAttemptsExhausted(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Retry(context.Background(), 3, time.Millisecond, "test", func() (int, error) {
		calls++
		return 0, boom
	})
	if err != boom {
		t.Fatalf("expected the last error to surface, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, "test", func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got v=%q err=%v", v, err)
	}
	if calls != 3 {
		t.Fatalf("expected to stop retrying once fn succeeds, got %d calls", calls)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, 5, 50*time.Millisecond, "test", func() (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected cancellation to surface as an error")
	}
	if calls != 1 {
		t.Fatalf("expected the first attempt to still run before the cancelled context is observed, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnFailureThenRecoversOnSuccessfulProbe(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 1, 1, 0.5, 30*time.Millisecond, 1, "test")

	if !cb.Allow() {
		t.Fatalf("expected the breaker to start closed and allow requests")
	}
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("expected the breaker to open once a failing request trips the threshold")
	}

	time.Sleep(40 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected a half-open probe to be allowed after the cool-down")
	}
	if !cb.Allow() {
		t.Fatalf("expected the single configured half-open probe slot to be allowed")
	}
	if cb.Allow() {
		t.Fatalf("expected a probe beyond maxHalfOpenProbes to be refused")
	}

	cb.RecordResult(true)
	for i := 0; i < 5; i++ {
		if !cb.Allow() {
			t.Fatalf("expected the breaker to stay closed after a successful probe closed it")
		}
	}
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 1, 1, 0.5, 20*time.Millisecond, 2, "test")

	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("expected the breaker to be open")
	}

	time.Sleep(30 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected the first half-open probe to be allowed")
	}
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("expected a failed half-open probe to reopen the breaker immediately")
	}
}
