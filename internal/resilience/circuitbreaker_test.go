package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("connection reset")
var errRejected = errors.New("insufficient funds")

func TestCircuitBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	now := time.Date(2024, 10, 21, 10, 0, 0, 0, time.UTC)
	var transitions []CircuitState

	cb := NewCircuitBreaker("kite", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, to)
		},
	})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	fail := func(context.Context) error { return errTransient }
	ok := func(context.Context) error { return nil }

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !IsOpen(err) || called {
		t.Fatalf("open circuit should reject without calling fn, err=%v called=%v", err, called)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("half-open trial call failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want CLOSED", cb.State())
	}

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker("gateway", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        func(err error) bool { return errors.Is(err, errTransient) },
	})

	v, err := ExecuteWithResult(cb, context.Background(), func(context.Context) (int, error) {
		return 0, errRejected
	})
	if !errors.Is(err, errRejected) || v != 0 {
		t.Fatalf("expected rejection to pass through, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("business rejection should not open the circuit")
	}

	stats := cb.Stats()
	if stats.TotalRequests != 1 || stats.TotalFailures != 0 {
		t.Errorf("stats = %+v", stats)
	}
}
