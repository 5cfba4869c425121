package engine

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewCircuitBreaker_AppliesDefaults(t *testing.T) {
	t.Parallel()

	def := DefaultCircuitBreakerConfig()
	if def.FailureThreshold <= 0 || def.SuccessThreshold <= 0 || def.Timeout <= 0 {
		t.Fatalf("defaults must be positive, got %+v", def)
	}

	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	if cb.failureThreshold != def.FailureThreshold {
		t.Errorf("failureThreshold = %d, want %d", cb.failureThreshold, def.FailureThreshold)
	}
	if cb.successThreshold != def.SuccessThreshold {
		t.Errorf("successThreshold = %d, want %d", cb.successThreshold, def.SuccessThreshold)
	}
	if cb.timeout != def.Timeout {
		t.Errorf("timeout = %v, want %v", cb.timeout, def.Timeout)
	}
	if cb.State() != CircuitClosed {
		t.Error("new breaker should start closed")
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() on new breaker = %v, want nil", err)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})

	cb.Failure()
	cb.Failure()
	if cb.State() != CircuitClosed {
		t.Fatal("should stay closed below the threshold")
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatal("should open at the threshold")
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() while open = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})

	cb.Failure()
	cb.Failure()
	cb.Success()

	// The streak restarts: two more failures must not open it.
	cb.Failure()
	cb.Failure()
	if cb.State() != CircuitClosed {
		t.Fatal("should stay closed after a success reset the count")
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Error("should open after three consecutive failures")
	}
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          30 * time.Millisecond,
	})

	cb.Failure()
	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(40 * time.Millisecond)

	// First call after the timeout is the probe.
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatal("should be half-open after the timeout probe")
	}

	cb.Success()
	if cb.State() != CircuitHalfOpen {
		t.Error("one success should not close it yet")
	}
	cb.Success()
	if cb.State() != CircuitClosed {
		t.Error("should close after reaching the success threshold")
	}
}

func TestCircuitBreaker_ReopensOnHalfOpenFailure(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          30 * time.Millisecond,
	})

	cb.Failure()
	cb.Failure()
	time.Sleep(40 * time.Millisecond)
	_ = cb.Allow()
	if cb.State() != CircuitHalfOpen {
		t.Fatal("breaker should be half-open")
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Error("a half-open failure should reopen immediately")
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() right after reopening = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})

	cb.Failure()
	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should be open")
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Error("should be closed after reset")
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() after reset = %v, want nil", err)
	}
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state CircuitState
		want  string
	}{
		{state: CircuitClosed, want: "closed"},
		{state: CircuitOpen, want: "open"},
		{state: CircuitHalfOpen, want: "half-open"},
		{state: CircuitState(99), want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()

			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	// High threshold so the breaker never opens mid-test; the point is the
	// race detector.
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 10000,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for range 100 {
				switch id % 4 {
				case 0:
					_ = cb.Allow()
				case 1:
					cb.Success()
				case 2:
					cb.Failure()
				case 3:
					_ = cb.State()
				}
			}
		}(i)
	}
	wg.Wait()

	if cb.State() != CircuitClosed {
		t.Error("breaker should still be closed")
	}
}
