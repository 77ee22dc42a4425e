package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/lead-assess/internal/model"
)

var errVendorDown = NewTransientError(errors.New("vendor down"), 503)

func TestCircuitBreaker_ClosedState_Allows(t *testing.T) {
	cb := NewCircuitBreaker(model.TaskSEO, DefaultCircuitBreakerConfig())
	if err := cb.Allow(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(model.TaskSEO, CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})

	for range 3 {
		if err := cb.Allow(); err != nil {
			t.Fatalf("unexpected rejection: %v", err)
		}
		cb.Record(errVendorDown)
	}

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	err := cb.Allow()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("open circuit rejection should be transient")
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(model.TaskSEO, CircuitBreakerConfig{FailureThreshold: 2})
	for range 5 {
		cb.Record(NewPermanentError(errors.New("bad input"), 400))
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(model.TaskSEO, CircuitBreakerConfig{FailureThreshold: 3})
	cb.Record(errVendorDown)
	cb.Record(errVendorDown)
	cb.Record(nil)
	cb.Record(errVendorDown)
	cb.Record(errVendorDown)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after interleaved success, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(model.TaskPerformance, CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
	})
	cb.nowFunc = func() time.Time { return now }

	cb.Record(errVendorDown)
	if err := cb.Allow(); err == nil {
		t.Fatal("expected rejection while open")
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(model.TaskPerformance, CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
	})
	cb.nowFunc = func() time.Time { return now }

	cb.Record(errVendorDown)
	now = now.Add(11 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	cb.Record(errVendorDown)
	if cb.State() != CircuitOpen {
		t.Errorf("expected reopened circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(model.TaskSecurity, CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(kind model.TaskKind, from, to CircuitState) {
			transitions = append(transitions, string(kind)+":"+from.String()+"->"+to.String())
		},
	})
	cb.Record(errVendorDown)
	cb.Reset()

	want := []string{"security:closed->open", "security:open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(model.TaskSEO, CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Allow()
			if i%2 == 0 {
				cb.Record(errVendorDown)
			} else {
				cb.Record(nil)
			}
		}(i)
	}
	wg.Wait()
	_ = cb.State()
}

func TestKindBreakers_GetOrCreate(t *testing.T) {
	kb := NewKindBreakers(DefaultCircuitBreakerConfig())
	a := kb.Get(model.TaskSEO)
	b := kb.Get(model.TaskSEO)
	c := kb.Get(model.TaskScreenshot)
	if a != b {
		t.Error("expected the same breaker for the same kind")
	}
	if a == c {
		t.Error("expected distinct breakers for distinct kinds")
	}
	states := kb.States()
	if len(states) != 2 {
		t.Errorf("expected 2 breakers, got %d", len(states))
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}
