// Package resilience provides the retry policy, failure taxonomy and per-vendor
// circuit breakers used by the assessment orchestrator.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/model"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until ResetTimeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before transitioning
	// to half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the number of successful probes required in
	// half-open state before closing the circuit. Default: 1.
	HalfOpenMaxProbes int

	// ShouldTrip decides which errors count toward the threshold. If nil,
	// only transient errors do; a permanent error says nothing about vendor
	// health.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(kind model.TaskKind, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// BreakerPolicy builds a CircuitBreakerConfig from config settings, keeping
// the defaults for non-positive values.
func BreakerPolicy(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}

// CircuitBreaker guards the vendor behind a single task kind.
type CircuitBreaker struct {
	kind  model.TaskKind
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenSuccesses   int

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for kind.
func NewCircuitBreaker(kind model.TaskKind, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &CircuitBreaker{
		kind:    kind,
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Allow returns ErrCircuitOpen (wrapped as transient) if calls are currently
// rejected. An open circuit whose reset timeout has elapsed moves to
// half-open and admits the caller as a probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.nowFunc().Sub(cb.lastFailureTime) < cb.cfg.ResetTimeout {
			return NewTransientError(eris.Wrapf(ErrCircuitOpen, "task %s", cb.kind), 0)
		}
		cb.transition(CircuitHalfOpen)
	}
	return nil
}

// Record feeds the result of an admitted call back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !cb.cfg.ShouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxProbes {
				cb.transition(CircuitClosed)
				cb.consecutiveFailures = 0
				cb.halfOpenSuccesses = 0
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
		cb.halfOpenSuccesses = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.kind, from, to)
	}
}

// KindBreakers holds one circuit breaker per task kind, shared by all jobs.
type KindBreakers struct {
	mu       sync.RWMutex
	breakers map[model.TaskKind]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewKindBreakers creates an empty registry of per-kind breakers.
func NewKindBreakers(cfg CircuitBreakerConfig) *KindBreakers {
	return &KindBreakers{
		breakers: make(map[model.TaskKind]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for kind, creating it on first use.
func (kb *KindBreakers) Get(kind model.TaskKind) *CircuitBreaker {
	kb.mu.RLock()
	cb, ok := kb.breakers[kind]
	kb.mu.RUnlock()
	if ok {
		return cb
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()
	if cb, ok = kb.breakers[kind]; ok {
		return cb
	}
	cb = NewCircuitBreaker(kind, kb.cfg)
	kb.breakers[kind] = cb
	return cb
}

// States returns a snapshot of all breaker states.
func (kb *KindBreakers) States() map[model.TaskKind]CircuitState {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	states := make(map[model.TaskKind]CircuitState, len(kb.breakers))
	for kind, cb := range kb.breakers {
		states[kind] = cb.State()
	}
	return states
}
