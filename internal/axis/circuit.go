package axis

import (
	"sync"
	"time"
)

// CircuitBreakerState is one of the three states a per-gear breaker can
// be in.
type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"
	CircuitOpen     CircuitBreakerState = "open"
	CircuitHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreakerConfig is the per-gear tuning.
type CircuitBreakerConfig struct {
	FailureThreshold         int
	Window                   time.Duration
	Cooldown                 time.Duration
	HalfOpenSuccessesToClose int // defaults to 1 when unset
}

type gearCircuit struct {
	mu              sync.Mutex
	state           CircuitBreakerState
	failures        []time.Time
	lastStateChange time.Time
	halfOpenSuccess int
}

// CircuitBreaker tracks one gearCircuit per gear id, all state held in
// process memory — a restart clears every breaker back to closed.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	mu     sync.Mutex
	gears  map[string]*gearCircuit
	nowFn  func() time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.HalfOpenSuccessesToClose <= 0 {
		cfg.HalfOpenSuccessesToClose = 1
	}
	return &CircuitBreaker{cfg: cfg, gears: make(map[string]*gearCircuit), nowFn: time.Now}
}

func (cb *CircuitBreaker) circuitFor(gear string) *gearCircuit {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	g, ok := cb.gears[gear]
	if !ok {
		g = &gearCircuit{state: CircuitClosed, lastStateChange: cb.nowFn()}
		cb.gears[gear] = g
	}
	return g
}

// RecordFailure appends a failure timestamp, prunes entries outside the
// window, and opens the circuit once the threshold is reached.
func (cb *CircuitBreaker) RecordFailure(gear string) {
	g := cb.circuitFor(gear)
	g.mu.Lock()
	defer g.mu.Unlock()

	now := cb.nowFn()
	g.failures = pruneOlderThan(g.failures, now, cb.cfg.Window)
	g.failures = append(g.failures, now)

	if g.state == CircuitHalfOpen {
		// a probe failure in half_open returns to open with a fresh window.
		g.state = CircuitOpen
		g.lastStateChange = now
		g.failures = []time.Time{now}
		g.halfOpenSuccess = 0
		return
	}

	if len(g.failures) >= cb.cfg.FailureThreshold {
		g.state = CircuitOpen
		g.lastStateChange = now
	}
}

// RecordSuccess closes the circuit directly from closed, or counts a
// half_open probe success toward HalfOpenSuccessesToClose before closing.
func (cb *CircuitBreaker) RecordSuccess(gear string) {
	g := cb.circuitFor(gear)
	g.mu.Lock()
	defer g.mu.Unlock()

	now := cb.nowFn()
	switch g.state {
	case CircuitHalfOpen:
		g.halfOpenSuccess++
		if g.halfOpenSuccess >= cb.cfg.HalfOpenSuccessesToClose {
			g.state = CircuitClosed
			g.lastStateChange = now
			g.failures = nil
			g.halfOpenSuccess = 0
		}
	default:
		g.state = CircuitClosed
		g.failures = nil
		g.halfOpenSuccess = 0
	}
}

// GetState lazily transitions open -> half_open once the cooldown has
// elapsed since lastStateChange, then returns the (possibly just
// transitioned) state.
func (cb *CircuitBreaker) GetState(gear string) CircuitBreakerState {
	g := cb.circuitFor(gear)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == CircuitOpen && cb.nowFn().Sub(g.lastStateChange) >= cb.cfg.Cooldown {
		g.state = CircuitHalfOpen
		g.lastStateChange = cb.nowFn()
		g.halfOpenSuccess = 0
	}
	return g.state
}

// IsOpen reports whether gear's circuit currently rejects dispatch. A
// half_open circuit is not open: it admits a probe.
func (cb *CircuitBreaker) IsOpen(gear string) bool {
	return cb.GetState(gear) == CircuitOpen
}

func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := now.Add(-window)
	out := ts[:0:0]
	for _, t := range ts {
		if t.After(cut) {
			out = append(out, t)
		}
	}
	return out
}
