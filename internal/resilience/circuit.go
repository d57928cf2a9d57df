// Package resilience provides circuit breaker and retry patterns for external
// supplier calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state — requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many recent failures — requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
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
	// FailureThreshold is the number of failures within FailureWindow that
	// opens the circuit. Default: 5.
	FailureThreshold int

	// FailureWindow is the sliding window over which failures are counted.
	// Default: 60s.
	FailureWindow time.Duration

	// CoolDown is how long the circuit stays open before the single half-open
	// probe is permitted. Default: 30s.
	CoolDown time.Duration

	// ShouldTrip optionally overrides which errors count toward the failure
	// threshold. If nil, every non-nil error counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		CoolDown:         30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single supplier.
// While half-open, exactly one in-flight probe is admitted; concurrent calls
// are rejected with ErrCircuitOpen until the probe resolves.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	failureTimes  []time.Time
	openedAt      time.Time
	probeInFlight bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 60 * time.Second
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// circuit is open or a half-open probe is already in flight. Failures counted
// by ShouldTrip accumulate in the sliding window until the threshold opens
// the circuit.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(err)
	return val, err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// An expired cool-down reads as half-open even before the probe arrives.
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.CoolDown {
		return CircuitHalfOpen
	}
	return cb.state
}

// CoolDown returns the configured open-state duration. Callers use it to
// schedule work deferred by ErrCircuitOpen.
func (cb *CircuitBreaker) CoolDown() time.Duration {
	return cb.cfg.CoolDown
}

// Reset forces the circuit back to closed state. Useful for testing or
// manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.failureTimes = cb.failureTimes[:0]
	cb.probeInFlight = false
	if old != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(old, CircuitClosed)
	}
}

// Counters returns the windowed failure count and state for observability.
func (cb *CircuitBreaker) Counters() (windowFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneWindow(cb.nowFunc())
	return len(cb.failureTimes), cb.state
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.CoolDown {
			cb.transition(CircuitHalfOpen)
			cb.probeInFlight = true
			return nil // the one probe
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}

	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
	}

	if err == nil || !shouldTrip(err) {
		if cb.state == CircuitHalfOpen {
			// Probe succeeded: the supplier recovered.
			cb.transition(CircuitClosed)
			cb.failureTimes = cb.failureTimes[:0]
		}
		return
	}

	now := cb.nowFunc()
	switch cb.state {
	case CircuitClosed:
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneWindow(now)
		if len(cb.failureTimes) >= cb.cfg.FailureThreshold {
			cb.openedAt = now
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Probe failed: back to open for another cool-down.
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneWindow(now)
		cb.openedAt = now
		cb.transition(CircuitOpen)
	case CircuitOpen:
		// Straggler from a call admitted before the trip. Count it, but do
		// not extend the cool-down.
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneWindow(now)
	}
}

// pruneWindow drops failure timestamps older than the sliding window.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.cfg.FailureWindow)
	i := 0
	for i < len(cb.failureTimes) && !cb.failureTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failureTimes = append(cb.failureTimes[:0], cb.failureTimes[i:]...)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers manages the circuit breakers of all configured suppliers.
// Breaker state is global: every job routing calls through a supplier shares
// that supplier's breaker.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewServiceBreakers creates a registry of per-supplier circuit breakers.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named supplier, creating one if needed.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[service]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[service]; ok {
		return cb
	}
	cb = NewCircuitBreaker(sb.cfg)
	sb.breakers[service] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}
