package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-backend circuit breaker.
//
//	cbClosed   - normal operation; all requests pass through.
//	cbOpen     - backend is failing; requests are rejected immediately.
//	cbHalfOpen - recovery probe; one request is allowed through to test it.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults.
const (
	defaultCBErrorThreshold  = 5
	defaultCBTimeWindow      = 60 * time.Second
	defaultCBHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultCBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultCBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultCBHalfOpenTimeout
}

// backendCB holds per-backend circuit breaker state.
type backendCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each backend.
// Breakers are created lazily on first use; it is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*backendCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*backendCB),
		cfg:      cfg,
	}
}

// Allow reports whether the named backend should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(backend string) bool {
	bcb := cb.get(backend)

	bcb.mu.Lock()
	defer bcb.mu.Unlock()

	switch bcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(bcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			// Transition to half-open: allow exactly one probe request.
			bcb.state = cbHalfOpen
			bcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if bcb.probeInflight {
			return false
		}
		bcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for backend and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(backend string) {
	bcb := cb.get(backend)

	bcb.mu.Lock()
	defer bcb.mu.Unlock()

	bcb.state = cbClosed
	bcb.errorCount = 0
	bcb.probeInflight = false
	bcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for backend. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(backend string) {
	bcb := cb.get(backend)

	bcb.mu.Lock()
	defer bcb.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(bcb.windowStart) > cb.cfg.timeWindow() {
		bcb.errorCount = 0
		bcb.windowStart = now
	}

	bcb.errorCount++
	bcb.probeInflight = false

	if bcb.errorCount >= cb.cfg.errorThreshold() {
		bcb.state = cbOpen
		bcb.openedAt = now
	}
}

// State returns the current cbState for backend (used for metrics export).
func (cb *CircuitBreaker) State(backend string) cbState {
	bcb := cb.get(backend)
	bcb.mu.Lock()
	defer bcb.mu.Unlock()
	return bcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(backend string) string {
	switch cb.State(backend) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(backend string) *backendCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	bcb, ok := cb.breakers[backend]
	if !ok {
		bcb = &backendCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[backend] = bcb
	}
	return bcb
}
