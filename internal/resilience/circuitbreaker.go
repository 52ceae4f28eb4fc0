// Package resilience provides a circuit breaker and provider failover for the
// speech engines.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open). The
// synthesis engine dispatches every utterance through one so that a dead TTS
// backend fails fast instead of hanging each Speak. [FallbackGroup] composes
// several instances of the same provider type, each behind its own breaker;
// [STTFallback] uses it to open recognition sessions on the first healthy STT
// backend.
//
// A breaker never retries: each Execute runs fn at most once.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker, a single failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change notifications.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before it lets probes
	// through. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by fn counts against the
	// breaker. Default: every error except context cancellation, so that a
	// caller abandoning its own request does not trip the breaker.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker unlocked.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(string, State, State)
	log           *slog.Logger
	now           func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenOK       int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		log:           cfg.Logger.With("breaker", cfg.Name),
		now:           time.Now,
		state:         StateClosed,
	}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is open. While half-open, at most
// HalfOpenMax probes run concurrently; further calls are rejected with
// [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var transition func()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		transition = cb.setState(StateHalfOpen)
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.halfOpenInFlight++
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}

	err := fn()

	cb.mu.Lock()
	if probe {
		cb.halfOpenInFlight--
	}
	switch {
	case err != nil && cb.isFailure(err):
		transition = cb.recordFailure(probe)
	case err == nil:
		transition = cb.recordSuccess(probe)
	default:
		transition = nil
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) func() {
	if probe || cb.state == StateHalfOpen {
		cb.openedAt = cb.now()
		return cb.setState(StateOpen)
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		cb.openedAt = cb.now()
		return cb.setState(StateOpen)
	}
	return nil
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) func() {
	if !probe {
		cb.consecutiveFail = 0
		return nil
	}
	if cb.state != StateHalfOpen {
		return nil
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMax {
		return cb.setState(StateClosed)
	}
	return nil
}

// setState must be called with cb.mu held. The returned func logs and
// notifies and must be called after unlocking.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	cb.state = to
	switch to {
	case StateClosed:
		cb.consecutiveFail = 0
		cb.halfOpenOK = 0
	case StateHalfOpen:
		cb.halfOpenOK = 0
	}
	failures := cb.consecutiveFail
	return func() {
		switch to {
		case StateOpen:
			cb.log.Warn("circuit breaker opened", "from", from.String(), "consecutive_failures", failures)
		default:
			cb.log.Info("circuit breaker state changed", "from", from.String(), "to", to.String())
		}
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, from, to)
		}
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var notify func()
	if cb.state != StateClosed {
		notify = cb.setState(StateClosed)
	}
	cb.consecutiveFail = 0
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}
