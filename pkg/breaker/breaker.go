package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/renoz/turbine/internal/observability"
	"github.com/renoz/turbine/pkg/invocation"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed State = iota
	// StateOpen - failing, requests rejected without dispatch
	StateOpen
	// StateHalfOpen - probing whether the target recovered
	StateHalfOpen
)

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

// Config configures circuit breaker behavior
type Config struct {
	// FailureThreshold is the consecutive transient failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenTrials is how many probe requests are admitted while half-open.
	HalfOpenTrials int
	// OnStateChange is an optional transition callback.
	OnStateChange func(target string, from, to State)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenTrials:   1,
	}
}

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = defaults.HalfOpenTrials
	}
	return cfg
}

// Breaker tracks the failure state of one downstream target. Transitions are
// monotonic within a cycle: CLOSED -> OPEN -> HALF_OPEN -> {CLOSED | OPEN}.
type Breaker struct {
	target string
	cfg    Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenSuccesses   int
	halfOpenInFlight    int
	lastStateChange     time.Time
}

// NewBreaker creates a breaker for the given target, starting closed.
func NewBreaker(target string, cfg Config) *Breaker {
	return &Breaker{
		target:          target,
		cfg:             normalizeConfig(cfg),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a dispatch attempt may proceed. While the circuit is
// open it fails fast with a CircuitOpen rejection and no handler is invoked.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 1
			log.Info().
				Str("target", b.target).
				Msg("Circuit breaker probing recovery")
			return nil
		}
		return invocation.NewRejection(invocation.ErrKindCircuitOpen,
			"circuit open for %s, retry in %v",
			b.target, b.cfg.RecoveryTimeout-time.Since(b.openedAt))

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenTrials {
			return invocation.NewRejection(invocation.ErrKindCircuitOpen,
				"circuit half-open for %s, trial in flight", b.target)
		}
		b.halfOpenInFlight++
		return nil

	default:
		return invocation.NewRejection(invocation.ErrKindCircuitOpen,
			"circuit in unknown state for %s", b.target)
	}
}

// FailFast reports an open-circuit rejection without consuming a half-open
// trial slot. Used at admission, where a request that will be rejected at
// dispatch anyway should not occupy the queue.
func (b *Breaker) FailFast() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
		return invocation.NewRejection(invocation.ErrKindCircuitOpen,
			"circuit open for %s, retry in %v",
			b.target, b.cfg.RecoveryTimeout-time.Since(b.openedAt))
	}
	return nil
}

// Mark records a request outcome. Pass nil for success. Permanent failures
// (invalid arguments and the like) say nothing about the target's health:
// they move no state, but a half-open trial slot they occupied is returned
// so the next Allow can admit another probe.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && !invocation.IsTransient(err) {
		if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		return
	}

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if b.halfOpenSuccesses >= b.cfg.HalfOpenTrials {
			b.setState(StateClosed)
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			log.Info().
				Str("target", b.target).
				Msg("Circuit breaker closed, target recovered")
		}

	case StateOpen:
		// A success can land here when a slow in-flight request finishes
		// after the circuit opened; it does not reopen admission.
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
			b.openedAt = time.Now()
			observability.RecordBreakerTrip(b.target)
			log.Warn().
				Str("target", b.target).
				Int("failures", b.consecutiveFailures).
				Msg("Circuit breaker opened")
		}

	case StateHalfOpen:
		b.setState(StateOpen)
		b.openedAt = time.Now()
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
		observability.RecordBreakerTrip(b.target)
		log.Warn().
			Str("target", b.target).
			Msg("Circuit breaker reopened, probe failed")

	case StateOpen:
		// A late failure from a request admitted before the trip must not
		// push the recovery window out.
	}
}

func (b *Breaker) setState(newState State) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()
	observability.SetBreakerState(b.target, int(newState))

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.target, oldState, newState)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports the breaker state for the metrics surface.
type Snapshot struct {
	Target              string    `json:"target"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Target:              b.target,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		LastStateChange:     b.lastStateChange,
	}
}

// Reset manually returns the breaker to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	b.lastStateChange = time.Now()
	observability.SetBreakerState(b.target, int(StateClosed))
}

// Registry holds one breaker per downstream target.
type Registry struct {
	breakers map[string]*Breaker
	cfg      Config
	mu       sync.RWMutex
}

// NewRegistry creates a breaker registry with a shared config.
func NewRegistry(cfg Config) *Registry {
	observability.EnsureRegistered()

	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      normalizeConfig(cfg),
	}
}

// Get returns the breaker for a target, creating it on first use.
func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[target]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := r.breakers[target]; ok {
		return b
	}

	b := NewBreaker(target, r.cfg)
	r.breakers[target] = b
	log.Debug().Str("target", target).Msg("Circuit breaker created")
	return b
}

// Snapshots returns the state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetAll resets every breaker to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
