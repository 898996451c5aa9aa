// Package circuitbreaker shields remote providers from repeated calls while
// they are failing. Only transient failures count toward opening the
// circuit; rejected requests surface as transient errors so callers can
// retry later.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the circuit position.
type State int

const (
	// StateClosed lets all calls through.
	StateClosed State = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery.
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

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive probe successes that
	// closes it again.
	SuccessThreshold int

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
}

// DefaultConfig mirrors the retry budget: five exhausted retry sequences in
// a row open the circuit for thirty seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a mutex-guarded circuit breaker. Callers ask Allow before the
// call and report the outcome with Record.
type Breaker struct {
	config Config
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	probeInFlight bool
}

// New builds a breaker with the given config; zero thresholds fall back to
// defaults.
func New(config Config, logger zerolog.Logger) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	return &Breaker{config: config, logger: logger, state: StateClosed}
}

// Allow reports whether a call may proceed. In the half-open state only one
// probe is allowed at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// Record reports the outcome of an allowed call. Failed is true only for
// transient failures; permanent errors such as validation rejections do not
// move the circuit.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}

	if failed {
		b.successes = 0
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.config.FailureThreshold {
				b.open()
			}
		case StateHalfOpen:
			b.open()
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = time.Now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.logger.Warn().
		Str("from", b.state.String()).
		Str("to", next.String()).
		Msg("circuit state changed")
	b.state = next
	b.successes = 0
	if next == StateClosed {
		b.failures = 0
	}
}
