// Package resilience protects the client from hammering a remote that keeps
// failing.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [GuardProvider] puts one in front of an [s2s.Provider] so that, after a run
// of failed dials, new conversations fail immediately instead of waiting on a
// service that is down.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down has
	// elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. One failure
	// re-opens the breaker; enough successes close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewBreaker] to zero-valued [BreakerConfig] fields.
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
	DefaultTrials      = 1
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing. Default 30 s.
	Cooldown time.Duration

	// Trials is the number of successful half-open calls needed to close the
	// breaker again. Default 1.
	Trials int

	// Logger receives state transitions. Default [slog.Default].
	Logger *slog.Logger
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	trials      int
	log         *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open calls not yet finished
	successes int // half-open calls that succeeded
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = DefaultTrials
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		trials:      cfg.Trials,
		log:         cfg.Logger,
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open, and records its outcome. While open
// it returns [ErrCircuitOpen] without calling fn. In the half-open state only
// as many concurrent calls as are still needed to close the breaker are let
// through; the rest are rejected.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(trial, err)
	return err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight, b.successes = 0, 0
		b.log.Info("circuit half-open", "breaker", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.successes >= b.trials {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.inFlight--
		if b.state != StateHalfOpen {
			// Another trial already decided the outcome.
			return
		}
		if err != nil {
			b.trip("trial failed", err)
			return
		}
		b.successes++
		if b.successes >= b.trials {
			b.state = StateClosed
			b.failures = 0
			b.log.Info("circuit closed", "breaker", b.name)
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.trip("too many failures", err)
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip(why string, err error) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.log.Warn("circuit open",
		"breaker", b.name,
		"why", why,
		"consecutive_failures", b.failures,
		"cooldown", b.cooldown,
		"err", err,
	)
}

// State reports the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.inFlight, b.successes = 0, 0, 0
	b.log.Info("circuit reset", "breaker", b.name)
}
