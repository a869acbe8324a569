// Package circuitbreaker guards the outbound HTTP clients (provider manager,
// content service). Repeated failures trip the breaker open so workflow steps
// fail fast with a transient error instead of piling up on a dead dependency.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned without invoking the wrapped call while the breaker
// is open. Treat it as a transient dependency failure.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's admission mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config tunes trip and recovery behavior. Zero fields take defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// ProbeSuccesses is how many consecutive half-open successes close it again.
	ProbeSuccesses int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeSuccesses <= 0 {
		c.ProbeSuccesses = 2
	}
	return c
}

// Breaker wraps a single downstream dependency. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// New creates a breaker named after the dependency it guards.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: Closed,
		now:   time.Now,
	}
}

// Do runs fn under breaker admission. While open it returns ErrOpen without
// calling fn; after the cooldown a single probe call is let through.
// A ctx already cancelled before admission is surfaced without being counted
// against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.transitionLocked(HalfOpen)
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.onFailureLocked()
	} else if err == nil {
		b.onSuccessLocked()
	}
	return err
}

func (b *Breaker) onFailureLocked() {
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transitionLocked(Open)
		}
	case HalfOpen:
		// Probe failed, back to open for another cooldown.
		b.openedAt = b.now()
		b.transitionLocked(Open)
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.transitionLocked(Closed)
		}
	}
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	log.Warn().
		Str("breaker", b.name).
		Str("from", b.state.String()).
		Str("to", next.String()).
		Int("failures", b.failures).
		Msg("Circuit breaker state change")
	b.state = next
	if next == Closed || next == HalfOpen {
		b.successes = 0
	}
	if next == Closed {
		b.failures = 0
	}
}

// State reports the current admission mode, accounting for elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(HalfOpen)
	}
	return b.state
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset closes the breaker and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed)
}
