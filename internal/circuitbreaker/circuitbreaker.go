// Package circuitbreaker stops calling a failing origin for a cool-down
// period and lets a few probe calls through before trusting it again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the breaker state
type State int

const (
	StateClosed   State = iota // calls pass
	StateOpen                  // calls are rejected
	StateHalfOpen              // a bounded number of probes pass
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

// ErrCircuitOpen is returned without calling the protected function while
// the breaker is open or all probe slots are taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker settings. Zero values take the defaults.
type Config struct {
	Name string

	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int
	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration
	// Probes is the number of concurrent half-open calls, and the number of
	// successes needed to close again. Default 1.
	Probes int

	// IsFailure classifies results. By default every error except context
	// cancellation counts.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker lock held.
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = countsAsFailure
	}
	return c
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inflight  int
	openedAt  time.Time

	calls    atomic.Int64
	rejected atomic.Int64
}

// New creates a closed breaker.
func New(cfg Config, logger zerolog.Logger) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", cfg.Name).Logger(),
		now:    time.Now,
	}
}

// Do runs fn unless the breaker rejects the call. The result of fn is
// returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		b.rejected.Add(1)
		return err
	}
	b.calls.Add(1)

	err := fn(ctx)
	b.release(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.inflight >= b.cfg.Probes {
			return ErrCircuitOpen
		}
		b.inflight++
	}
	return nil
}

func (b *Breaker) release(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := b.cfg.IsFailure(err)

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		b.logger.Debug().Err(err).Int("failures", b.failures).Msg("Recorded failure")
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}

	case StateHalfOpen:
		b.inflight--
		if failed {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.setState(StateClosed)
		}

	case StateOpen:
		// A call admitted before another one tripped the breaker.
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.inflight = 0

	event := b.logger.Info()
	if to == StateOpen {
		event = b.logger.Warn()
	}
	event.Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed still reports open until the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
}

// Stats returns breaker statistics
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"name":             b.cfg.Name,
		"state":            b.state.String(),
		"failures":         b.failures,
		"max_failures":     b.cfg.MaxFailures,
		"cooldown_seconds": b.cfg.Cooldown.Seconds(),
		"calls":            b.calls.Load(),
		"rejected":         b.rejected.Load(),
	}
}
