package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component released during shutdown.
type Closer interface {
	Close() error
}

// Func is a shutdown step that honours the shutdown deadline.
type Func func(ctx context.Context) error

// Steps run in ascending priority; equal priorities run in registration
// order.
const (
	PriorityHTTPServer = 10 // stop serving reads
	PriorityFeed       = 20 // stop passive subscriptions, which commit
	PriorityCommit     = 30 // flush dirty segments
	PriorityArchive    = 40 // final archive push
	PrioritySeries     = 50 // close series files and release locks
	PriorityOrigin     = 60 // origin connection pools
)

type step struct {
	name     string
	priority int
	run      Func
}

// Coordinator runs registered shutdown steps once, in priority order,
// within a deadline.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once      sync.Once
	err       error
	trigger   sync.Once
	triggered chan struct{}
}

// New creates a coordinator whose Shutdown gives up after timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// Register adds a component closed at the given priority.
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error {
		return component.Close()
	}, priority)
}

// RegisterFunc adds a shutdown step at the given priority.
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, priority: priority, run: fn})

	c.logger.Debug().
		Str("step", name).
		Int("priority", priority).
		Msg("Registered shutdown step")
}

// Wait blocks until SIGINT or SIGTERM arrives, Trigger is called, or ctx is
// done, and returns what happened.
func (c *Coordinator) Wait(ctx context.Context) string {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-c.triggered:
		return "triggered"
	case <-sigCtx.Done():
		if ctx.Err() != nil {
			return "context done"
		}
		c.logger.Info().Msg("Received shutdown signal")
		return "signal"
	}
}

// Trigger unblocks Wait. It is safe to call concurrently.
func (c *Coordinator) Trigger() {
	c.trigger.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.triggered)
	})
}

// Shutdown runs every step once. Failing steps do not stop later ones;
// when the deadline passes the remaining steps are skipped. Later calls
// return the first call's result.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.trigger.Do(func() { close(c.triggered) })
		c.err = c.run()
	})
	return c.err
}

func (c *Coordinator) run() error {
	c.mu.Lock()
	steps := slices.Clone(c.steps)
	c.mu.Unlock()

	slices.SortStableFunc(steps, func(a, b step) int {
		return a.priority - b.priority
	})

	c.logger.Info().
		Dur("timeout", c.timeout).
		Int("steps", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	var errs []error
	for i, s := range steps {
		if ctx.Err() != nil {
			c.logger.Warn().
				Int("skipped", len(steps)-i).
				Msg("Shutdown timeout reached, skipping remaining steps")
			errs = append(errs, ctx.Err())
			break
		}

		if err := s.run(ctx); err != nil {
			c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
	}

	c.logger.Info().
		Dur("duration", time.Since(start)).
		Msg("Graceful shutdown complete")
	return errors.Join(errs...)
}
