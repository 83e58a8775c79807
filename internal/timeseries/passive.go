package timeseries

import (
	"context"
	"errors"
	"sync"
)

// PassiveSource pushes records to emit until ctx is done or the source
// is exhausted.
type PassiveSource[E any] interface {
	Run(ctx context.Context, emit func(E)) error
}

// SourceFunc adapts a function to PassiveSource.
type SourceFunc[E any] func(ctx context.Context, emit func(E)) error

// Run calls f.
func (f SourceFunc[E]) Run(ctx context.Context, emit func(E)) error {
	return f(ctx, emit)
}

// Subscription is a running passive supplier.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed once the source has stopped and the store was committed.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// Err returns the source or commit error after Done is closed.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Stop cancels the source and waits for the final commit.
func (sub *Subscription) Stop() error {
	sub.cancel()
	<-sub.done
	return sub.Err()
}

// EnablePassiveSupplier stores everything src emits on a dedicated
// goroutine, which becomes the store's writer. When ctx is done or the
// source returns, the store is committed.
func (s *Store[E]) EnablePassiveSupplier(ctx context.Context, src PassiveSource[E]) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.logger.Info().Msg("Passive supplier started")

	go func() {
		defer close(sub.done)
		defer cancel()

		err := src.Run(ctx, func(e E) {
			if err := s.Store(e); err != nil {
				s.logger.Error().Err(err).Int64("time", e.EpochSeconds()).Msg("Failed to store pushed record")
			}
		})
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Passive supplier stopped with error")
		}

		if cerr := s.Commit(); cerr != nil {
			s.logger.Error().Err(cerr).Msg("Commit after passive supplier failed")
			err = errors.Join(err, cerr)
		}

		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()

		s.logger.Info().Msg("Passive supplier stopped")
	}()

	return sub
}
