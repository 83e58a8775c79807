package feed

import "context"

// Channel is a source fed by another goroutine of the same process.
type Channel[E any] struct {
	C <-chan E
}

// FromChannel returns a source that emits everything received on ch. The
// source ends when ch is closed.
func FromChannel[E any](ch <-chan E) *Channel[E] {
	return &Channel[E]{C: ch}
}

// Run implements Source.
func (c *Channel[E]) Run(ctx context.Context, emit func(E)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-c.C:
			if !ok {
				return nil
			}
			emit(e)
		}
	}
}
