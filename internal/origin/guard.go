package origin

import (
	"context"
	"errors"
	"iter"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/tickstore/internal/circuitbreaker"
	"github.com/basekick-labs/tickstore/internal/timeseries"
)

// Guard wraps fn with a circuit breaker. While the breaker is open the
// segment is reported as unknown without calling fn, so the store asks
// again on a later miss.
func Guard[E any](fn timeseries.Supplier[E], b *circuitbreaker.Breaker, logger zerolog.Logger) timeseries.Supplier[E] {
	logger = logger.With().Str("component", "origin-guard").Logger()

	return func(ctx context.Context, segmentStart int64) (iter.Seq[E], error) {
		var seq iter.Seq[E]
		err := b.Do(ctx, func(ctx context.Context) error {
			var err error
			seq, err = fn(ctx, segmentStart)
			return err
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			logger.Debug().Int64("segment", segmentStart).Msg("Origin skipped, circuit open")
			return nil, nil
		}
		return seq, err
	}
}
