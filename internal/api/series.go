package api

import (
	"context"

	"github.com/basekick-labs/tickstore/internal/timeseries"
)

// Series is the read surface of one store served over HTTP. Records are
// returned as values of the store's record type and encoded with their own
// json tags.
type Series interface {
	Name() string
	Stats() map[string]interface{}
	At(ts int64) (any, bool, error)
	Range(ctx context.Context, start, end int64, descending bool, limit int) ([]any, error)
	Before(ts int64, count int, inclusive bool) ([]any, error)
	Latest(ctx context.Context, count int) []any
}

type storeSeries[E timeseries.Record] struct {
	s *timeseries.Store[E]
}

// Adapt exposes s as a Series.
func Adapt[E timeseries.Record](s *timeseries.Store[E]) Series {
	return storeSeries[E]{s: s}
}

func (a storeSeries[E]) Name() string { return a.s.Name() }

func (a storeSeries[E]) Stats() map[string]interface{} { return a.s.Stats() }

func (a storeSeries[E]) At(ts int64) (any, bool, error) {
	e, ok, err := a.s.At(ts)
	if err != nil || !ok {
		return nil, false, err
	}
	return e, true, nil
}

func (a storeSeries[E]) Range(ctx context.Context, start, end int64, descending bool, limit int) ([]any, error) {
	opts := []timeseries.QueryOption{timeseries.Limit(limit)}
	if descending {
		opts = append(opts, timeseries.Descending())
	}

	out := []any{}
	for e, err := range a.s.Query(ctx, start, end, opts...) {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (a storeSeries[E]) Before(ts int64, count int, inclusive bool) ([]any, error) {
	var (
		records []E
		err     error
	)
	if inclusive {
		records, err = a.s.BeforeUntilWith(ts, count)
	} else {
		records, err = a.s.BeforeUntil(ts, count)
	}
	return boxed(records), err
}

func (a storeSeries[E]) Latest(ctx context.Context, count int) []any {
	out := []any{}
	for e := range a.s.EachLatest(ctx) {
		if len(out) == count {
			break
		}
		out = append(out, e)
	}
	return out
}

func boxed[E any](records []E) []any {
	out := make([]any, len(records))
	for i, e := range records {
		out[i] = e
	}
	return out
}
