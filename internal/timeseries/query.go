package timeseries

import (
	"context"
	"iter"
)

// QueryOption adjusts a range query.
type QueryOption func(*query)

type query struct {
	descending bool
	limit      int
}

// Descending yields newest records first.
func Descending() QueryOption {
	return func(q *query) { q.descending = true }
}

// Limit stops after n records. Non-positive n means no limit.
func Limit(n int) QueryOption {
	return func(q *query) { q.limit = n }
}

// Each yields records with timestamps in [start, end] in ascending order.
func (s *Store[E]) Each(ctx context.Context, start, end int64) iter.Seq2[E, error] {
	return s.Query(ctx, start, end)
}

// EachInside yields records with timestamps in (start, end) in ascending order.
func (s *Store[E]) EachInside(ctx context.Context, start, end int64) iter.Seq2[E, error] {
	return s.Query(ctx, start+1, end-1)
}

// Query yields records with timestamps in [start, end]. Segments are
// resolved one at a time as the consumer advances, so breaking out of the
// loop or cancelling ctx leaves later segments untouched. Cancellation is
// reported as a final ctx.Err(); resolution failures end the sequence with
// the error.
//
// Without an origin supplier the scan is clamped to the span actually held
// in memory or on disk.
func (s *Store[E]) Query(ctx context.Context, start, end int64, opts ...QueryOption) iter.Seq2[E, error] {
	var q query
	for _, opt := range opts {
		opt(&q)
	}

	return func(yield func(E, error) bool) {
		start := max(start, 0)
		if end < start {
			return
		}

		keys, ok := s.segmentKeys(start, end, q.descending)
		if !ok {
			return
		}

		var zero E
		emitted := 0
		for segStart := range keys {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}

			seg, err := s.resolve(ctx, segStart)
			if err != nil {
				yield(zero, err)
				return
			}
			if seg == nil {
				continue
			}

			records := seg.All()
			if q.descending {
				records = seg.Backward()
			}
			for _, e := range records {
				ts := e.EpochSeconds()
				if ts < start || ts > end {
					continue
				}
				if err := ctx.Err(); err != nil {
					yield(zero, err)
					return
				}
				if !yield(e, nil) {
					return
				}
				emitted++
				if q.limit > 0 && emitted >= q.limit {
					return
				}
			}
		}
	}
}

// segmentKeys lists the segment starts to visit for [start, end].
func (s *Store[E]) segmentKeys(start, end int64, descending bool) (iter.Seq[int64], bool) {
	hasOrigin := s.supplier.Load() != nil
	d := s.disk.Load()

	// Only resident segments can answer: walk the index instead of the
	// whole key range.
	if !hasOrigin && d == nil {
		return s.residentKeys(start, end, descending), true
	}

	if !hasOrigin {
		lo, hi, ok := s.extent()
		if !ok {
			return nil, false
		}
		start, end = max(start, lo), min(end, hi)
		if end < start {
			return nil, false
		}
	}

	start = max(start, 0)
	if end < start {
		return nil, false
	}
	first, _ := s.locate(start)
	last, _ := s.locate(end)
	step := s.segmentDuration

	// Walk by segment count so keys near MaxInt64 cannot wrap.
	count := (last-first)/step + 1
	return func(yield func(int64) bool) {
		for i := int64(0); i < count; i++ {
			k := first + i*step
			if descending {
				k = last - i*step
			}
			if !yield(k) {
				return
			}
		}
	}, true
}

func (s *Store[E]) residentKeys(start, end int64, descending bool) iter.Seq[int64] {
	first, _ := s.locate(start)

	var keys []int64
	for _, e := range s.snapshot() {
		if e.start >= first && e.start <= end {
			keys = append(keys, e.start)
		}
	}

	return func(yield func(int64) bool) {
		if descending {
			for i := len(keys) - 1; i >= 0; i-- {
				if !yield(keys[i]) {
					return
				}
			}
			return
		}
		for _, k := range keys {
			if !yield(k) {
				return
			}
		}
	}
}

// extent is the time span known locally: resident records plus whatever
// the series file has ever stored.
func (s *Store[E]) extent() (int64, int64, bool) {
	lo, hi, ok := int64(0), int64(0), false

	if first, found := s.First(); found {
		lo, hi, ok = first.EpochSeconds(), first.EpochSeconds(), true
	}
	if last, found := s.Last(); found {
		hi = max(hi, last.EpochSeconds())
	}

	if d := s.disk.Load(); d != nil {
		if dlo, dhi, found := d.Range(); found {
			if !ok {
				lo, hi, ok = dlo, dhi, true
			} else {
				lo, hi = min(lo, dlo), max(hi, dhi)
			}
		}
	}
	return lo, hi, ok
}
