package timeseries

import (
	"context"
	"iter"

	"github.com/basekick-labs/tickstore/internal/segment"
)

// resolve finds the segment starting at start: resident first, then the
// series file, then the origin. It returns nil when no tier knows it.
func (s *Store[E]) resolve(ctx context.Context, start int64) (*segment.Segment[E], error) {
	if seg, ok := s.lookup(start); ok {
		s.lru.touch(start)
		s.metrics.IncHeapHits()
		return seg, nil
	}

	if d := s.disk.Load(); d != nil {
		seg, err := d.Read(start, s.itemSize)
		if err != nil {
			return nil, err
		}
		if seg.Len() > 0 {
			s.metrics.IncDiskHits()
			s.logger.Debug().Int64("segment", start).Int("records", seg.Len()).Msg("Segment read through from disk")
			return s.adopt(start, seg), nil
		}
	}

	if fn := s.supplier.Load(); fn != nil {
		seq, err := (*fn)(ctx, start)
		switch {
		case err != nil:
			s.metrics.IncOriginErrors()
			s.logger.Warn().Err(err).Int64("segment", start).Msg("Origin supplier failed")
		case seq != nil:
			seg := s.materialize(start, seq)
			s.metrics.IncOriginHits()
			return s.adopt(start, seg), nil
		}
	}

	s.metrics.IncMisses()
	return nil, nil
}

// materialize builds a segment from origin records, dropping any that fall
// outside [start, start+SegmentDuration). The result is dirty so that it
// reaches the disk tier on eviction or commit.
func (s *Store[E]) materialize(start int64, seq iter.Seq[E]) *segment.Segment[E] {
	seg := segment.New[E](s.itemSize)

	var dropped int64
	for e := range seq {
		ts := e.EpochSeconds()
		if ts < start || ts-start >= s.segmentDuration {
			dropped++
			continue
		}
		seg.Set(int((ts-start)/s.itemDuration), e)
	}

	if dropped > 0 {
		s.metrics.AddOriginDropped(dropped)
		s.logger.Debug().Int64("segment", start).Int64("dropped", dropped).Msg("Dropped out-of-range origin records")
	}
	return seg
}

// adopt registers a segment loaded by a read and applies the memory bound.
func (s *Store[E]) adopt(start int64, seg *segment.Segment[E]) *segment.Segment[E] {
	seg = s.register(start, seg)
	if err := s.evictIfNeeded(); err != nil {
		s.logger.Error().Err(err).Msg("Eviction after read-through failed")
	}
	return seg
}

// At returns the record stored in the slot containing ts.
func (s *Store[E]) At(ts int64) (E, bool, error) {
	var zero E
	if ts < 0 {
		return zero, false, nil
	}

	start, idx := s.locate(ts)
	seg, err := s.resolve(context.Background(), start)
	if err != nil || seg == nil {
		return zero, false, err
	}
	e, ok := seg.Get(idx)
	return e, ok, nil
}

// First returns the oldest resident record. Evicted segments are not
// considered.
func (s *Store[E]) First() (E, bool) {
	for _, e := range s.snapshot() {
		if rec, ok := e.seg.First(); ok {
			return rec, true
		}
	}
	var zero E
	return zero, false
}

// Last returns the newest resident record. Evicted segments are not
// considered.
func (s *Store[E]) Last() (E, bool) {
	entries := s.snapshot()
	for i := len(entries) - 1; i >= 0; i-- {
		if rec, ok := entries[i].seg.Last(); ok {
			return rec, true
		}
	}
	var zero E
	return zero, false
}

// EachLatest yields resident records from newest to oldest. It stops when
// ctx is done.
func (s *Store[E]) EachLatest(ctx context.Context) iter.Seq[E] {
	return func(yield func(E) bool) {
		entries := s.snapshot()
		for i := len(entries) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				return
			}
			for _, e := range entries[i].seg.Backward() {
				if ctx.Err() != nil || !yield(e) {
					return
				}
			}
		}
	}
}

// Before returns the nearest record in a slot strictly before the slot of ts.
func (s *Store[E]) Before(ts int64) (E, bool, error) {
	return s.BeforeMatch(ts, nil)
}

// BeforeMatch walks backward one slot at a time from the slot before ts and
// returns the first record accepted by match (any record if match is nil).
// The walk is bounded by the search budget and ends early at a segment no
// tier knows about.
func (s *Store[E]) BeforeMatch(ts int64, match func(E) bool) (E, bool, error) {
	var zero E
	if ts < 0 {
		return zero, false, nil
	}

	ctx := context.Background()
	slot := ts - ts%s.itemDuration

	var (
		current *segment.Segment[E]
		loaded  = int64(-1)
	)
	for step := 1; step <= s.searchBudget; step++ {
		t := slot - int64(step)*s.itemDuration
		if t < 0 {
			break
		}

		start, idx := s.locate(t)
		if start != loaded {
			seg, err := s.resolve(ctx, start)
			if err != nil {
				return zero, false, err
			}
			if seg == nil {
				break
			}
			current, loaded = seg, start
		}

		if e, ok := current.Get(idx); ok && (match == nil || match(e)) {
			return e, true, nil
		}
	}
	return zero, false, nil
}

// BeforeUntil returns up to limit records strictly before the slot of ts,
// newest first.
func (s *Store[E]) BeforeUntil(ts int64, limit int) ([]E, error) {
	if ts < 0 {
		return nil, nil
	}
	slot := ts - ts%s.itemDuration
	return s.collectBackward(slot-s.itemDuration, limit)
}

// BeforeUntilWith is BeforeUntil including the slot of ts itself.
func (s *Store[E]) BeforeUntilWith(ts int64, limit int) ([]E, error) {
	return s.collectBackward(ts, limit)
}

func (s *Store[E]) collectBackward(from int64, limit int) ([]E, error) {
	if from < 0 || limit <= 0 {
		return nil, nil
	}

	ctx := context.Background()
	out := make([]E, 0, min(limit, s.itemSize))

	start, idx := s.locate(from)
	for start >= 0 {
		seg, err := s.resolve(ctx, start)
		if err != nil {
			return out, err
		}
		if seg == nil {
			break
		}
		for i, e := range seg.Backward() {
			if i > idx {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				return out, nil
			}
		}
		start -= s.segmentDuration
		idx = s.itemSize - 1
	}
	return out, nil
}
