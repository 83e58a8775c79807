// Package segment holds fixed-capacity, sparse runs of records and their
// binary encoding.
package segment

import (
	"iter"
	"sync"
)

// Segment is a fixed-capacity sparse array of records covering one segment
// of a series. Slots are addressed by item index.
type Segment[E any] struct {
	mu      sync.RWMutex
	items   []E
	present []bool
	min     int
	max     int
	count   int
	synced  bool
	gen     uint64
}

// New returns an empty segment with size slots. A fresh segment has nothing
// to flush, so it starts out synced.
func New[E any](size int) *Segment[E] {
	return &Segment[E]{
		items:   make([]E, size),
		present: make([]bool, size),
		min:     -1,
		max:     -1,
		synced:  true,
	}
}

// Size returns the slot capacity.
func (s *Segment[E]) Size() int {
	return len(s.items)
}

// Len returns the number of occupied slots.
func (s *Segment[E]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// IsEmpty reports whether no slot is occupied.
func (s *Segment[E]) IsEmpty() bool {
	return s.Len() == 0
}

// Get returns the record at slot i.
func (s *Segment[E]) Get(i int) (E, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.items) || !s.present[i] {
		var zero E
		return zero, false
	}
	return s.items[i], true
}

// Set stores e at slot i and marks the segment dirty. Out-of-range indexes
// are ignored and reported as false.
func (s *Segment[E]) Set(i int, e E) bool {
	return s.Update(i, e, nil)
}

// Update stores e at slot i. When the slot is occupied and merge is not nil,
// merge(prev, e) is stored instead.
func (s *Segment[E]) Update(i int, e E, merge func(prev, next E) E) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.items) {
		return false
	}

	if s.present[i] {
		if merge != nil {
			e = merge(s.items[i], e)
		}
	} else {
		s.present[i] = true
		s.count++
		if s.min < 0 || i < s.min {
			s.min = i
		}
		if i > s.max {
			s.max = i
		}
	}

	s.items[i] = e
	s.synced = false
	s.gen++
	return true
}

// Min returns the lowest occupied index, or -1.
func (s *Segment[E]) Min() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.min
}

// Max returns the highest occupied index, or -1.
func (s *Segment[E]) Max() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max
}

// First returns the record in the lowest occupied slot.
func (s *Segment[E]) First() (E, bool) {
	return s.Get(s.Min())
}

// Last returns the record in the highest occupied slot.
func (s *Segment[E]) Last() (E, bool) {
	return s.Get(s.Max())
}

// Synced reports whether the segment matches what was last written to disk.
func (s *Segment[E]) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// Generation counts modifications. Pair it with MarkSyncedAt so a flush
// racing a write leaves the segment dirty.
func (s *Segment[E]) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// MarkSyncedAt flags the segment as flushed if it has not been modified
// since generation gen.
func (s *Segment[E]) MarkSyncedAt(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.synced = true
	return true
}

// All yields occupied slots in ascending index order. The segment is not
// locked between yields, so records stored during iteration may be seen.
func (s *Segment[E]) All() iter.Seq2[int, E] {
	return func(yield func(int, E) bool) {
		lo, hi := s.bounds()
		if lo < 0 {
			return
		}
		for i := lo; i <= hi; i++ {
			if e, ok := s.Get(i); ok {
				if !yield(i, e) {
					return
				}
			}
		}
	}
}

// Backward yields occupied slots in descending index order.
func (s *Segment[E]) Backward() iter.Seq2[int, E] {
	return func(yield func(int, E) bool) {
		lo, hi := s.bounds()
		if lo < 0 {
			return
		}
		for i := hi; i >= lo; i-- {
			if e, ok := s.Get(i); ok {
				if !yield(i, e) {
					return
				}
			}
		}
	}
}

func (s *Segment[E]) bounds() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.min, s.max
}
