package metrics

import "sync/atomic"

// Series holds the counters of one time series store.
type Series struct {
	name string

	// Read path, by answering tier
	heapHits   atomic.Int64
	diskHits   atomic.Int64
	originHits atomic.Int64
	misses     atomic.Int64

	originErrors  atomic.Int64
	originDropped atomic.Int64

	// Write path
	stored      atomic.Int64
	evictions   atomic.Int64
	discarded   atomic.Int64
	flushes     atomic.Int64
	flushErrors atomic.Int64
	resident    atomic.Int64
}

// NewSeries returns counters that are not attached to any Metrics.
func NewSeries(name string) *Series {
	return &Series{name: name}
}

// Name returns the series name.
func (s *Series) Name() string { return s.name }

func (s *Series) IncHeapHits()                 { s.heapHits.Add(1) }
func (s *Series) IncDiskHits()                 { s.diskHits.Add(1) }
func (s *Series) IncOriginHits()               { s.originHits.Add(1) }
func (s *Series) IncMisses()                   { s.misses.Add(1) }
func (s *Series) IncOriginErrors()             { s.originErrors.Add(1) }
func (s *Series) AddOriginDropped(count int64) { s.originDropped.Add(count) }
func (s *Series) IncStored()                   { s.stored.Add(1) }
func (s *Series) IncEvictions()                { s.evictions.Add(1) }
func (s *Series) IncDiscarded()                { s.discarded.Add(1) }
func (s *Series) IncFlushes()                  { s.flushes.Add(1) }
func (s *Series) IncFlushErrors()              { s.flushErrors.Add(1) }
func (s *Series) SetResident(count int64)      { s.resident.Store(count) }

// Snapshot returns a point-in-time copy of the counters
func (s *Series) Snapshot() map[string]int64 {
	return map[string]int64{
		"heap_hits":      s.heapHits.Load(),
		"disk_hits":      s.diskHits.Load(),
		"origin_hits":    s.originHits.Load(),
		"misses":         s.misses.Load(),
		"origin_errors":  s.originErrors.Load(),
		"origin_dropped": s.originDropped.Load(),
		"stored":         s.stored.Load(),
		"evictions":      s.evictions.Load(),
		"discarded":      s.discarded.Load(),
		"flushes":        s.flushes.Load(),
		"flush_errors":   s.flushErrors.Load(),
		"resident":       s.resident.Load(),
	}
}
