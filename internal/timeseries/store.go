// Package timeseries implements a generic segmented time series store with
// three storage tiers: resident segments, an optional series file, and an
// optional origin supplier.
//
// Records are grouped into segments of ItemSize slots, each slot covering
// ItemDuration seconds. A record at time t lives in the segment starting at
// t - t%SegmentDuration, at slot (t - start) / ItemDuration.
//
// A Store supports one writer and any number of concurrent readers. Store,
// StoreAll and StoreSeq must be serialized by the caller; the passive
// subscription counts as the writer while it runs.
package timeseries

import (
	"errors"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/basekick-labs/tickstore/internal/disk"
	"github.com/basekick-labs/tickstore/internal/metrics"
	"github.com/basekick-labs/tickstore/internal/schema"
	"github.com/basekick-labs/tickstore/internal/segment"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

type entry[E any] struct {
	start int64
	seg   *segment.Segment[E]
}

// Store is a time series of records of type E.
type Store[E Record] struct {
	name            string
	schema          *schema.Schema[E]
	itemDuration    int64
	itemSize        int
	segmentDuration int64
	segmentSize     int
	searchBudget    int
	syncMode        disk.SyncMode
	logger          zerolog.Logger
	metrics         *metrics.Series

	mu    sync.RWMutex // guards index
	index *btree.BTreeG[entry[E]]
	lru   *lru

	disk        atomic.Pointer[disk.Store[E]]
	supplier    atomic.Pointer[Supplier[E]]
	accumulator atomic.Pointer[func(prev, next E) E]
	shrink      atomic.Bool

	cfgMu sync.Mutex // serializes configuration changes
}

// New creates an empty store. It fails when E has no binary layout or the
// dimensions are invalid.
func New[E Record](cfg Config) (*Store[E], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sch, err := schema.Of[E]()
	if err != nil {
		return nil, fmt.Errorf("timeseries: %w", err)
	}

	if cfg.Name == "" {
		cfg.Name = strings.ToLower(reflect.TypeFor[E]().Name())
	}
	if cfg.SearchBudget == 0 {
		cfg.SearchBudget = cfg.ItemSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Get().Series(cfg.Name)
	}

	s := &Store[E]{
		name:            cfg.Name,
		schema:          sch,
		itemDuration:    cfg.ItemDuration,
		itemSize:        cfg.ItemSize,
		segmentDuration: cfg.SegmentDuration(),
		segmentSize:     cfg.SegmentSize,
		searchBudget:    cfg.SearchBudget,
		syncMode:        cfg.SyncMode,
		logger:          cfg.Logger.With().Str("component", "timeseries").Str("series", cfg.Name).Logger(),
		metrics:         cfg.Metrics,
		index: btree.NewG(32, func(a, b entry[E]) bool {
			return a.start < b.start
		}),
		lru: newLRU(),
	}
	s.shrink.Store(cfg.MemorySaving)

	return s, nil
}

// Name returns the series name.
func (s *Store[E]) Name() string {
	return s.name
}

// Schema returns the record layout used on disk.
func (s *Store[E]) Schema() *schema.Schema[E] {
	return s.schema
}

// SegmentDuration returns the seconds covered by one segment.
func (s *Store[E]) SegmentDuration() int64 {
	return s.segmentDuration
}

// ItemDuration returns the seconds covered by one slot.
func (s *Store[E]) ItemDuration() int64 {
	return s.itemDuration
}

// locate maps a non-negative timestamp to its segment start and slot.
func (s *Store[E]) locate(ts int64) (int64, int) {
	start := ts - ts%s.segmentDuration
	return start, int((ts - start) / s.itemDuration)
}

func (s *Store[E]) lookup(start int64) (*segment.Segment[E], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index.Get(entry[E]{start: start})
	return e.seg, ok
}

// register makes seg resident unless another segment won the race for the
// same key, in which case the resident one is returned.
func (s *Store[E]) register(start int64, seg *segment.Segment[E]) *segment.Segment[E] {
	s.mu.Lock()
	if e, ok := s.index.Get(entry[E]{start: start}); ok {
		s.mu.Unlock()
		s.lru.touch(start)
		return e.seg
	}
	s.index.ReplaceOrInsert(entry[E]{start: start, seg: seg})
	resident := s.index.Len()
	s.mu.Unlock()

	s.lru.touch(start)
	s.metrics.SetResident(int64(resident))
	return seg
}

func (s *Store[E]) unregister(start int64) {
	s.mu.Lock()
	s.index.Delete(entry[E]{start: start})
	resident := s.index.Len()
	s.mu.Unlock()

	s.lru.remove(start)
	s.metrics.SetResident(int64(resident))
}

// snapshot returns the resident entries in ascending order.
func (s *Store[E]) snapshot() []entry[E] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entry[E], 0, s.index.Len())
	s.index.Ascend(func(e entry[E]) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Store writes one record. If its segment is not resident, an existing copy
// on disk is loaded first so it is not overwritten by an empty segment.
func (s *Store[E]) Store(e E) error {
	ts := e.EpochSeconds()
	if ts < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeTime, ts)
	}
	start, idx := s.locate(ts)
	if d := s.disk.Load(); d != nil && !d.Addressable(start, s.itemSize) {
		return fmt.Errorf("timeseries: %s: %w: %d", s.name, disk.ErrOutOfRange, ts)
	}

	seg, err := s.writable(start)
	if err != nil {
		return err
	}

	var merge func(prev, next E) E
	if fn := s.accumulator.Load(); fn != nil {
		merge = *fn
	}
	seg.Update(idx, e, merge)
	s.metrics.IncStored()

	s.lru.touch(start)
	return s.evictIfNeeded()
}

// StoreAll writes records in order, stopping at the first error.
func (s *Store[E]) StoreAll(items ...E) error {
	for _, e := range items {
		if err := s.Store(e); err != nil {
			return err
		}
	}
	return nil
}

// StoreSeq writes every record of seq in order, stopping at the first error.
func (s *Store[E]) StoreSeq(seq iter.Seq[E]) error {
	for e := range seq {
		if err := s.Store(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store[E]) writable(start int64) (*segment.Segment[E], error) {
	if seg, ok := s.lookup(start); ok {
		return seg, nil
	}

	if d := s.disk.Load(); d != nil {
		seg, err := d.Read(start, s.itemSize)
		if err != nil {
			return nil, fmt.Errorf("timeseries: %s: %w", s.name, err)
		}
		if seg.Len() > 0 {
			s.logger.Debug().Int64("segment", start).Int("records", seg.Len()).Msg("Segment restored from disk for write")
			return s.register(start, seg), nil
		}
	}

	return s.register(start, segment.New[E](s.itemSize)), nil
}

// evictIfNeeded drops least recently used segments while memory saving is on
// and SegmentSize or more segments are resident. The most recently used
// segment is never evicted.
func (s *Store[E]) evictIfNeeded() error {
	if !s.shrink.Load() {
		return nil
	}
	for n := s.lru.len(); n > 1 && n >= s.segmentSize; n = s.lru.len() {
		start, ok := s.lru.oldest()
		if !ok {
			return nil
		}
		if err := s.evict(start); err != nil {
			return err
		}
	}
	return nil
}

// evict flushes a segment to disk when a disk store is set, then drops it.
// Without a writable disk store the segment is discarded. A failed flush
// keeps the segment resident.
func (s *Store[E]) evict(start int64) error {
	seg, ok := s.lookup(start)
	if !ok {
		s.lru.remove(start)
		return nil
	}

	d := s.disk.Load()
	if d != nil && (d.ReadOnly() || !d.Addressable(start, s.itemSize)) {
		if !seg.Synced() {
			s.logger.Warn().
				Int64("segment", start).
				Bool("read_only", d.ReadOnly()).
				Msg("Discarding segment the series file cannot hold")
		}
		d = nil
	}

	if d != nil {
		dirty := !seg.Synced()
		if err := d.Write(start, seg); err != nil {
			s.metrics.IncFlushErrors()
			return fmt.Errorf("timeseries: %s: evicting segment %d: %w", s.name, start, err)
		}
		if dirty {
			s.metrics.IncFlushes()
		}
		s.metrics.IncEvictions()
	} else {
		s.metrics.IncDiscarded()
	}

	s.unregister(start)
	s.logger.Debug().Int64("segment", start).Msg("Segment evicted")
	return nil
}

// Commit writes every dirty resident segment to disk and syncs the file.
// It is a no-op without a disk store or when the series file is read-only.
func (s *Store[E]) Commit() error {
	d := s.disk.Load()
	if d == nil {
		return nil
	}
	return s.commitTo(d)
}

func (s *Store[E]) commitTo(d *disk.Store[E]) error {
	if d.ReadOnly() {
		return nil
	}

	var errs []error
	flushed := 0
	for _, e := range s.snapshot() {
		if e.seg.Synced() {
			continue
		}
		if err := d.Write(e.start, e.seg); err != nil {
			s.metrics.IncFlushErrors()
			errs = append(errs, fmt.Errorf("segment %d: %w", e.start, err))
			continue
		}
		s.metrics.IncFlushes()
		flushed++
	}
	if flushed > 0 {
		if err := d.Sync(); err != nil {
			errs = append(errs, err)
		}
		s.logger.Debug().Int("segments", flushed).Msg("Committed")
	}
	if len(errs) > 0 {
		return fmt.Errorf("timeseries: %s: commit: %w", s.name, errors.Join(errs...))
	}
	return nil
}

// Clear drops every resident segment without flushing.
func (s *Store[E]) Clear() {
	s.mu.Lock()
	s.index.Clear(false)
	s.mu.Unlock()

	s.lru.reset()
	s.metrics.SetResident(0)
}

// Close commits and closes the disk store, if any.
func (s *Store[E]) Close() error {
	return s.DisableDiskStore()
}

// Size returns the number of resident records.
func (s *Store[E]) Size() int {
	n := 0
	for _, e := range s.snapshot() {
		n += e.seg.Len()
	}
	return n
}

// IsEmpty reports whether no record is resident.
func (s *Store[E]) IsEmpty() bool {
	for _, e := range s.snapshot() {
		if !e.seg.IsEmpty() {
			return false
		}
	}
	return true
}

// Resident returns the number of segments held in memory.
func (s *Store[E]) Resident() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// EnableDiskStore opens the series file at path as the disk tier. A
// previously enabled file is committed and closed first.
func (s *Store[E]) EnableDiskStore(path string) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	d, err := disk.Open(path, s.schema, s.itemDuration, disk.Options{
		SyncMode: s.syncMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("timeseries: %s: %w", s.name, err)
	}

	if old := s.disk.Swap(d); old != nil {
		if err := s.closeDisk(old); err != nil {
			s.logger.Error().Err(err).Str("path", old.Path()).Msg("Failed to close previous series file")
		}
	}

	s.logger.Info().Str("path", path).Bool("read_only", d.ReadOnly()).Msg("Disk store enabled")
	return nil
}

// DisableDiskStore commits dirty segments and closes the series file.
func (s *Store[E]) DisableDiskStore() error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	d := s.disk.Swap(nil)
	if d == nil {
		return nil
	}
	s.logger.Info().Str("path", d.Path()).Msg("Disk store disabled")
	return s.closeDisk(d)
}

func (s *Store[E]) closeDisk(d *disk.Store[E]) error {
	return errors.Join(s.commitTo(d), d.Close())
}

// Disk returns the current disk tier, or nil.
func (s *Store[E]) Disk() *disk.Store[E] {
	return s.disk.Load()
}

// EnableActiveSupplier sets the origin consulted on misses.
func (s *Store[E]) EnableActiveSupplier(fn Supplier[E]) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if fn == nil {
		s.supplier.Store(nil)
		return
	}
	s.supplier.Store(&fn)
}

// DisableActiveSupplier removes the origin.
func (s *Store[E]) DisableActiveSupplier() {
	s.EnableActiveSupplier(nil)
}

// EnableMemorySaving bounds resident segments to SegmentSize.
func (s *Store[E]) EnableMemorySaving() {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.shrink.Store(true)
}

// DisableMemorySaving lets resident segments grow without bound.
func (s *Store[E]) DisableMemorySaving() {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.shrink.Store(false)
}

// EnableAccumulator merges records stored into an occupied slot using fn.
func (s *Store[E]) EnableAccumulator(fn func(prev, next E) E) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if fn == nil {
		s.accumulator.Store(nil)
		return
	}
	s.accumulator.Store(&fn)
}

// DisableAccumulator restores overwrite semantics for occupied slots.
func (s *Store[E]) DisableAccumulator() {
	s.EnableAccumulator(nil)
}

// Stats returns store statistics
func (s *Store[E]) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"name":             s.name,
		"item_duration":    s.itemDuration,
		"item_size":        s.itemSize,
		"segment_duration": s.segmentDuration,
		"segment_size":     s.segmentSize,
		"memory_saving":    s.shrink.Load(),
		"resident":         s.Resident(),
		"records":          s.Size(),
		"record_width":     s.schema.Width(),
		"origin":           s.supplier.Load() != nil,
		"counters":         s.metrics.Snapshot(),
	}
	if d := s.disk.Load(); d != nil {
		stats["disk"] = d.Stats()
	}
	return stats
}
