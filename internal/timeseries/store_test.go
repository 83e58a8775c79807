package timeseries

import (
	"errors"
	"math"
	"path/filepath"
	"slices"
	"testing"

	"github.com/basekick-labs/tickstore/internal/disk"
	"github.com/basekick-labs/tickstore/internal/metrics"
	"github.com/basekick-labs/tickstore/internal/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tick struct {
	Time  int64
	Price float64
	Size  float32
}

func (t tick) EpochSeconds() int64 { return t.Time }

func tk(ts int64) tick {
	return tick{Time: ts, Price: float64(ts) + 0.25, Size: float32(ts%7) + 1}
}

func ticks(from, to int64) []tick {
	var out []tick
	for ts := from; ts <= to; ts++ {
		out = append(out, tk(ts))
	}
	return out
}

type labelled struct {
	Time  int64
	Label string
}

func (l labelled) EpochSeconds() int64 { return l.Time }

func testConfig(t *testing.T, itemDuration int64, itemSize, segmentSize int) Config {
	return Config{
		Name:         t.Name(),
		ItemDuration: itemDuration,
		ItemSize:     itemSize,
		SegmentSize:  segmentSize,
		SyncMode:     disk.SyncModeAsync,
		Logger:       zerolog.Nop(),
		Metrics:      metrics.NewSeries(t.Name()),
	}
}

func newStore(t *testing.T, itemSize, segmentSize int) *Store[tick] {
	t.Helper()
	s, err := New[tick](testConfig(t, 1, itemSize, segmentSize))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func withDisk(t *testing.T, s *Store[tick]) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.tick")
	require.NoError(t, s.EnableDiskStore(path))
	t.Cleanup(func() { s.Close() })
	return path
}

func mustAt(t *testing.T, s *Store[tick], ts int64) (tick, bool) {
	t.Helper()
	e, ok, err := s.At(ts)
	require.NoError(t, err)
	return e, ok
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero item duration", Config{ItemSize: 4, SegmentSize: 2}},
		{"zero item size", Config{ItemDuration: 1, SegmentSize: 2}},
		{"zero segment size", Config{ItemDuration: 1, ItemSize: 4}},
		{"negative budget", Config{ItemDuration: 1, ItemSize: 4, SegmentSize: 1, SearchBudget: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New[tick](tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewRejectsUnsupportedRecord(t *testing.T) {
	_, err := New[labelled](testConfig(t, 1, 4, 2))
	if !errors.Is(err, schema.ErrUnsupportedField) {
		t.Fatalf("expected ErrUnsupportedField, got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	s, err := New[tick](Config{ItemDuration: 1, ItemSize: 16, SegmentSize: 2})
	require.NoError(t, err)

	assert.Equal(t, "tick", s.Name())
	assert.Equal(t, 16, s.searchBudget)
	assert.Equal(t, int64(16), s.SegmentDuration())
	assert.Same(t, metrics.Get().Series("tick"), s.metrics)
}

func TestSegmentAddressing(t *testing.T) {
	s, err := New[tick](testConfig(t, 3, 7, 2))
	require.NoError(t, err)

	for ts := int64(0); ts < 500; ts++ {
		start, idx := s.locate(ts)
		if start > ts || ts >= start+s.segmentDuration {
			t.Fatalf("ts %d outside segment [%d, %d)", ts, start, start+s.segmentDuration)
		}
		if idx < 0 || idx >= 7 {
			t.Fatalf("ts %d mapped to slot %d", ts, idx)
		}
		if start%s.segmentDuration != 0 {
			t.Fatalf("segment start %d not aligned", start)
		}
	}
}

func TestStoreAndAt(t *testing.T) {
	s, err := New[tick](testConfig(t, 60, 24, 2))
	require.NoError(t, err)

	require.NoError(t, s.StoreAll(tk(0), tk(60), tk(120)))

	tests := []struct {
		ts   int64
		want int64
		ok   bool
	}{
		{0, 0, true},
		{30, 0, true},
		{60, 60, true},
		{119, 60, true},
		{120, 120, true},
		{180, 0, false},
		{-1, 0, false},
	}
	for _, tt := range tests {
		got, ok := mustAt(t, s, tt.ts)
		if ok != tt.ok {
			t.Fatalf("At(%d) ok = %v, want %v", tt.ts, ok, tt.ok)
		}
		if ok && got.Time != tt.want {
			t.Fatalf("At(%d) = %d, want %d", tt.ts, got.Time, tt.want)
		}
	}
}

func TestStoreOverwritesSlot(t *testing.T) {
	s := newStore(t, 4, 2)

	require.NoError(t, s.Store(tick{Time: 1, Price: 1}))
	require.NoError(t, s.Store(tick{Time: 1, Price: 2}))

	got, ok := mustAt(t, s, 1)
	require.True(t, ok)
	assert.Equal(t, 2.0, got.Price)
	assert.Equal(t, 1, s.Size())
}

func TestStoreNegativeTime(t *testing.T) {
	s := newStore(t, 4, 2)
	assert.ErrorIs(t, s.Store(tk(-5)), ErrNegativeTime)
	assert.True(t, s.IsEmpty())
}

func TestStoreSeq(t *testing.T) {
	s := newStore(t, 4, 2)

	require.NoError(t, s.StoreSeq(slices.Values(ticks(0, 9))))

	assert.Equal(t, 10, s.Size())
	assert.Equal(t, 3, s.Resident())
}

func TestEvictionWithoutDiskDiscards(t *testing.T) {
	s := newStore(t, 4, 2)
	s.EnableMemorySaving()

	require.NoError(t, s.StoreAll(ticks(0, 7)...))

	_, ok := mustAt(t, s, 0)
	assert.False(t, ok, "segment A should have been discarded")

	got, ok := mustAt(t, s, 4)
	require.True(t, ok)
	assert.Equal(t, tk(4), got)

	assert.Equal(t, 1, s.Resident())
	assert.Equal(t, int64(1), s.metrics.Snapshot()["discarded"])
}

func TestStoreBeyondFileRange(t *testing.T) {
	s := newStore(t, 4, 2)
	withDisk(t, s)

	err := s.Store(tk(math.MaxInt64 - 3))
	assert.ErrorIs(t, err, disk.ErrOutOfRange)

	_, ok := mustAt(t, s, math.MaxInt64-3)
	assert.False(t, ok)
}

func TestEvictionWithDiskReadsThrough(t *testing.T) {
	s := newStore(t, 4, 2)
	s.EnableMemorySaving()
	withDisk(t, s)

	require.NoError(t, s.StoreAll(ticks(0, 7)...))
	assert.Equal(t, 1, s.Resident())

	got, ok := mustAt(t, s, 0)
	require.True(t, ok)
	assert.Equal(t, tk(0), got)

	// Every evicted record comes back unchanged.
	for _, want := range ticks(0, 7) {
		got, ok := mustAt(t, s, want.Time)
		require.True(t, ok, "ts %d", want.Time)
		assert.Equal(t, want, got)
	}

	snap := s.metrics.Snapshot()
	assert.Positive(t, snap["disk_hits"])
	assert.Zero(t, snap["discarded"])
}

func TestMemorySavingToggle(t *testing.T) {
	s := newStore(t, 4, 2)

	require.NoError(t, s.StoreAll(ticks(0, 15)...))
	assert.Equal(t, 4, s.Resident())

	s.EnableMemorySaving()
	require.NoError(t, s.Store(tk(16)))
	assert.Equal(t, 1, s.Resident())

	s.DisableMemorySaving()
	require.NoError(t, s.StoreAll(ticks(20, 27)...))
	assert.Equal(t, 3, s.Resident())
}

func TestStoreReadsThroughBeforeWriting(t *testing.T) {
	s := newStore(t, 4, 2)
	withDisk(t, s)

	require.NoError(t, s.Store(tk(0)))
	require.NoError(t, s.Commit())
	s.Clear()

	// Writing into the same segment must keep the record already on disk.
	require.NoError(t, s.Store(tk(2)))
	require.NoError(t, s.Commit())
	s.Clear()

	_, ok := mustAt(t, s, 0)
	assert.True(t, ok)
	_, ok = mustAt(t, s, 2)
	assert.True(t, ok)
}

func TestCommitIsIdempotent(t *testing.T) {
	s := newStore(t, 4, 2)
	withDisk(t, s)

	require.NoError(t, s.StoreAll(ticks(0, 9)...))
	require.NoError(t, s.Commit())

	writes := s.Disk().Stats()["total_writes"]
	assert.Equal(t, int64(3), writes)

	require.NoError(t, s.Commit())
	assert.Equal(t, writes, s.Disk().Stats()["total_writes"])

	// Mutating a segment makes it dirty again.
	require.NoError(t, s.Store(tk(5)))
	require.NoError(t, s.Commit())
	assert.Equal(t, int64(4), s.Disk().Stats()["total_writes"])
}

func TestCommitWithoutDisk(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.Store(tk(1)))
	assert.NoError(t, s.Commit())
}

func TestClear(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(ticks(0, 5)...))
	require.False(t, s.IsEmpty())

	s.Clear()

	assert.True(t, s.IsEmpty())
	assert.Zero(t, s.Resident())
	assert.Zero(t, s.Size())
	_, ok := mustAt(t, s, 0)
	assert.False(t, ok)
}

func TestDisableDiskStoreCommits(t *testing.T) {
	s := newStore(t, 4, 2)
	path := withDisk(t, s)

	require.NoError(t, s.StoreAll(ticks(0, 5)...))
	require.NoError(t, s.DisableDiskStore())
	assert.Nil(t, s.Disk())

	reader := newStore(t, 4, 2)
	require.NoError(t, reader.EnableDiskStore(path))
	defer reader.Close()

	for _, want := range ticks(0, 5) {
		got, ok := mustAt(t, reader, want.Time)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestEnableDiskStoreSwitchesFiles(t *testing.T) {
	s := newStore(t, 4, 2)
	dir := t.TempDir()

	require.NoError(t, s.EnableDiskStore(filepath.Join(dir, "a.tick")))
	require.NoError(t, s.Store(tk(1)))
	require.NoError(t, s.EnableDiskStore(filepath.Join(dir, "b.tick")))
	defer s.Close()

	// The first file received the dirty segment when it was replaced.
	a := newStore(t, 4, 2)
	require.NoError(t, a.EnableDiskStore(filepath.Join(dir, "a.tick")))
	defer a.Close()
	_, ok := mustAt(t, a, 1)
	assert.True(t, ok)
}

func TestAccumulator(t *testing.T) {
	s := newStore(t, 4, 2)
	s.EnableAccumulator(func(prev, next tick) tick {
		next.Size += prev.Size
		return next
	})

	require.NoError(t, s.StoreAll(
		tick{Time: 1, Price: 10, Size: 1},
		tick{Time: 1, Price: 11, Size: 2},
		tick{Time: 1, Price: 12, Size: 3},
	))

	got, ok := mustAt(t, s, 1)
	require.True(t, ok)
	assert.Equal(t, 12.0, got.Price)
	assert.Equal(t, float32(6), got.Size)

	s.DisableAccumulator()
	require.NoError(t, s.Store(tick{Time: 1, Price: 13, Size: 1}))
	got, _ = mustAt(t, s, 1)
	assert.Equal(t, float32(1), got.Size)
}

func TestFirstLastAreResidentOnly(t *testing.T) {
	s := newStore(t, 4, 3)

	_, ok := s.First()
	assert.False(t, ok)

	require.NoError(t, s.StoreAll(tk(2), tk(5), tk(9)))

	first, ok := s.First()
	require.True(t, ok)
	assert.Equal(t, int64(2), first.Time)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, int64(9), last.Time)

	s.EnableMemorySaving()
	require.NoError(t, s.Store(tk(13)))

	first, ok = s.First()
	require.True(t, ok)
	assert.Equal(t, int64(9), first.Time)
}

func TestStats(t *testing.T) {
	s := newStore(t, 4, 2)
	withDisk(t, s)
	require.NoError(t, s.StoreAll(ticks(0, 2)...))

	stats := s.Stats()
	assert.Equal(t, 3, stats["records"])
	assert.Equal(t, 1, stats["resident"])
	assert.Equal(t, 20, stats["record_width"])
	assert.Contains(t, stats, "disk")
}

func TestParseSpan(t *testing.T) {
	span, err := ParseSpan("5M")
	require.NoError(t, err)
	assert.Equal(t, Minute5, span)
	assert.Equal(t, 288, span.ItemSize())

	cfg := Second1.Config("btc")
	assert.Equal(t, int64(1), cfg.ItemDuration)
	assert.Equal(t, 3600, cfg.ItemSize)
	assert.Equal(t, int64(3600), cfg.SegmentDuration())
	assert.NoError(t, cfg.Validate())

	_, err = ParseSpan("7m")
	assert.ErrorIs(t, err, ErrUnknownSpan)

	for _, s := range Spans {
		if s.SegmentSeconds%s.Seconds != 0 {
			t.Fatalf("span %s: segment is not a whole number of items", s.Name)
		}
	}
}

func TestLRU(t *testing.T) {
	c := newLRU()

	_, ok := c.oldest()
	assert.False(t, ok)

	c.touch(1)
	c.touch(2)
	c.touch(3)
	c.touch(1)

	oldest, ok := c.oldest()
	require.True(t, ok)
	assert.Equal(t, int64(2), oldest)

	c.remove(2)
	oldest, _ = c.oldest()
	assert.Equal(t, int64(3), oldest)
	assert.Equal(t, 2, c.len())

	c.reset()
	assert.Zero(t, c.len())
}
