package timeseries

import (
	"context"
	"errors"
	"iter"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, seq iter.Seq2[tick, error]) []int64 {
	t.Helper()
	var out []int64
	for e, err := range seq {
		require.NoError(t, err)
		out = append(out, e.Time)
	}
	return out
}

func times(from, to int64) []int64 {
	var out []int64
	if from <= to {
		for ts := from; ts <= to; ts++ {
			out = append(out, ts)
		}
		return out
	}
	for ts := from; ts >= to; ts-- {
		out = append(out, ts)
	}
	return out
}

func TestEach(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(ticks(0, 9)...))
	ctx := context.Background()

	assert.Equal(t, times(2, 7), collect(t, s.Each(ctx, 2, 7)))
	assert.Equal(t, times(3, 6), collect(t, s.EachInside(ctx, 2, 7)))
	assert.Equal(t, times(0, 9), collect(t, s.Each(ctx, -10, 100)))
	assert.Empty(t, collect(t, s.Each(ctx, 7, 2)))
}

func TestQueryDescendingLimit(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(ticks(0, 9)...))
	ctx := context.Background()

	assert.Equal(t, times(9, 7), collect(t, s.Query(ctx, 0, 9, Descending(), Limit(3))))
	assert.Equal(t, times(6, 1), collect(t, s.Query(ctx, 1, 6, Descending())))
	assert.Equal(t, times(0, 1), collect(t, s.Query(ctx, 0, 9, Limit(2))))
}

func TestQuerySkipsGapsWithoutTiers(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(tk(0), tk(1000)))

	assert.Equal(t, []int64{0, 1000}, collect(t, s.Each(context.Background(), 0, 5000)))
	assert.Zero(t, s.metrics.Snapshot()["misses"])
}

func TestQueryReadsEvictedSegmentsFromDisk(t *testing.T) {
	s := newStore(t, 4, 2)
	s.EnableMemorySaving()
	withDisk(t, s)

	require.NoError(t, s.StoreAll(ticks(0, 11)...))
	require.Equal(t, 1, s.Resident())

	assert.Equal(t, times(0, 11), collect(t, s.Each(context.Background(), 0, 100)))
	assert.Equal(t, times(11, 0), collect(t, s.Query(context.Background(), 0, 100, Descending())))
}

func TestEachLatest(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(ticks(0, 9)...))

	var got []int64
	for e := range s.EachLatest(context.Background()) {
		got = append(got, e.Time)
	}
	assert.Equal(t, times(9, 0), got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range s.EachLatest(ctx) {
		t.Fatal("cancelled EachLatest yielded a record")
	}
}

func TestActiveSupplier(t *testing.T) {
	s := newStore(t, 4, 2)

	calls := 0
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		calls++
		return slices.Values(ticks(start, start+3)), nil
	})

	got, ok := mustAt(t, s, 5)
	require.True(t, ok)
	assert.Equal(t, tk(5), got)

	_, ok = mustAt(t, s, 6)
	require.True(t, ok)
	assert.Equal(t, 1, calls, "resident segment must not be fetched again")

	snap := s.metrics.Snapshot()
	assert.Equal(t, int64(1), snap["origin_hits"])
	assert.Equal(t, int64(1), snap["heap_hits"])

	s.DisableActiveSupplier()
	_, ok = mustAt(t, s, 100)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestActiveSupplierIsCachedOnDisk(t *testing.T) {
	s := newStore(t, 4, 2)
	withDisk(t, s)
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		return slices.Values(ticks(start, start+3)), nil
	})

	_, ok := mustAt(t, s, 4)
	require.True(t, ok)
	require.NoError(t, s.Commit())

	lo, hi, ok := s.Disk().Range()
	require.True(t, ok)
	assert.Equal(t, int64(4), lo)
	assert.Equal(t, int64(7), hi)
}

func TestActiveSupplierDropsOutOfRangeRecords(t *testing.T) {
	s := newStore(t, 4, 2)
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		if start != 4 {
			return nil, nil
		}
		return slices.Values([]tick{tk(3), tk(4), tk(5), tk(8)}), nil
	})

	assert.Equal(t, []int64{4, 5}, collect(t, s.Each(context.Background(), 4, 7)))
	assert.Equal(t, int64(2), s.metrics.Snapshot()["origin_dropped"])

	// Segment 0 stays unknown, the stray record at 3 was not stored there.
	_, ok := mustAt(t, s, 3)
	assert.False(t, ok)
}

func TestActiveSupplierUnknownAndEmpty(t *testing.T) {
	s := newStore(t, 4, 2)

	calls := map[int64]int{}
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		calls[start]++
		if start == 0 {
			return nil, nil
		}
		return slices.Values([]tick{}), nil
	})

	for range 2 {
		_, ok := mustAt(t, s, 1)
		assert.False(t, ok)
		_, ok = mustAt(t, s, 5)
		assert.False(t, ok)
	}

	assert.Equal(t, 2, calls[0], "unknown segment is asked again")
	assert.Equal(t, 1, calls[4], "empty segment is remembered")
	assert.Equal(t, 1, s.Resident())
}

func TestActiveSupplierError(t *testing.T) {
	s := newStore(t, 4, 2)
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		return nil, errors.New("origin unavailable")
	})

	_, ok, err := s.At(2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.metrics.Snapshot()["origin_errors"])
	assert.Zero(t, s.Resident())
}

func TestQueryCancellation(t *testing.T) {
	s := newStore(t, 4, 2)

	calls := 0
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		calls++
		return slices.Values(ticks(start, start+3)), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		got    []int64
		gotErr error
	)
	for e, err := range s.Each(ctx, 0, 15) {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, e.Time)
		cancel()
	}

	assert.Equal(t, []int64{0}, got)
	assert.ErrorIs(t, gotErr, context.Canceled)
	assert.Equal(t, 1, calls, "later segments must not be fetched")
}

func TestQueryBreakStopsFetching(t *testing.T) {
	s := newStore(t, 4, 2)

	calls := 0
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		calls++
		return slices.Values(ticks(start, start+3)), nil
	})

	for e, err := range s.Each(context.Background(), 0, 1_000_000) {
		require.NoError(t, err)
		if e.Time == 5 {
			break
		}
	}
	assert.Equal(t, 2, calls)
}

func TestQueryNearMaxTime(t *testing.T) {
	s := newStore(t, 4, 2)

	lastStart := int64(math.MaxInt64 - math.MaxInt64%4)
	var keys []int64
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		keys = append(keys, start)
		if start == lastStart {
			return slices.Values([]tick{tk(math.MaxInt64)}), nil
		}
		return nil, nil
	})

	got := collect(t, s.Each(context.Background(), math.MaxInt64-10, math.MaxInt64))
	assert.Equal(t, []int64{math.MaxInt64}, got)
	assert.Equal(t, []int64{lastStart - 8, lastStart - 4, lastStart}, keys)

	keys = nil
	got = collect(t, s.Query(context.Background(), math.MaxInt64-10, math.MaxInt64, Descending()))
	assert.Equal(t, []int64{math.MaxInt64}, got)
	assert.Equal(t, []int64{lastStart - 4, lastStart - 8}, keys, "resident segments are not fetched again")
}

func TestQueryNegativeStartWithOrigin(t *testing.T) {
	s := newStore(t, 4, 2)

	var keys []int64
	s.EnableActiveSupplier(func(ctx context.Context, start int64) (iter.Seq[tick], error) {
		keys = append(keys, start)
		return slices.Values(ticks(start, start+3)), nil
	})

	got := collect(t, s.Each(context.Background(), -10, 2))
	assert.Equal(t, []int64{0, 1, 2}, got)
	assert.Equal(t, []int64{0}, keys)
}

func TestBefore(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(tk(0), tk(2), tk(5)))

	got, ok, err := s.Before(5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Time)

	got, ok, err = s.Before(6)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Time)

	// Segment 8 is unknown to every tier: the walk ends there.
	_, ok, err = s.Before(9)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Before(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBeforeSearchBudget(t *testing.T) {
	cfg := testConfig(t, 1, 4, 2)
	cfg.SearchBudget = 2
	s, err := New[tick](cfg)
	require.NoError(t, err)
	require.NoError(t, s.Store(tk(0)))

	_, ok, err := s.Before(3)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.Before(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), got.Time)
}

func TestBeforeMatchSparseSegment(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(tk(0), tk(3)))

	_, ok, err := s.BeforeMatch(4, func(e tick) bool { return e.Price > 100 })
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.BeforeMatch(4, func(e tick) bool { return e.Time < 2 })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), got.Time)
}

func TestBeforeUntil(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(ticks(0, 7)...))

	got, err := s.BeforeUntil(6, 3)
	require.NoError(t, err)
	assert.Equal(t, []tick{tk(5), tk(4), tk(3)}, got)

	got, err = s.BeforeUntilWith(6, 3)
	require.NoError(t, err)
	assert.Equal(t, []tick{tk(6), tk(5), tk(4)}, got)

	got, err = s.BeforeUntil(6, 100)
	require.NoError(t, err)
	assert.Len(t, got, 6)

	got, err = s.BeforeUntil(0, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBeforeUntilStopsAtUnknownSegment(t *testing.T) {
	s := newStore(t, 4, 2)
	require.NoError(t, s.StoreAll(ticks(8, 11)...))

	got, err := s.BeforeUntilWith(10, 10)
	require.NoError(t, err)
	assert.Equal(t, []tick{tk(10), tk(9), tk(8)}, got)
}
