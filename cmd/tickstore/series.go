package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/tickstore/internal/api"
	"github.com/basekick-labs/tickstore/internal/archive"
	"github.com/basekick-labs/tickstore/internal/config"
	"github.com/basekick-labs/tickstore/internal/disk"
	"github.com/basekick-labs/tickstore/internal/logger"
	"github.com/basekick-labs/tickstore/internal/metrics"
	"github.com/basekick-labs/tickstore/internal/timeseries"
	"github.com/basekick-labs/tickstore/pkg/models"
)

// managed is the store surface the daemon needs regardless of record type.
type managed interface {
	Name() string
	Commit() error
	Close() error
	Snapshotter() archive.Snapshotter
	API() api.Series
}

type store[E timeseries.Record] struct {
	*timeseries.Store[E]
}

func (s store[E]) Snapshotter() archive.Snapshotter {
	if d := s.Disk(); d != nil {
		return d
	}
	return nil
}

func (s store[E]) API() api.Series { return api.Adapt(s.Store) }

type candleSeries struct {
	span  timeseries.Span
	store *timeseries.Store[models.Candle]
}

// seriesSet is the raw tick series plus one candle series per span, all
// backed by files under the data directory.
type seriesSet struct {
	ticks   *timeseries.Store[models.Tick]
	candles []candleSeries
	all     []managed
	logger  zerolog.Logger
}

func seriesPath(dataDir, name string) string {
	return filepath.Join(dataDir, name+".tick")
}

func openStore[E timeseries.Record](cfg config.StoreConfig, span timeseries.Span, name string, merge func(prev, next E) E) (*timeseries.Store[E], error) {
	syncMode, err := disk.ParseSyncMode(cfg.SyncMode)
	if err != nil {
		return nil, err
	}

	tc := span.Config(name)
	tc.MemorySaving = cfg.MemorySaving
	tc.SearchBudget = cfg.SearchBudget
	tc.SyncMode = syncMode
	tc.Logger = logger.Get("timeseries")
	tc.Metrics = metrics.Get().Series(name)

	s, err := timeseries.New[E](tc)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", name, err)
	}
	if err := s.EnableDiskStore(seriesPath(cfg.DataDir, name)); err != nil {
		return nil, fmt.Errorf("series %s: %w", name, err)
	}
	if merge != nil {
		s.EnableAccumulator(merge)
	}
	return s, nil
}

func openSeries(cfg config.StoreConfig) (*seriesSet, error) {
	set := &seriesSet{logger: logger.Get("series")}

	tickSpan, err := timeseries.ParseSpan(cfg.TickSpan)
	if err != nil {
		return nil, err
	}
	ticks, err := openStore(cfg, tickSpan, cfg.Series, models.MergeTicks)
	if err != nil {
		return nil, err
	}
	set.ticks = ticks
	set.all = append(set.all, store[models.Tick]{ticks})

	for _, name := range cfg.Spans {
		span, err := timeseries.ParseSpan(name)
		if err != nil {
			set.Close()
			return nil, err
		}
		cs, err := openStore(cfg, span, cfg.Series+"_"+span.Name, models.MergeCandle)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.candles = append(set.candles, candleSeries{span: span, store: cs})
		set.all = append(set.all, store[models.Candle]{cs})
	}
	return set, nil
}

// fanout wraps a tick source so every tick also updates the candle series.
// Ticks go to the tick series through emit; candles are stored directly.
func (set *seriesSet) fanout(src timeseries.PassiveSource[models.Tick]) timeseries.PassiveSource[models.Tick] {
	return timeseries.SourceFunc[models.Tick](func(ctx context.Context, emit func(models.Tick)) error {
		return src.Run(ctx, func(t models.Tick) {
			emit(t)
			for _, c := range set.candles {
				if err := c.store.Store(models.CandleFromTick(t, c.span.Seconds)); err != nil {
					set.logger.Error().Err(err).Str("series", c.store.Name()).Int64("time", t.Time).Msg("Failed to update candle")
				}
			}
		})
	})
}

// CommitAll flushes every series; failures do not stop later series.
func (set *seriesSet) CommitAll(ctx context.Context) error {
	var errs []error
	for _, s := range set.all {
		if err := s.Commit(); err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ArchiveAll commits and pushes a snapshot of every disk-backed series.
func (set *seriesSet) ArchiveAll(ctx context.Context, a *archive.Archiver) error {
	var errs []error
	for _, s := range set.all {
		if err := s.Commit(); err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", s.Name(), err))
			continue
		}
		snap := s.Snapshotter()
		if snap == nil {
			continue
		}
		if _, err := a.Push(ctx, s.Name(), snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (set *seriesSet) APIs() []api.Series {
	out := make([]api.Series, len(set.all))
	for i, s := range set.all {
		out[i] = s.API()
	}
	return out
}

// Close closes every series file.
func (set *seriesSet) Close() error {
	var errs []error
	for _, s := range set.all {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
