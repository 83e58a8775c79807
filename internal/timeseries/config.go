package timeseries

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/basekick-labs/tickstore/internal/disk"
	"github.com/basekick-labs/tickstore/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrNegativeTime is returned when storing a record before the epoch.
	ErrNegativeTime = errors.New("timeseries: negative timestamp")
	// ErrInvalidConfig is returned by New for unusable dimensions.
	ErrInvalidConfig = errors.New("timeseries: invalid config")
	// ErrUnknownSpan is returned by ParseSpan.
	ErrUnknownSpan = errors.New("timeseries: unknown span")
)

// Record is a fixed-shape value with a timestamp in seconds since the epoch.
type Record interface {
	EpochSeconds() int64
}

// Supplier fetches the records of the segment starting at segmentStart from
// an external origin. A nil sequence means the origin does not know the
// segment yet; an empty one means the segment is legitimately empty.
// Suppliers must be idempotent: concurrent misses may ask twice.
type Supplier[E any] func(ctx context.Context, segmentStart int64) (iter.Seq[E], error)

// Config describes the dimensions of a series.
type Config struct {
	Name string

	// ItemDuration is the width of one slot in seconds.
	ItemDuration int64
	// ItemSize is the number of slots per segment.
	ItemSize int
	// SegmentSize bounds resident segments when memory saving is enabled:
	// reaching it evicts the least recently used one.
	SegmentSize int
	// SearchBudget bounds the backward walk of Before. Defaults to ItemSize.
	SearchBudget int
	// MemorySaving enables LRU eviction from the start.
	MemorySaving bool

	SyncMode disk.SyncMode
	Logger   zerolog.Logger
	// Metrics defaults to the process-wide counters for Name.
	Metrics *metrics.Series
}

// SegmentDuration returns the time covered by one segment in seconds.
func (c Config) SegmentDuration() int64 {
	return c.ItemDuration * int64(c.ItemSize)
}

// Validate checks the dimensions.
func (c Config) Validate() error {
	switch {
	case c.ItemDuration <= 0:
		return fmt.Errorf("%w: item duration must be positive, got %d", ErrInvalidConfig, c.ItemDuration)
	case c.ItemSize <= 0:
		return fmt.Errorf("%w: item size must be positive, got %d", ErrInvalidConfig, c.ItemSize)
	case c.SegmentSize < 1:
		return fmt.Errorf("%w: segment size must be at least 1, got %d", ErrInvalidConfig, c.SegmentSize)
	case c.SearchBudget < 0:
		return fmt.Errorf("%w: search budget must not be negative, got %d", ErrInvalidConfig, c.SearchBudget)
	}
	return nil
}

// Span is a predefined series resolution.
type Span struct {
	Name string
	// Seconds is the item duration.
	Seconds int64
	// SegmentSeconds is the time covered by one segment.
	SegmentSeconds int64
	// SegmentSize is the resident segment budget under memory saving.
	SegmentSize int
}

const (
	minute = 60
	hour   = 60 * minute
	day    = 24 * hour
)

var (
	Second1  = Span{Name: "1s", Seconds: 1, SegmentSeconds: hour, SegmentSize: 24}
	Minute1  = Span{Name: "1m", Seconds: minute, SegmentSeconds: day, SegmentSize: 30}
	Minute5  = Span{Name: "5m", Seconds: 5 * minute, SegmentSeconds: day, SegmentSize: 30}
	Minute15 = Span{Name: "15m", Seconds: 15 * minute, SegmentSeconds: 4 * day, SegmentSize: 30}
	Hour1    = Span{Name: "1h", Seconds: hour, SegmentSeconds: 30 * day, SegmentSize: 12}
	Hour4    = Span{Name: "4h", Seconds: 4 * hour, SegmentSeconds: 120 * day, SegmentSize: 12}
	Day1     = Span{Name: "1d", Seconds: day, SegmentSeconds: 360 * day, SegmentSize: 10}
)

// Spans lists the predefined spans from finest to coarsest.
var Spans = []Span{Second1, Minute1, Minute5, Minute15, Hour1, Hour4, Day1}

// ParseSpan finds a predefined span by name, e.g. "5m".
func ParseSpan(name string) (Span, error) {
	for _, s := range Spans {
		if strings.EqualFold(s.Name, name) {
			return s, nil
		}
	}
	return Span{}, fmt.Errorf("%w: %q", ErrUnknownSpan, name)
}

// ItemSize is the number of items per segment.
func (s Span) ItemSize() int {
	return int(s.SegmentSeconds / s.Seconds)
}

// Config returns a series configuration for this span.
func (s Span) Config(name string) Config {
	return Config{
		Name:         name,
		ItemDuration: s.Seconds,
		ItemSize:     s.ItemSize(),
		SegmentSize:  s.SegmentSize,
	}
}
