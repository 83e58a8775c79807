// Package archive copies series files to a backup backend as zstd
// compressed snapshots and restores them.
//
// Keys look like:
//
//	<prefix>series/<name>/20261018T120000Z-1a2b3c4d.tick.zst
//
// so a lexical sort of one series' keys is chronological.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/tickstore/internal/metrics"
)

const (
	keyTimeLayout = "20060102T150405Z"
	keySuffix     = ".tick.zst"
)

// ErrNoArchive is returned when a series has no archived snapshot.
var ErrNoArchive = errors.New("archive: no snapshot for series")

// Snapshotter produces a consistent copy of a series file.
type Snapshotter interface {
	Snapshot(w io.Writer) (int64, error)
}

// Unpacker writes a decompressed snapshot into dst and returns the bytes
// written.
type Unpacker func(r io.Reader, dst io.WriterAt) (int64, error)

// Config configures an Archiver.
type Config struct {
	// Prefix is prepended to every key, e.g. "prod/".
	Prefix string
	// Keep is the number of snapshots retained per series. Zero keeps all.
	Keep int
	// Level is the zstd encoder level. Zero selects SpeedDefault.
	Level zstd.EncoderLevel
	// Unpack writes a restored snapshot into the destination file. Nil
	// copies the stream verbatim.
	Unpack Unpacker
}

// Object describes one archived snapshot.
type Object struct {
	Key     string    `json:"key"`
	Series  string    `json:"series"`
	Created time.Time `json:"created"`
	// Bytes is the uncompressed size; only set on objects returned by Push.
	Bytes int64 `json:"bytes,omitempty"`
	// Compressed is the stored size; only set on objects returned by Push.
	Compressed int64 `json:"compressed,omitempty"`
}

// Archiver pushes and restores series snapshots.
type Archiver struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	pushes atomic.Int64
	failed atomic.Int64
	pruned atomic.Int64
}

// New creates an Archiver on backend.
func New(backend Backend, cfg Config, logger zerolog.Logger) *Archiver {
	if cfg.Level == 0 {
		cfg.Level = zstd.SpeedDefault
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.Unpack == nil {
		cfg.Unpack = copyAll
	}
	return &Archiver{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With().Str("component", "archive").Str("backend", backend.Type()).Logger(),
		now:     time.Now,
	}
}

func (a *Archiver) seriesPrefix(name string) string {
	return a.cfg.Prefix + "series/" + name + "/"
}

// Push compresses a snapshot of src and stores it under a new key for
// series name, then prunes old snapshots beyond Keep.
func (a *Archiver) Push(ctx context.Context, name string, src Snapshotter) (Object, error) {
	created := a.now().UTC().Truncate(time.Second)
	obj := Object{
		Key:     a.seriesPrefix(name) + created.Format(keyTimeLayout) + "-" + uuid.NewString()[:8] + keySuffix,
		Series:  name,
		Created: created,
	}

	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}
	go func() {
		enc, err := zstd.NewWriter(counter, zstd.WithEncoderLevel(a.cfg.Level))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		n, err := src.Snapshot(enc)
		obj.Bytes = n
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	err := a.backend.WriteReader(ctx, obj.Key, pr, -1)
	pr.CloseWithError(err)
	if err != nil {
		a.failed.Add(1)
		metrics.Get().IncArchiveErrors()
		return Object{}, fmt.Errorf("archive: push %s: %w", name, err)
	}
	obj.Compressed = counter.n

	a.pushes.Add(1)
	metrics.Get().IncArchivePushes()
	metrics.Get().IncArchiveBytes(obj.Compressed)

	a.logger.Info().
		Str("series", name).
		Str("key", obj.Key).
		Int64("bytes", obj.Bytes).
		Int64("compressed", obj.Compressed).
		Msg("Archived series snapshot")

	if a.cfg.Keep > 0 {
		if _, err := a.Prune(ctx, name, a.cfg.Keep); err != nil {
			a.logger.Warn().Err(err).Str("series", name).Msg("Failed to prune old snapshots")
		}
	}
	return obj, nil
}

// List returns the snapshots of series name, oldest first. Keys that do
// not follow the snapshot naming are ignored.
func (a *Archiver) List(ctx context.Context, name string) ([]Object, error) {
	keys, err := a.backend.List(ctx, a.seriesPrefix(name))
	if err != nil {
		return nil, fmt.Errorf("archive: list %s: %w", name, err)
	}

	objs := make([]Object, 0, len(keys))
	for _, key := range keys {
		created, ok := parseKeyTime(key)
		if !ok {
			continue
		}
		objs = append(objs, Object{Key: key, Series: name, Created: created})
	}
	slices.SortFunc(objs, func(x, y Object) int { return strings.Compare(x.Key, y.Key) })
	return objs, nil
}

// Latest returns the newest snapshot of series name.
func (a *Archiver) Latest(ctx context.Context, name string) (Object, error) {
	objs, err := a.List(ctx, name)
	if err != nil {
		return Object{}, err
	}
	if len(objs) == 0 {
		return Object{}, fmt.Errorf("%w: %s", ErrNoArchive, name)
	}
	return objs[len(objs)-1], nil
}

// Prune deletes all but the newest keep snapshots of series name and
// returns how many were removed.
func (a *Archiver) Prune(ctx context.Context, name string, keep int) (int, error) {
	objs, err := a.List(ctx, name)
	if err != nil {
		return 0, err
	}
	if len(objs) <= keep {
		return 0, nil
	}

	removed := 0
	for _, obj := range objs[:len(objs)-keep] {
		if err := a.backend.Delete(ctx, obj.Key); err != nil {
			return removed, fmt.Errorf("archive: prune %s: %w", obj.Key, err)
		}
		removed++
	}
	a.pruned.Add(int64(removed))
	a.logger.Debug().Str("series", name).Int("removed", removed).Msg("Pruned snapshots")
	return removed, nil
}

// Restore decompresses the snapshot at key into the file dst, replacing it
// atomically. dst must not be open by a store.
func (a *Archiver) Restore(ctx context.Context, key, dst string) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("archive: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+"-*.restore")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("archive: restore %s: %w", key, err)
	}

	pr, pw := io.Pipe()
	readErr := make(chan error, 1)
	go func() {
		err := a.backend.ReadTo(ctx, key, pw)
		pw.CloseWithError(err)
		readErr <- err
	}()

	var n int64
	dec, err := zstd.NewReader(pr)
	if err == nil {
		n, err = a.cfg.Unpack(dec, tmp)
		dec.Close()
	}
	pr.Close()
	if rerr := <-readErr; rerr != nil && !errors.Is(rerr, io.ErrClosedPipe) {
		return fail(rerr)
	}
	if err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archive: restore %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archive: restore %s: %w", key, err)
	}

	a.logger.Info().Str("key", key).Str("path", dst).Int64("bytes", n).Msg("Restored series snapshot")
	return nil
}

// Stats returns archiver statistics
func (a *Archiver) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend": a.backend.Type(),
		"prefix":  a.cfg.Prefix,
		"keep":    a.cfg.Keep,
		"pushes":  a.pushes.Load(),
		"failed":  a.failed.Load(),
		"pruned":  a.pruned.Load(),
	}
}

func parseKeyTime(key string) (time.Time, bool) {
	base := path.Base(key)
	if !strings.HasSuffix(base, keySuffix) || len(base) < len(keyTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(keyTimeLayout, base[:len(keyTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func copyAll(r io.Reader, dst io.WriterAt) (int64, error) {
	return io.Copy(io.NewOffsetWriter(dst, 0), r)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
