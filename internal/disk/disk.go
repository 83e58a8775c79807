// Package disk persists segments of one series in a single sparse file.
//
// File layout: a fixed HeaderSize-byte header followed by presence-prefixed
// slots. The slot for time t lives at HeaderSize + (t/itemDuration)*slotWidth,
// so every segment has a fixed offset and unwritten regions stay sparse.
package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/basekick-labs/tickstore/internal/schema"
	"github.com/basekick-labs/tickstore/internal/segment"
	"github.com/rs/zerolog"
)

// Series file format constants
var (
	Magic   = [4]byte{'T', 'I', 'C', 'K'}
	Version = uint16(0x0001)
)

const (
	// HeaderSize is the size of the file header in bytes:
	// Magic(4) Version(2) Flags(2) SlotWidth(4) ItemDuration(8)
	// Fingerprint(8) Start(8) End(8), zero padded.
	HeaderSize = 64
)

var (
	// ErrSchemaMismatch is returned when a file was written with a different record layout.
	ErrSchemaMismatch = errors.New("disk: schema fingerprint mismatch")
	// ErrLayoutMismatch is returned when a file's magic, version, slot width or item duration disagree.
	ErrLayoutMismatch = errors.New("disk: file layout mismatch")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("disk: store closed")
	// ErrNegativeTime is returned for segment starts before the epoch.
	ErrNegativeTime = errors.New("disk: negative segment start")
	// ErrOutOfRange is returned for segments whose file offset does not fit in an int64.
	ErrOutOfRange = errors.New("disk: segment beyond addressable range")
)

// SyncMode defines how writes are synced to disk
type SyncMode string

const (
	SyncModeFsync     SyncMode = "fsync"     // data + metadata
	SyncModeFdatasync SyncMode = "fdatasync" // data only (default)
	SyncModeAsync     SyncMode = "async"     // left to the OS
)

// ParseSyncMode validates a configured sync mode. Empty selects the default.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case "":
		return SyncModeFdatasync, nil
	case SyncModeFsync, SyncModeFdatasync, SyncModeAsync:
		return SyncMode(s), nil
	}
	return "", fmt.Errorf("disk: unknown sync mode %q", s)
}

// Options configures a Store.
type Options struct {
	SyncMode SyncMode
	Logger   zerolog.Logger
}

// header is the decoded file header.
type header struct {
	version      uint16
	flags        uint16
	slotWidth    uint32
	itemDuration int64
	fingerprint  uint64
	start        int64
	end          int64
}

func (h *header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], h.version)
	binary.BigEndian.PutUint16(buf[6:8], h.flags)
	binary.BigEndian.PutUint32(buf[8:12], h.slotWidth)
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.itemDuration))
	binary.BigEndian.PutUint64(buf[20:28], h.fingerprint)
	binary.BigEndian.PutUint64(buf[28:36], uint64(h.start))
	binary.BigEndian.PutUint64(buf[36:44], uint64(h.end))
	return buf
}

func unmarshalHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize || [4]byte(buf[0:4]) != Magic {
		return header{}, fmt.Errorf("%w: not a series file", ErrLayoutMismatch)
	}
	return header{
		version:      binary.BigEndian.Uint16(buf[4:6]),
		flags:        binary.BigEndian.Uint16(buf[6:8]),
		slotWidth:    binary.BigEndian.Uint32(buf[8:12]),
		itemDuration: int64(binary.BigEndian.Uint64(buf[12:20])),
		fingerprint:  binary.BigEndian.Uint64(buf[20:28]),
		start:        int64(binary.BigEndian.Uint64(buf[28:36])),
		end:          int64(binary.BigEndian.Uint64(buf[36:44])),
	}, nil
}

// Store is the on-disk tier of one series. Reads share the lock, writes
// hold it exclusively, so a reader never sees a half-written segment.
type Store[E any] struct {
	mu sync.RWMutex

	path      string
	file      *os.File
	lock      *os.File
	readOnly  bool
	closed    bool
	schema    *schema.Schema[E]
	slotWidth int64
	hdr       header
	dirty     bool // header range changed since last persisted
	syncMode  SyncMode
	logger    zerolog.Logger

	// Metrics (atomic for lock-free reads)
	totalWrites atomic.Int64
	totalBytes  atomic.Int64
	totalReads  atomic.Int64
	totalSyncs  atomic.Int64
}

// Open opens or creates the series file at path. When another process holds
// the file's lock the store is opened read-only and writes become no-ops.
func Open[E any](path string, s *schema.Schema[E], itemDuration int64, opts Options) (*Store[E], error) {
	if itemDuration <= 0 {
		return nil, fmt.Errorf("disk: item duration must be positive, got %d", itemDuration)
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncModeFdatasync
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create series directory: %w", err)
	}

	st := &Store[E]{
		path:      path,
		schema:    s,
		slotWidth: int64(segment.SlotWidth(s)),
		syncMode:  opts.SyncMode,
		logger:    opts.Logger.With().Str("component", "disk").Str("path", path).Logger(),
	}

	lock, err := lockFile(path + ".lock")
	switch {
	case errors.Is(err, errLocked):
		st.readOnly = true
		st.logger.Warn().Msg("Series file locked by another process, opening read-only")
	case err != nil:
		return nil, fmt.Errorf("failed to lock series file: %w", err)
	default:
		st.lock = lock
	}

	flag := os.O_RDWR | os.O_CREATE
	if st.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		st.releaseLock()
		return nil, fmt.Errorf("failed to open series file: %w", err)
	}
	st.file = f

	if err := st.loadHeader(itemDuration); err != nil {
		f.Close()
		st.releaseLock()
		return nil, err
	}

	st.logger.Debug().
		Bool("read_only", st.readOnly).
		Int64("slot_width", st.slotWidth).
		Int64("item_duration", itemDuration).
		Str("sync_mode", string(st.syncMode)).
		Msg("Series file opened")

	return st, nil
}

func (st *Store[E]) loadHeader(itemDuration int64) error {
	want := header{
		version:      Version,
		slotWidth:    uint32(st.slotWidth),
		itemDuration: itemDuration,
		fingerprint:  st.schema.Fingerprint(),
		start:        -1,
		end:          -1,
	}

	info, err := st.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat series file: %w", err)
	}

	if info.Size() == 0 {
		st.hdr = want
		if st.readOnly {
			return nil
		}
		if _, err := st.file.WriteAt(want.marshal(), 0); err != nil {
			return fmt.Errorf("failed to write series header: %w", err)
		}
		return nil
	}

	buf := make([]byte, HeaderSize)
	if _, err := st.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: reading header: %v", ErrLayoutMismatch, err)
	}
	got, err := unmarshalHeader(buf)
	if err != nil {
		return err
	}

	switch {
	case got.version != want.version:
		return fmt.Errorf("%w: version %d, expected %d", ErrLayoutMismatch, got.version, want.version)
	case got.slotWidth != want.slotWidth:
		return fmt.Errorf("%w: slot width %d, expected %d", ErrLayoutMismatch, got.slotWidth, want.slotWidth)
	case got.itemDuration != want.itemDuration:
		return fmt.Errorf("%w: item duration %d, expected %d", ErrLayoutMismatch, got.itemDuration, want.itemDuration)
	case got.fingerprint != want.fingerprint:
		return fmt.Errorf("%w: fingerprint %016x, expected %016x", ErrSchemaMismatch, got.fingerprint, want.fingerprint)
	}

	st.hdr = got
	return nil
}

func (st *Store[E]) offset(segmentStart int64) int64 {
	return HeaderSize + (segmentStart/st.hdr.itemDuration)*st.slotWidth
}

// Addressable reports whether size slots starting at segmentStart map to
// valid file offsets.
func (st *Store[E]) Addressable(segmentStart int64, size int) bool {
	if segmentStart < 0 || size < 0 {
		return false
	}
	slots := (math.MaxInt64 - HeaderSize) / st.slotWidth
	return segmentStart/st.hdr.itemDuration <= slots-int64(size)
}

// Path returns the series file path.
func (st *Store[E]) Path() string {
	return st.path
}

// ReadOnly reports whether another process owns the file.
func (st *Store[E]) ReadOnly() bool {
	return st.readOnly
}

// Write persists the occupied slots of seg, which starts at segmentStart.
// Synced segments are skipped. On success the segment is marked synced.
func (st *Store[E]) Write(segmentStart int64, seg *segment.Segment[E]) error {
	if seg.Synced() {
		return nil
	}
	if segmentStart < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeTime, segmentStart)
	}
	if !st.Addressable(segmentStart, seg.Size()) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, segmentStart)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return ErrClosed
	}
	if st.readOnly {
		return nil
	}

	gen := seg.Generation()
	base := st.offset(segmentStart)

	var written int64
	err := segment.EncodeRuns(st.schema, seg, func(slot int, run []byte) error {
		n, err := st.file.WriteAt(run, base+int64(slot)*st.slotWidth)
		written += int64(n)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write segment %d: %w", segmentStart, err)
	}

	if lo, hi := seg.Min(), seg.Max(); lo >= 0 {
		st.extend(segmentStart+int64(lo)*st.hdr.itemDuration, segmentStart+int64(hi)*st.hdr.itemDuration)
	}

	if err := st.sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", segmentStart, err)
	}

	seg.MarkSyncedAt(gen)
	st.totalWrites.Add(1)
	st.totalBytes.Add(written)

	st.logger.Debug().
		Int64("segment", segmentStart).
		Int64("bytes", written).
		Msg("Segment written")

	return nil
}

func (st *Store[E]) extend(first, last int64) {
	if st.hdr.start < 0 || first < st.hdr.start {
		st.hdr.start = first
		st.dirty = true
	}
	if last > st.hdr.end {
		st.hdr.end = last
		st.dirty = true
	}
}

func (st *Store[E]) sync() error {
	switch st.syncMode {
	case SyncModeFsync:
		st.totalSyncs.Add(1)
		return st.file.Sync()
	case SyncModeFdatasync:
		st.totalSyncs.Add(1)
		return fdatasync(st.file)
	}
	return nil
}

// Read loads the segment of size slots starting at segmentStart. A region
// that was never written, or that lies outside the addressable range, yields
// an empty segment; a short file yields the records that are fully present.
func (st *Store[E]) Read(segmentStart int64, size int) (*segment.Segment[E], error) {
	if !st.Addressable(segmentStart, size) {
		return segment.New[E](size), nil
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, int64(size)*st.slotWidth)
	n, err := st.file.ReadAt(buf, st.offset(segmentStart))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read segment %d: %w", segmentStart, err)
	}
	st.totalReads.Add(1)

	return segment.Decode(st.schema, buf[:n], size), nil
}

// Range returns the oldest and newest record time ever written.
func (st *Store[E]) Range() (start, end int64, ok bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.hdr.start, st.hdr.end, st.hdr.start >= 0
}

// Sync persists the header and flushes the file to stable storage.
func (st *Store[E]) Sync() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return ErrClosed
	}
	return st.persistHeader()
}

func (st *Store[E]) persistHeader() error {
	if st.readOnly {
		return nil
	}
	if st.dirty {
		if _, err := st.file.WriteAt(st.hdr.marshal(), 0); err != nil {
			return fmt.Errorf("failed to write series header: %w", err)
		}
		st.dirty = false
	}
	st.totalSyncs.Add(1)
	return st.file.Sync()
}

// Close persists the header, closes the file and releases the lock.
func (st *Store[E]) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil
	}
	st.closed = true

	var errs []error
	if err := st.persistHeader(); err != nil {
		errs = append(errs, err)
	}
	if err := st.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := st.releaseLock(); err != nil {
		errs = append(errs, err)
	}

	st.logger.Debug().Msg("Series file closed")
	return errors.Join(errs...)
}

func (st *Store[E]) releaseLock() error {
	if st.lock == nil {
		return nil
	}
	err := unlockFile(st.lock)
	st.lock = nil
	return err
}

// Stats returns store statistics
func (st *Store[E]) Stats() map[string]interface{} {
	start, end, _ := st.Range()
	return map[string]interface{}{
		"path":         st.path,
		"read_only":    st.readOnly,
		"sync_mode":    string(st.syncMode),
		"slot_width":   st.slotWidth,
		"range_start":  start,
		"range_end":    end,
		"total_writes": st.totalWrites.Load(),
		"total_bytes":  st.totalBytes.Load(),
		"total_reads":  st.totalReads.Load(),
		"total_syncs":  st.totalSyncs.Load(),
	}
}
