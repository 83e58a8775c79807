package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Snapshot stream layout:
//
//	SnapshotMagic(4) Version(2) header(HeaderSize)
//	{ Offset(8) Length(8) bytes(Length) }...
//	Offset(8)=0 Length(8)=0
//
// Frames cover only the populated extent of the file and skip holes and
// all-zero chunks, so a sparse series file stays small in transit and
// sparse again after RestoreSnapshot.

// SnapshotMagic identifies a snapshot stream.
var SnapshotMagic = [4]byte{'T', 'K', 'S', 'N'}

// ErrBadSnapshot is returned for malformed or truncated snapshot streams.
var ErrBadSnapshot = errors.New("disk: malformed snapshot")

const (
	snapshotPrefix = 6
	frameSize      = 16
	snapshotChunk  = 64 << 10
)

type region struct {
	off, end int64
}

// Snapshot streams a consistent copy of the populated part of the file
// to w and returns the number of bytes written.
func (st *Store[E]) Snapshot(w io.Writer) (int64, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.closed {
		return 0, ErrClosed
	}

	info, err := st.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat series file: %w", err)
	}

	var regions []region
	if lo, hi, ok := st.populated(info.Size()); ok {
		if regions, err = dataRegions(st.file, lo, hi); err != nil {
			return 0, fmt.Errorf("failed to map series file: %w", err)
		}
	}

	var n int64
	put := func(p []byte) error {
		m, err := w.Write(p)
		n += int64(m)
		return err
	}

	prefix := make([]byte, snapshotPrefix, snapshotPrefix+HeaderSize)
	copy(prefix, SnapshotMagic[:])
	binary.BigEndian.PutUint16(prefix[4:6], Version)
	if err := put(append(prefix, st.hdr.marshal()...)); err != nil {
		return n, err
	}

	frame := make([]byte, frameSize)
	buf := make([]byte, snapshotChunk)
	for _, r := range regions {
		for off := r.off; off < r.end; off += snapshotChunk {
			chunk := buf[:min(snapshotChunk, r.end-off)]
			if _, err := st.file.ReadAt(chunk, off); err != nil {
				return n, fmt.Errorf("failed to read series file at %d: %w", off, err)
			}
			if allZero(chunk) {
				continue
			}
			binary.BigEndian.PutUint64(frame[0:8], uint64(off))
			binary.BigEndian.PutUint64(frame[8:16], uint64(len(chunk)))
			if err := put(frame); err != nil {
				return n, err
			}
			if err := put(chunk); err != nil {
				return n, err
			}
		}
	}

	clear(frame)
	return n, put(frame)
}

// populated is the byte range between the oldest and newest slot ever
// written, clamped to the file size.
func (st *Store[E]) populated(size int64) (int64, int64, bool) {
	if st.hdr.start < 0 {
		return 0, 0, false
	}
	lo := st.offset(st.hdr.start)
	hi := min(st.offset(st.hdr.end)+st.slotWidth, size)
	return lo, hi, lo < hi
}

// RestoreSnapshot writes a stream produced by Snapshot into dst. Regions the
// stream does not carry are left unwritten, so dst stays sparse. It returns
// the number of bytes written.
func RestoreSnapshot(r io.Reader, dst io.WriterAt) (int64, error) {
	prefix := make([]byte, snapshotPrefix+HeaderSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return 0, fmt.Errorf("%w: reading header: %v", ErrBadSnapshot, err)
	}
	if [4]byte(prefix[0:4]) != SnapshotMagic {
		return 0, fmt.Errorf("%w: not a snapshot", ErrBadSnapshot)
	}
	if v := binary.BigEndian.Uint16(prefix[4:6]); v != Version {
		return 0, fmt.Errorf("%w: version %d, expected %d", ErrBadSnapshot, v, Version)
	}
	hdr := prefix[snapshotPrefix:]
	if _, err := unmarshalHeader(hdr); err != nil {
		return 0, err
	}

	m, err := dst.WriteAt(hdr, 0)
	written := int64(m)
	if err != nil {
		return written, err
	}

	frame := make([]byte, frameSize)
	buf := make([]byte, snapshotChunk)
	for {
		if _, err := io.ReadFull(r, frame); err != nil {
			return written, fmt.Errorf("%w: reading frame: %v", ErrBadSnapshot, err)
		}
		off := int64(binary.BigEndian.Uint64(frame[0:8]))
		length := int64(binary.BigEndian.Uint64(frame[8:16]))
		if off == 0 && length == 0 {
			return written, nil
		}
		if off < HeaderSize || length <= 0 || length > snapshotChunk || off > math.MaxInt64-length {
			return written, fmt.Errorf("%w: frame at %d with length %d", ErrBadSnapshot, off, length)
		}

		chunk := buf[:length]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return written, fmt.Errorf("%w: reading frame at %d: %v", ErrBadSnapshot, off, err)
		}
		m, err := dst.WriteAt(chunk, off)
		written += int64(m)
		if err != nil {
			return written, err
		}
	}
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
