package segment

import (
	"github.com/basekick-labs/tickstore/internal/schema"
)

// slotPresent marks an occupied slot. Empty slots carry a zero byte.
const slotPresent byte = 1

// SlotWidth is the on-disk size of one slot: a presence byte followed by the
// encoded record.
func SlotWidth[E any](s *schema.Schema[E]) int {
	return s.Width() + 1
}

// Encode serializes every slot of seg. Empty slots are zero-filled so that
// slot i always starts at i*SlotWidth.
func Encode[E any](s *schema.Schema[E], seg *Segment[E]) []byte {
	width := SlotWidth(s)
	buf := make([]byte, len(seg.items)*width)

	seg.mu.RLock()
	defer seg.mu.RUnlock()

	for i := range seg.items {
		if !seg.present[i] {
			continue
		}
		slot := buf[i*width : (i+1)*width]
		slot[0] = slotPresent
		s.Encode(&seg.items[i], slot[1:])
	}
	return buf
}

// EncodeRuns serializes runs of consecutive occupied slots and passes each to
// emit along with the index of its first slot. Empty slots are never emitted,
// so whatever is already stored for them is left untouched. The run buffer is
// reused between calls.
func EncodeRuns[E any](s *schema.Schema[E], seg *Segment[E], emit func(slot int, run []byte) error) error {
	width := SlotWidth(s)

	seg.mu.RLock()
	defer seg.mu.RUnlock()

	if seg.count == 0 {
		return nil
	}

	buf := make([]byte, 0, (seg.max-seg.min+1)*width)
	start := -1

	flush := func() error {
		if start < 0 {
			return nil
		}
		err := emit(start, buf)
		buf = buf[:0]
		start = -1
		return err
	}

	for i := seg.min; i <= seg.max; i++ {
		if !seg.present[i] {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if start < 0 {
			start = i
		}
		n := len(buf)
		buf = buf[:n+width]
		buf[n] = slotPresent
		s.Encode(&seg.items[i], buf[n+1:n+width])
	}

	return flush()
}

// Decode rebuilds a segment of size slots from data. Short input yields a
// prefix; a trailing partial slot is ignored. The result is marked synced.
func Decode[E any](s *schema.Schema[E], data []byte, size int) *Segment[E] {
	seg := New[E](size)
	width := SlotWidth(s)

	n := min(len(data)/width, size)
	for i := 0; i < n; i++ {
		slot := data[i*width : (i+1)*width]
		if slot[0] != slotPresent {
			continue
		}
		s.DecodeInto(&seg.items[i], slot[1:])
		seg.present[i] = true
		seg.count++
		if seg.min < 0 {
			seg.min = i
		}
		seg.max = i
	}

	seg.synced = true
	return seg
}
