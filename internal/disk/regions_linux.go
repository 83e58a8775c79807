package disk

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// dataRegions lists the allocated parts of [lo, hi) in f using
// SEEK_DATA/SEEK_HOLE. Filesystems without hole reporting yield the whole
// range.
func dataRegions(f *os.File, lo, hi int64) ([]region, error) {
	fd := int(f.Fd())

	var out []region
	for off := lo; off < hi; {
		start, err := unix.Seek(fd, off, unix.SEEK_DATA)
		switch {
		case errors.Is(err, unix.ENXIO):
			return out, nil
		case errors.Is(err, unix.EINVAL):
			return []region{{off: lo, end: hi}}, nil
		case err != nil:
			return nil, err
		}
		if start >= hi {
			break
		}

		end, err := unix.Seek(fd, start, unix.SEEK_HOLE)
		if err != nil {
			return nil, err
		}
		end = min(end, hi)
		out = append(out, region{off: start, end: end})
		off = end
	}
	return out, nil
}
