package archive

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("archive: object not found")

// Backend stores archive objects (local directory, S3, MinIO)
type Backend interface {
	// Write stores data under key, replacing any existing object.
	Write(ctx context.Context, key string, data []byte) error

	// WriteReader stores the contents of r under key. size may be -1 when
	// unknown.
	WriteReader(ctx context.Context, key string, r io.Reader, size int64) error

	// ReadTo copies the object at key to w.
	ReadTo(ctx context.Context, key string, w io.Writer) error

	// List returns the keys starting with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error

	// Type returns "local" or "s3".
	Type() string
}
