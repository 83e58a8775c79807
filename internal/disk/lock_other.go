//go:build !unix

package disk

import (
	"errors"
	"os"
)

var errLocked = errors.New("disk: lock held by another process")

// lockFile only creates the lock file; advisory locking needs flock.
func lockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
}

func unlockFile(f *os.File) error {
	return f.Close()
}
