package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// LocalBackend keeps archive objects as files below a base directory
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger
}

// NewLocalBackend creates basePath if needed.
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalBackend{
		basePath: abs,
		logger:   logger.With().Str("component", "archive-local").Logger(),
	}, nil
}

// Write writes data atomically (temp file, then rename).
func (b *LocalBackend) Write(ctx context.Context, key string, data []byte) error {
	return b.write(key, func(f *os.File) (int64, error) {
		n, err := f.Write(data)
		return int64(n), err
	})
}

// WriteReader streams r into key atomically.
func (b *LocalBackend) WriteReader(ctx context.Context, key string, r io.Reader, size int64) error {
	return b.write(key, func(f *os.File) (int64, error) {
		return io.Copy(f, r)
	})
}

func (b *LocalBackend) write(key string, fill func(*os.File) (int64, error)) error {
	fullPath, err := b.resolve(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tickstore-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, fillErr := fill(tmp)
	closeErr := tmp.Close()
	if fillErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", fillErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().Str("key", key).Int64("size", written).Msg("Wrote object")
	return nil
}

// ReadTo copies the file at key to w.
func (b *LocalBackend) ReadTo(ctx context.Context, key string, w io.Writer) error {
	fullPath, err := b.resolve(key)
	if err != nil {
		return err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy file data: %w", err)
	}
	return nil
}

// List walks the directory below prefix. Hidden files (including
// in-flight temp files) are skipped.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	root, err := b.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return keys, nil
}

// Delete removes the file at key.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	fullPath, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	b.logger.Debug().Str("key", key).Msg("Deleted object")
	return nil
}

func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) Type() string { return "local" }

// BasePath returns the archive directory.
func (b *LocalBackend) BasePath() string { return b.basePath }

// resolve maps key below basePath and rejects keys escaping it.
func (b *LocalBackend) resolve(key string) (string, error) {
	key = strings.ReplaceAll(key, "\x00", "")
	full := filepath.Join(b.basePath, filepath.FromSlash(strings.TrimPrefix(key, "/")))

	rel, err := filepath.Rel(b.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive: key %q escapes base directory", key)
	}
	return full, nil
}
