// Package watermark persists how much of the kernel log has been consumed,
// and the completion marker that tells observers whether the last upload
// cycle fully finished.
package watermark

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"logupload/internal/logging"
)

// Store loads and persists the watermark. Load never fails; a missing or
// unreadable value is reported as zero.
type Store interface {
	Load() uint64
	Store(v uint64) error
}

// File is a Store backed by a small decimal text file. It assumes a single
// writer (one daemon per host).
type File struct {
	path   string
	logger *slog.Logger
}

// NewFile returns a watermark store at path.
func NewFile(path string, logger *slog.Logger) *File {
	return &File{
		path:   path,
		logger: logging.Default(logger).With("component", "watermark"),
	}
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Load reads the persisted watermark. Missing, empty, or corrupt files yield 0.
func (f *File) Load() uint64 {
	data, err := os.ReadFile(filepath.Clean(f.path))
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("unreadable watermark, starting from zero", "path", f.path, "error", err)
		}
		return 0
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		// Corrupt watermark file; start fresh rather than failing.
		f.logger.Warn("corrupt watermark, starting from zero", "path", f.path, "error", err)
		return 0
	}
	return v
}

// Store atomically replaces the watermark file: temp file, fsync, rename,
// then fsync of the parent directory so the rename survives power loss.
func (f *File) Store(v uint64) error {
	data := strconv.AppendUint(nil, v, 10)
	data = append(data, '\n')
	return writeAtomic(f.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // G302: watermark is not secret
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
