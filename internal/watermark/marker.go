package watermark

import (
	"fmt"
	"os"
)

// Marker is an existence-only file. The cycle removes it before reading and
// recreates it only after the upload and the watermark are both durable, so
// "absent" means the last cycle's outcome is unknown.
type Marker struct {
	path string
}

// NewMarker returns a marker at path.
func NewMarker(path string) *Marker {
	return &Marker{path: path}
}

// Path returns the marker location.
func (m *Marker) Path() string { return m.path }

// Remove deletes the marker. Idempotent.
func (m *Marker) Remove() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker %s: %w", m.path, err)
	}
	return nil
}

// Create creates the marker if missing. Contents are irrelevant.
func (m *Marker) Create() error {
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE, 0o644) //nolint:gosec // G302: monitoring scripts read the marker
	if err != nil {
		return fmt.Errorf("create marker %s: %w", m.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close marker %s: %w", m.path, err)
	}
	return nil
}

// Exists reports whether the marker is present.
func (m *Marker) Exists() (bool, error) {
	_, err := os.Stat(m.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
