// Package home manages the logupload state directory layout.
//
// The state directory holds the two small files that survive process
// restarts: the watermark and the completion marker.
//
// Layout:
//
//	<root>/
//	  loguploadcounter   (last consumed kernel sequence number, decimal)
//	  logs-uploaded      (present only after a fully completed cycle)
//
// The default root is /tmp, which matches where monitoring scripts on the
// device expect the marker. State in /tmp intentionally resets on reboot,
// together with the kernel ring buffer it describes.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRoot is the state directory used when none is configured.
const DefaultRoot = "/tmp"

// Dir represents a logupload state directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir rooted at DefaultRoot.
func Default() Dir {
	return Dir{root: DefaultRoot}
}

// Root returns the state directory path.
func (d Dir) Root() string {
	return d.root
}

// WatermarkPath returns the path of the persisted watermark.
func (d Dir) WatermarkPath() string {
	return filepath.Join(d.root, "loguploadcounter")
}

// MarkerPath returns the path of the completion marker.
func (d Dir) MarkerPath() string {
	return filepath.Join(d.root, "logs-uploaded")
}

// EnsureExists creates the state directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create state directory %s: %w", d.root, err)
	}
	return nil
}
