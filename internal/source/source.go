// Package source provides the two inputs an upload cycle can drain: a live
// kernel ring buffer (/dev/kmsg) read incrementally from a watermark, and a
// finite caller-supplied stream.
//
// Both write into a caller-owned slice and never beyond its length. The slice
// must not be retained after Read returns.
package source

import (
	"context"
	"errors"
	"time"

	"logupload/internal/arena"
)

// Errors callers classify on.
var (
	ErrOpen  = errors.New("open log source")
	ErrRead  = errors.New("read log source")
	ErrParse = errors.New("parse log record")
)

// Request parameterizes one read.
type Request struct {
	// Watermark is the first position not yet consumed. Ring-buffer mode
	// resumes from it; stream mode echoes it back unchanged.
	Watermark uint64

	// Deadline bounds how long stream mode waits for more input. Zero waits
	// until end of input or a full buffer.
	Deadline time.Duration
}

// Result describes what one read captured.
type Result struct {
	View      arena.View
	Watermark uint64

	// EOF reports that no more input will ever come. Only stream mode sets it,
	// and only when nothing was captured.
	EOF bool
}

// Source is an input the cycle reads from.
type Source interface {
	Name() string
	Read(ctx context.Context, dst []byte, req Request) (Result, error)
	Close() error
}

// Syncer is implemented by sources that need a one-time synchronization
// point written before their very first read.
type Syncer interface {
	MarkStart(ctx context.Context) error
}

// EndMarker is implemented by sources that record where each cycle stopped.
type EndMarker interface {
	MarkEnd(ctx context.Context) error
}
