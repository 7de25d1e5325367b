// Package arena owns the single buffer an upload cycle works in.
//
// The buffer is allocated once, sized for the largest payload plus slack for
// compression, and reused for every cycle. Steps receive bounded slices of it
// and describe where their output landed with a View.
package arena

import (
	"errors"
	"fmt"
)

// Defaults match what a device can hold comfortably in memory.
const (
	DefaultMaxPayload = 8 * 1024 * 1024 // max bytes captured in one cycle
	DefaultSlack      = 64 * 1024       // extra room for compression overhead
)

// ErrSize is returned for non-positive or overflowing sizes.
var ErrSize = errors.New("invalid arena size")

// View locates the current payload inside the arena.
type View struct {
	Start int
	Len   int
}

// End returns the offset one past the last payload byte.
func (v View) End() int { return v.Start + v.Len }

// Arena is a fixed-capacity byte region. It is not safe for concurrent use;
// one cycle owns it at a time.
type Arena struct {
	buf        []byte
	maxPayload int
}

// New allocates an arena of maxPayload+slack bytes.
func New(maxPayload, slack int) (a *Arena, err error) {
	if maxPayload <= 0 || slack < 0 || maxPayload > maxPayload+slack {
		return nil, fmt.Errorf("%w: payload=%d slack=%d", ErrSize, maxPayload, slack)
	}
	defer func() {
		// make panics on sizes the runtime cannot satisfy.
		if r := recover(); r != nil {
			a, err = nil, fmt.Errorf("allocate %d bytes: %v", maxPayload+slack, r)
		}
	}()
	return &Arena{
		buf:        make([]byte, maxPayload+slack),
		maxPayload: maxPayload,
	}, nil
}

// Cap returns the total allocation size. It never changes.
func (a *Arena) Cap() int { return len(a.buf) }

// MaxPayload returns the most bytes an input step may capture.
func (a *Arena) MaxPayload() int { return a.maxPayload }

// Payload returns the region input steps write into, bounded to MaxPayload.
func (a *Arena) Payload() []byte { return a.buf[:a.maxPayload:a.maxPayload] }

// Bytes returns the bytes v refers to. The slice's capacity is clipped so
// appends cannot run past the view.
func (a *Arena) Bytes(v View) []byte {
	a.Check(v)
	return a.buf[v.Start:v.End():v.End()]
}

// Tail returns everything from v.Start to the end of the allocation: the
// payload followed by the room available for in-place transforms.
func (a *Arena) Tail(v View) []byte {
	a.Check(v)
	return a.buf[v.Start:]
}

// Check panics if v does not lie inside the allocation. A bad view is a
// programming error in a step, never a runtime condition.
func (a *Arena) Check(v View) {
	if v.Start < 0 || v.Len < 0 || v.End() > len(a.buf) || v.End() < v.Start {
		panic(fmt.Sprintf("arena: view [%d,+%d) outside allocation of %d bytes", v.Start, v.Len, len(a.buf)))
	}
}
