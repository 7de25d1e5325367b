package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/muesli/cancelreader"

	"logupload/internal/arena"
	"logupload/internal/logging"
)

// Stream reads a finite byte stream such as stdin. Each cycle drains it until
// end of input, a full buffer, or the request deadline.
type Stream struct {
	name   string
	r      io.Reader
	clock  clockwork.Clock
	logger *slog.Logger

	unpollable bool
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	// Name is the upload target the stream's data is filed under.
	Name   string
	Reader io.Reader
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// NewStream creates a stream source.
func NewStream(cfg StreamConfig) *Stream {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Stream{
		name:   cfg.Name,
		r:      cfg.Reader,
		clock:  clock,
		logger: logging.Default(cfg.Logger).With("component", "source", "type", "stream"),
	}
}

// Name implements Source.
func (s *Stream) Name() string { return s.name }

// Finite reports that the stream cannot be re-read: a failed read loses its
// position for good.
func (s *Stream) Finite() bool { return true }

// Close implements Source. The underlying reader belongs to the caller.
func (s *Stream) Close() error { return nil }

// Read implements Source. A deadline or ctx cancellation aborts a blocked
// read; bytes already accumulated are kept. Running into the deadline with
// nothing captured is reported as end of input, the same as a closed stream.
func (s *Stream) Read(ctx context.Context, dst []byte, req Request) (Result, error) {
	cr := s.cancelable()
	defer func() { _ = cr.Close() }()

	var interrupted atomic.Bool
	stop := context.AfterFunc(ctx, func() { cr.Cancel() })
	defer stop()
	if req.Deadline > 0 {
		timer := s.clock.AfterFunc(req.Deadline, func() {
			interrupted.Store(true)
			cr.Cancel()
		})
		defer timer.Stop()
	}

	total := 0
	eof := false
	for total < len(dst) && !interrupted.Load() {
		n, err := cr.Read(dst[total:])
		total += n
		if err != nil {
			if errors.Is(err, cancelreader.ErrCanceled) {
				break
			}
			if errors.Is(err, io.EOF) {
				eof = true
				break
			}
			return Result{}, fmt.Errorf("%w: %w", ErrRead, err)
		}
		if n == 0 {
			eof = true
			break
		}
	}

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	res := Result{
		View:      arena.View{Start: 0, Len: total},
		Watermark: req.Watermark,
	}
	if total == 0 {
		// Interrupted with nothing read is treated like end of input.
		res.EOF = true
		s.logger.Debug("stream drained", "eof", eof, "interrupted", interrupted.Load())
	}
	return res, nil
}

// cancelable wraps the input so a blocked read can be aborted. Only pollable
// files support that; everything else is checked between reads.
func (s *Stream) cancelable() cancelreader.CancelReader {
	if _, ok := s.r.(cancelreader.File); ok && !s.unpollable {
		cr, err := cancelreader.NewReader(s.r)
		if err == nil {
			return cr
		}
		// Regular files cannot be polled, but they never block either.
		s.logger.Debug("input not pollable", "error", err)
		s.unpollable = true
	}
	return &flagReader{r: s.r}
}

// flagReader is a CancelReader for inputs that cannot be polled. Cancel is
// observed between reads only.
type flagReader struct {
	r        io.Reader
	canceled atomic.Bool
}

func (f *flagReader) Read(p []byte) (int, error) {
	if f.canceled.Load() {
		return 0, cancelreader.ErrCanceled
	}
	return f.r.Read(p)
}

func (f *flagReader) Cancel() bool {
	f.canceled.Store(true)
	return true
}

func (f *flagReader) Close() error { return nil }
