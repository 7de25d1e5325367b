// Package cycle runs one upload cycle: capture new log data into the arena,
// compress it in place, attach host metadata, hand it to the transport, and
// only then advance the persisted watermark.
//
// State machine:
//
//	Start -> Reading -> Compressing -> ExtractingMetadata -> Uploading -> Persisting -> Done
//
// Any step may transition to Failed instead. The completion marker is
// removed in Start and recreated in Persisting after the watermark is
// durably stored, so a marker that is absent after a crash means the last
// reported state cannot be trusted.
//
// Print mode (Config.Output set) replaces Compressing through Uploading with
// a raw write of the captured bytes. It advances the watermark in memory
// only, so a later run re-reads what was printed.
//
// A Cycle is not safe for concurrent use. The scheduler runs one at a time.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"logupload/internal/arena"
	"logupload/internal/codec"
	"logupload/internal/hostinfo"
	"logupload/internal/logging"
	"logupload/internal/source"
	"logupload/internal/transport"
	"logupload/internal/watermark"
)

// Marker is the completion marker. watermark.Marker implements it.
type Marker interface {
	Remove() error
	Create() error
}

// Config wires a cycle to its collaborators.
type Config struct {
	Arena     *arena.Arena
	Source    source.Source
	Codec     codec.Codec
	Extractor hostinfo.Extractor
	Transport transport.Transport
	Watermark watermark.Store
	Marker    Marker

	// Output switches to print mode: captured bytes are written here raw
	// instead of being compressed and uploaded.
	Output io.Writer

	// LogType is reported as the "logtype" metadata entry when set.
	LogType string

	// ReadDeadline returns the per-cycle bound on waiting for stream input.
	// Nil means no bound.
	ReadDeadline func() time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger

	// NewID generates cycle IDs. Defaults to random UUIDs.
	NewID func() string
}

// Outcome summarizes one cycle.
type Outcome struct {
	ID    string
	State State

	// Captured is the number of payload bytes read; Sent is what left the
	// host after compression (or was printed).
	Captured int
	Sent     int

	// Watermark is the in-memory watermark after the cycle.
	Watermark uint64

	// EOF reports that a stream source has no more input. Nothing was
	// uploaded.
	EOF bool

	Duration time.Duration
}

// Cycle holds the state that survives between cycles: the arena, the
// in-memory watermark, and whether the one-time sync mark has been written.
type Cycle struct {
	cfg    Config
	clock  clockwork.Clock
	newID  func() string
	logger *slog.Logger

	watermark uint64
	synced    bool

	// confirmed is set while the completion marker written by the last
	// successful cycle is in place.
	confirmed bool
}

// New creates a cycle runner and loads the persisted watermark.
func New(cfg Config) *Cycle {
	c := &Cycle{
		cfg:    cfg,
		clock:  cfg.Clock,
		newID:  cfg.NewID,
		logger: logging.Default(cfg.Logger).With("component", "cycle"),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	c.watermark = cfg.Watermark.Load()
	c.logger.Debug("watermark loaded", "watermark", c.watermark)
	return c
}

// Watermark returns the in-memory watermark.
func (c *Cycle) Watermark() uint64 { return c.watermark }

// Run executes one cycle. A failed cycle returns a *Failure and leaves the
// persisted watermark untouched. Cancelling ctx aborts a blocked read but
// never an upload in progress; a cancelled read returns ctx.Err().
func (c *Cycle) Run(ctx context.Context) (Outcome, error) {
	r := &run{
		c:      c,
		start:  c.clock.Now(),
		out:    Outcome{ID: c.newID(), State: Start, Watermark: c.watermark},
		logger: c.logger,
	}
	r.logger = c.logger.With("cycle", r.out.ID)
	return r.exec(ctx)
}

// run is the per-cycle scratch state.
type run struct {
	c      *Cycle
	start  time.Time
	out    Outcome
	view   arena.View
	logger *slog.Logger
}

func (r *run) finish(state State) Outcome {
	r.out.State = state
	r.out.Watermark = r.c.watermark
	r.out.Duration = r.c.clock.Since(r.start)
	return r.out
}

func (r *run) fail(state State, code Code, fatal bool, err error) (Outcome, error) {
	f := &Failure{State: state, Code: code, Fatal: fatal, Err: err}
	r.logger.Warn("cycle failed", "state", state, "code", int(code), "fatal", fatal, "error", err)
	return r.finish(Failed), f
}

func (r *run) exec(ctx context.Context) (Outcome, error) {
	c := r.c
	cfg := c.cfg

	// Start.
	wasConfirmed := c.confirmed
	if cfg.Marker != nil {
		if err := cfg.Marker.Remove(); err != nil {
			return r.fail(Start, CodeCompletionMarker, false, err)
		}
		c.confirmed = false
	}
	if !c.synced && c.watermark == 0 {
		if s, ok := cfg.Source.(source.Syncer); ok {
			if err := s.MarkStart(ctx); err != nil {
				return r.fail(Start, CodeSyncMark, false, fmt.Errorf("sync mark: %w", err))
			}
			r.logger.Info("sync mark written")
		}
		c.synced = true
	}

	// Reading.
	r.out.State = Reading
	req := source.Request{Watermark: c.watermark}
	if cfg.ReadDeadline != nil {
		req.Deadline = cfg.ReadDeadline()
	}
	res, err := cfg.Source.Read(ctx, cfg.Arena.Payload(), req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			r.finish(Failed)
			return r.out, err
		}
		return r.readFailure(err)
	}
	cfg.Arena.Check(res.View)
	r.view = res.View
	r.out.Captured = res.View.Len

	if res.EOF {
		r.logger.Info("end of input")
		r.out.EOF = true
		// Nothing was captured, so the previous cycle's confirmation still holds.
		if cfg.Marker != nil && wasConfirmed {
			if err := cfg.Marker.Create(); err != nil {
				return r.fail(Reading, CodeCompletionMarker, false, err)
			}
			c.confirmed = true
		}
		return r.finish(Done), nil
	}
	r.logger.Info("captured logs", "bytes", r.view.Len, "watermark", res.Watermark)

	if cfg.Output != nil {
		return r.print(ctx, res)
	}

	// Compressing.
	r.out.State = Compressing
	n, err := codec.CompressInPlace(cfg.Codec, cfg.Arena.Tail(r.view), r.view.Len)
	if err != nil {
		return r.fail(Compressing, CodeCompression, false, err)
	}
	r.view.Len = n
	cfg.Arena.Check(r.view)

	// ExtractingMetadata.
	r.out.State = ExtractingMetadata
	md, err := cfg.Extractor.Extract(ctx, cfg.LogType)
	if err != nil {
		code := CodeMetadata
		if errors.Is(err, hostinfo.ErrInterfaces) {
			code = CodeInterfaces
		}
		return r.fail(ExtractingMetadata, code, false, err)
	}

	// Uploading. The upload is not cancelled by shutdown; the transport's
	// own timeout bounds it.
	r.out.State = Uploading
	up := transport.Upload{
		Target:   cfg.Source.Name(),
		Payload:  cfg.Arena.Bytes(r.view),
		Encoding: cfg.Codec.ContentEncoding(),
		Metadata: md,
		CycleID:  r.out.ID,
	}
	if err := cfg.Transport.Send(context.WithoutCancel(ctx), up); err != nil {
		return r.fail(Uploading, CodeUpload, false, err)
	}
	r.out.Sent = n
	r.logger.Info("upload complete", "target", up.Target, "captured", r.out.Captured, "sent", n)

	// Persisting.
	r.out.State = Persisting
	next := max(c.watermark, res.Watermark)
	if err := cfg.Watermark.Store(next); err != nil {
		return r.fail(Persisting, CodePersist, false, err)
	}
	c.watermark = next
	if cfg.Marker != nil {
		if err := cfg.Marker.Create(); err != nil {
			return r.fail(Persisting, CodeCompletionMarker, false, err)
		}
		c.confirmed = true
	}
	if err := r.markEnd(ctx); err != nil {
		return r.fail(Persisting, CodeEndMarker, false, err)
	}

	return r.finish(Done), nil
}

// print writes the raw capture to the output instead of uploading it.
func (r *run) print(ctx context.Context, res source.Result) (Outcome, error) {
	c := r.c
	r.out.State = Uploading
	n, err := c.cfg.Output.Write(c.cfg.Arena.Bytes(r.view))
	if err != nil {
		return r.fail(Uploading, CodeUpload, false, fmt.Errorf("write output: %w", err))
	}
	r.out.Sent = n

	r.out.State = Persisting
	c.watermark = max(c.watermark, res.Watermark)
	if err := r.markEnd(ctx); err != nil {
		return r.fail(Persisting, CodeEndMarker, false, err)
	}
	return r.finish(Done), nil
}

func (r *run) markEnd(ctx context.Context) error {
	if m, ok := r.c.cfg.Source.(source.EndMarker); ok {
		if err := m.MarkEnd(ctx); err != nil {
			return fmt.Errorf("end marker: %w", err)
		}
	}
	return nil
}

// finite is implemented by sources that cannot be re-read after a failure.
type finite interface{ Finite() bool }

func (r *run) readFailure(err error) (Outcome, error) {
	switch {
	case errors.Is(err, source.ErrOpen):
		return r.fail(Reading, CodeSourceOpen, true, err)
	case errors.Is(err, source.ErrParse):
		return r.fail(Reading, CodeParse, false, err)
	}
	f, ok := r.c.cfg.Source.(finite)
	return r.fail(Reading, CodeRead, ok && f.Finite(), err)
}
