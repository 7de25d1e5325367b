package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"logupload/internal/arena"
	"logupload/internal/logging"
)

// Paths used on the device.
const (
	DefaultKmsgPath      = "/dev/kmsg"
	DefaultVersionPath   = "/etc/version"
	DefaultNTPSyncedPath = "/tmp/ntp.synced"
)

// maxRecordSize is the kernel's per-record buffer in devkmsg_read; a single
// read never returns more.
const maxRecordSize = 8192

// endLine is written into the kernel log after each cycle so a reader of
// dmesg can see where an upload stopped.
const endLine = "<7>logupload: --- end of uploaded logs ---\n"

// Device is the raw /dev/kmsg file: one record per Read, EAGAIN when drained.
// Rewind moves back to the oldest record still in the ring.
type Device interface {
	Read(p []byte) (int, error)
	Rewind() error
	WriteLine(line string) error
	Close() error
}

// KmsgConfig configures a ring-buffer source.
type KmsgConfig struct {
	Path          string
	VersionPath   string
	NTPSyncedPath string

	// Full re-reads the whole ring buffer every cycle instead of resuming
	// from the watermark.
	Full bool

	Logger *slog.Logger
}

// Kmsg drains the kernel ring buffer without blocking. A record that does not
// fit in the caller's buffer is held and delivered first next cycle.
//
// The descriptor only moves forward, so a Read whose watermark is below what
// was already consumed (the previous cycle failed before persisting) rewinds
// to the oldest record and skips up to the watermark again.
type Kmsg struct {
	cfg    KmsgConfig
	dev    Device
	logger *slog.Logger

	raw     [maxRecordSize]byte
	line    []byte
	pending []byte
	pendSeq uint64

	// next is one past the last sequence number consumed from dev.
	next uint64
}

// NewKmsg opens the ring buffer non-blocking. The descriptor stays open for
// the life of the process.
func NewKmsg(cfg KmsgConfig) (*Kmsg, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultKmsgPath
	}
	dev, err := openKmsgDevice(cfg.Path)
	if err != nil {
		return nil, err
	}
	return NewKmsgDevice(cfg, dev), nil
}

// NewKmsgDevice builds a ring-buffer source over an already open device;
// cfg.Path is unused.
func NewKmsgDevice(cfg KmsgConfig, dev Device) *Kmsg {
	if cfg.VersionPath == "" {
		cfg.VersionPath = DefaultVersionPath
	}
	if cfg.NTPSyncedPath == "" {
		cfg.NTPSyncedPath = DefaultNTPSyncedPath
	}
	return &Kmsg{
		cfg:    cfg,
		dev:    dev,
		logger: logging.Default(cfg.Logger).With("component", "source", "type", "kmsg"),
		line:   make([]byte, 0, maxRecordSize+32),
	}
}

// Name implements Source.
func (k *Kmsg) Name() string { return "dmesg" }

// Close implements Source.
func (k *Kmsg) Close() error { return k.dev.Close() }

// Read implements Source. It returns once the ring buffer is drained or dst
// is full. The returned watermark is one past the sequence number of the
// last record copied into dst.
func (k *Kmsg) Read(ctx context.Context, dst []byte, req Request) (Result, error) {
	threshold := req.Watermark
	switch {
	case k.cfg.Full:
		if err := k.rewind(); err != nil {
			return Result{}, err
		}
		threshold = 0
	case req.Watermark < k.next && !k.holds(req.Watermark):
		k.logger.Debug("re-reading records not yet persisted", "watermark", req.Watermark, "consumed", k.next)
		if err := k.rewind(); err != nil {
			return Result{}, err
		}
	}

	n := 0
	wm := req.Watermark
	res := func() Result {
		return Result{View: arena.View{Start: 0, Len: n}, Watermark: wm}
	}

	if len(k.pending) > 0 && k.pendSeq >= threshold {
		if len(k.pending) > len(dst) {
			return res(), nil
		}
		n += copy(dst, k.pending)
		wm = k.pendSeq + 1
	}
	k.pending = k.pending[:0]

	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		m, err := k.dev.Read(k.raw[:])
		switch {
		case errors.Is(err, unix.EAGAIN):
			if skipped > 0 {
				k.logger.Debug("skipped already uploaded records", "count", skipped)
			}
			return res(), nil
		case errors.Is(err, unix.EPIPE):
			// The kernel overwrote records before we got to them.
			k.logger.Warn("kernel log records lost before they could be read")
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return Result{}, fmt.Errorf("%w: %w", ErrRead, err)
		case m == 0:
			return res(), nil
		}

		rec, err := parseRecord(k.raw[:m])
		if err != nil {
			return Result{}, err
		}
		k.next = rec.seq + 1
		if rec.seq < threshold {
			skipped++
			continue
		}

		k.line = appendRecord(k.line[:0], rec)
		if n+len(k.line) > len(dst) {
			k.pending = append(k.pending, k.line...)
			k.pendSeq = rec.seq
			return res(), nil
		}
		n += copy(dst[n:], k.line)
		wm = rec.seq + 1
	}
}

// holds reports whether everything from wm onward that was consumed from the
// device is the held record alone.
func (k *Kmsg) holds(wm uint64) bool {
	return len(k.pending) > 0 && k.pendSeq == wm && k.next == wm+1
}

func (k *Kmsg) rewind() error {
	if err := k.dev.Rewind(); err != nil {
		return fmt.Errorf("%w: rewind: %w", ErrRead, err)
	}
	k.pending = k.pending[:0]
	k.next = 0
	return nil
}

// MarkStart implements Syncer. It records the firmware version and whether
// the clock was NTP-synced, which lets the collector line up timestamps of
// a first upload.
func (k *Kmsg) MarkStart(_ context.Context) error {
	version := "unknown"
	if data, err := os.ReadFile(filepath.Clean(k.cfg.VersionPath)); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			version = v
		}
	}
	_, err := os.Stat(k.cfg.NTPSyncedPath)
	synced := err == nil

	line := fmt.Sprintf("<7>logupload: logmark-once: version=%s ntp_synced=%t\n", version, synced)
	if err := k.dev.WriteLine(line); err != nil {
		return fmt.Errorf("write start marker: %w", err)
	}
	return nil
}

// MarkEnd implements EndMarker.
func (k *Kmsg) MarkEnd(_ context.Context) error {
	if err := k.dev.WriteLine(endLine); err != nil {
		return fmt.Errorf("write end marker: %w", err)
	}
	return nil
}

// kmsgDevice is the real /dev/kmsg.
type kmsgDevice struct {
	path string
	fd   int
}

func openKmsgDevice(path string) (*kmsgDevice, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}
	return &kmsgDevice{path: path, fd: fd}, nil
}

func (d *kmsgDevice) Read(p []byte) (int, error) {
	return unix.Read(d.fd, p)
}

func (d *kmsgDevice) Rewind() error {
	_, err := unix.Seek(d.fd, 0, unix.SEEK_SET)
	return err
}

// WriteLine opens the device for writing each time; the read descriptor is
// read-only.
func (d *kmsgDevice) WriteLine(line string) error {
	f, err := os.OpenFile(d.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (d *kmsgDevice) Close() error {
	return unix.Close(d.fd)
}
