// Package transport defines how a compressed upload leaves the host.
//
// A Transport is chosen by the destination URL's scheme. Concrete transports
// live in subpackages (http, kafka, nats, s3, mqtt) and are handed to Open as
// a Factories map by the caller, so this package never imports them.
//
// Transports never retry. A failed Send fails the cycle, and the next cycle
// re-sends everything since the last persisted watermark.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"logupload/internal/hostinfo"
)

// DefaultTimeout bounds one Send.
const DefaultTimeout = 60 * time.Second

// ErrRejected reports that the collector received the upload and refused it.
var ErrRejected = errors.New("upload rejected")

// Upload is one cycle's payload on its way out.
type Upload struct {
	// Target names the log category, e.g. "dmesg".
	Target string

	// Payload is the compressed bytes. It aliases the cycle's buffer and must
	// not be retained after Send returns.
	Payload []byte

	// Encoding is the HTTP content-coding of Payload ("deflate", "zstd", ...).
	Encoding string

	Metadata hostinfo.Pairs
	CycleID  string
}

// Transport delivers uploads to one destination.
type Transport interface {
	Send(ctx context.Context, up Upload) error
	Close() error
}

// Options are shared by all transports.
type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Factory creates a Transport for a parsed destination URL. Query parameters
// of the URL carry transport-specific settings.
type Factory func(dest *url.URL, opts Options) (Transport, error)

// Factories maps URL schemes to transport factories.
type Factories map[string]Factory

// Schemes returns the registered schemes, sorted.
func (f Factories) Schemes() []string {
	s := make([]string, 0, len(f))
	for k := range f {
		s = append(s, k)
	}
	slices.Sort(s)
	return s
}

// Open parses dest and creates the transport registered for its scheme.
func Open(dest string, factories Factories, opts Options) (Transport, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("parse destination %q: %w", dest, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil, fmt.Errorf("destination %q has no scheme", dest)
	}
	factory, ok := factories[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported destination scheme %q (supported: %s)",
			scheme, strings.Join(factories.Schemes(), ", "))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	t, err := factory(u, opts)
	if err != nil {
		return nil, fmt.Errorf("%s transport: %w", scheme, err)
	}
	return t, nil
}

// Params flattens a URL's query into single-valued parameters. The first
// value of a repeated key wins.
func Params(u *url.URL) map[string]string {
	q := u.Query()
	params := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

// Func adapts a function to a Transport with a no-op Close.
type Func func(ctx context.Context, up Upload) error

// Send implements Transport.
func (f Func) Send(ctx context.Context, up Upload) error { return f(ctx, up) }

// Close implements Transport.
func (Func) Close() error { return nil }
