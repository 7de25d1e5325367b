// Package nats delivers uploads as NATS messages published to
// <prefix>.<target>.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"logupload/internal/logging"
	"logupload/internal/transport"
)

// DefaultPrefix is the subject prefix used when the destination has no path.
const DefaultPrefix = "logupload"

// HeaderEncoding carries the payload's content-coding.
const HeaderEncoding = "Content-Encoding"

// Config holds NATS transport configuration.
type Config struct {
	// URL is the server URL handed to nats.Connect.
	URL     string
	Prefix  string
	Name    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Transport publishes uploads over one lazily established connection.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	nc *natsgo.Conn
}

// New creates a NATS transport. The server is first contacted on Send.
func New(cfg Config) *Transport {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	return &Transport{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "transport", "type", "nats"),
	}
}

// NewFactory returns a transport.Factory for nats://host:port/prefix
// destinations. The path, with slashes turned into dots, is the subject
// prefix. Query parameter: name (client connection name).
func NewFactory() transport.Factory {
	return func(dest *url.URL, opts transport.Options) (transport.Transport, error) {
		if dest.Host == "" {
			return nil, fmt.Errorf("destination %q has no host", dest.Redacted())
		}
		server := url.URL{Scheme: "nats", Host: dest.Host, User: dest.User}
		params := transport.Params(dest)
		return New(Config{
			URL:     server.String(),
			Prefix:  strings.ReplaceAll(strings.Trim(dest.Path, "/"), "/", "."),
			Name:    params["name"],
			Timeout: opts.Timeout,
			Logger:  opts.Logger,
		}), nil
	}
}

// Subject returns the subject an upload for target is published to.
func (t *Transport) Subject(target string) string {
	return t.cfg.Prefix + "." + target
}

func (t *Transport) conn() (*natsgo.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc != nil && !t.nc.IsClosed() {
		return t.nc, nil
	}
	nc, err := natsgo.Connect(t.cfg.URL, func(o *natsgo.Options) error {
		if t.cfg.Name != "" {
			o.Name = t.cfg.Name
		}
		o.Timeout = t.cfg.Timeout
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.cfg.URL, err)
	}
	t.logger.Info("nats connected", "url", nc.ConnectedUrlRedacted())
	t.nc = nc
	return nc, nil
}

// Send implements transport.Transport. It returns after the server has
// processed the publish.
func (t *Transport) Send(ctx context.Context, up transport.Upload) error {
	nc, err := t.conn()
	if err != nil {
		return err
	}
	if limit := nc.MaxPayload(); int64(len(up.Payload)) > limit {
		return fmt.Errorf("payload of %d bytes exceeds server limit of %d", len(up.Payload), limit)
	}

	msg := natsgo.NewMsg(t.Subject(up.Target))
	msg.Data = up.Payload
	for _, kv := range up.Metadata {
		msg.Header.Add(kv.Key, kv.Value)
	}
	if up.Encoding != "" {
		msg.Header.Set(HeaderEncoding, up.Encoding)
	}
	if up.CycleID != "" {
		msg.Header.Set(natsgo.MsgIdHdr, up.CycleID)
	}

	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Subject, err)
	}
	t.logger.Debug("upload published", "subject", msg.Subject, "bytes", len(up.Payload))
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc != nil {
		t.nc.Close()
		t.nc = nil
	}
	return nil
}
