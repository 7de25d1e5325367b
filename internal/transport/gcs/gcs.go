// Package gcs delivers each upload as an object in a Google Cloud Storage
// bucket.
package gcs

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"logupload/internal/logging"
	"logupload/internal/transport"
)

// Config holds GCS transport configuration.
type Config struct {
	Bucket string
	Prefix string

	// Endpoint overrides the JSON API endpoint, e.g. for an emulator.
	Endpoint string

	// Anonymous skips credential discovery.
	Anonymous bool

	Timeout time.Duration
	Logger  *slog.Logger

	// Now stamps object names. Defaults to time.Now.
	Now func() time.Time
}

// Transport writes one object per upload.
type Transport struct {
	cfg    Config
	client *storage.Client
	logger *slog.Logger
}

// New creates a GCS transport. Credentials follow Application Default
// Credentials unless Anonymous is set.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "transport", "type", "gcs"),
	}, nil
}

// NewFactory returns a transport.Factory for gs://bucket/prefix destinations.
// Query parameters: endpoint, anonymous.
func NewFactory() transport.Factory {
	return func(dest *url.URL, opts transport.Options) (transport.Transport, error) {
		params := transport.Params(dest)
		anonymous, _ := strconv.ParseBool(params["anonymous"])
		return New(context.Background(), Config{
			Bucket:    dest.Host,
			Prefix:    strings.Trim(dest.Path, "/"),
			Endpoint:  params["endpoint"],
			Anonymous: anonymous,
			Timeout:   opts.Timeout,
			Logger:    opts.Logger,
		})
	}
}

// ObjectName returns the object name for an upload stamped at t.
func (t *Transport) ObjectName(up transport.Upload, at time.Time) string {
	name := strconv.FormatInt(at.UnixNano(), 10)
	if up.CycleID != "" {
		name += "-" + up.CycleID
	}
	return path.Join(t.cfg.Prefix, up.Target, name)
}

// Send implements transport.Transport. The object is written in a single
// request.
func (t *Transport) Send(ctx context.Context, up transport.Upload) error {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	name := t.ObjectName(up, t.cfg.Now())
	w := t.client.Bucket(t.cfg.Bucket).Object(name).NewWriter(ctx)
	w.ChunkSize = 0
	w.DisableAutoChecksum = true
	w.ContentType = "application/octet-stream"
	if up.Encoding != "" && up.Encoding != "identity" {
		w.ContentEncoding = up.Encoding
	}
	w.Metadata = up.Metadata.Map()

	if _, err := w.Write(up.Payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", t.cfg.Bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write gs://%s/%s: %w", t.cfg.Bucket, name, err)
	}
	t.logger.Debug("upload stored", "bucket", t.cfg.Bucket, "object", name, "bytes", len(up.Payload))
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	return t.client.Close()
}
