// Package http delivers uploads to a collector with an HTTP POST.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"logupload/internal/logging"
	"logupload/internal/transport"
)

// maxErrorBody caps how much of a rejection body is kept for the error.
const maxErrorBody = 512

// Transport POSTs each upload to <base>/upload/<target>. Metadata travels as
// query parameters in extraction order.
type Transport struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// Config holds HTTP transport configuration.
type Config struct {
	// Base is the collector URL; the upload path is appended to it.
	Base *url.URL

	// Client overrides the HTTP client. Its Timeout is left alone.
	Client *http.Client

	Logger *slog.Logger
}

// New creates an HTTP transport.
func New(cfg Config) *Transport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	base := *cfg.Base
	base.RawQuery = ""
	base.Fragment = ""
	return &Transport{
		base:   &base,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "transport", "type", "http"),
	}
}

// NewFactory returns a transport.Factory for http and https destinations.
func NewFactory() transport.Factory {
	return func(dest *url.URL, opts transport.Options) (transport.Transport, error) {
		if dest.Host == "" {
			return nil, fmt.Errorf("destination %q has no host", dest.Redacted())
		}
		return New(Config{
			Base:   dest,
			Client: &http.Client{Timeout: opts.Timeout},
			Logger: opts.Logger,
		}), nil
	}
}

// Endpoint returns the URL an upload for target is posted to, metadata
// included.
func (t *Transport) Endpoint(up transport.Upload) string {
	u := *t.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/upload/" + up.Target
	u.RawPath = ""

	// url.Values.Encode sorts keys; build the query by hand to keep order.
	var q strings.Builder
	for i, kv := range up.Metadata {
		if i > 0 {
			q.WriteByte('&')
		}
		q.WriteString(url.QueryEscape(kv.Key))
		q.WriteByte('=')
		q.WriteString(url.QueryEscape(kv.Value))
	}
	u.RawQuery = q.String()
	return u.String()
}

// Send implements transport.Transport. Any non-2xx status is ErrRejected.
func (t *Transport) Send(ctx context.Context, up transport.Upload) error {
	endpoint := t.Endpoint(up)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(up.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = int64(len(up.Payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	if up.Encoding != "" && up.Encoding != "identity" {
		req.Header.Set("Content-Encoding", up.Encoding)
	}
	if up.CycleID != "" {
		req.Header.Set("X-Upload-ID", up.CycleID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s: %s", transport.ErrRejected, resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	t.logger.Debug("upload accepted", "target", up.Target, "bytes", len(up.Payload), "status", resp.StatusCode)
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
