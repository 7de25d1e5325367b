// Package azblob delivers each upload as a block blob in an Azure Storage
// container.
package azblob

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"logupload/internal/logging"
	"logupload/internal/transport"
)

// Config holds Azure Blob transport configuration.
type Config struct {
	// Endpoint is the service URL, e.g. https://<account>.blob.core.windows.net/.
	// It may carry a SAS token as its query.
	Endpoint   string
	Container  string
	Prefix     string
	Account    string
	AccountKey string //nolint:gosec // G117: config field, not a hardcoded credential

	Timeout time.Duration
	Logger  *slog.Logger

	// Now stamps blob names. Defaults to time.Now.
	Now func() time.Time
}

// Transport uploads one blob per upload.
type Transport struct {
	cfg    Config
	client *azblob.Client
	logger *slog.Logger
}

// New creates an Azure Blob transport. Shared-key auth is used when an
// account key is configured; otherwise the endpoint must authorize requests
// itself, typically with a SAS token.
func New(cfg Config) (*Transport, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("container is required")
	}
	if cfg.Endpoint == "" {
		if cfg.Account == "" {
			return nil, fmt.Errorf("endpoint or account_name is required")
		}
		cfg.Endpoint = "https://" + cfg.Account + ".blob.core.windows.net/"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}

	var (
		client *azblob.Client
		err    error
	)
	if cfg.AccountKey != "" {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("shared key: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(cfg.Endpoint, cred, opts)
	} else {
		client, err = azblob.NewClientWithNoCredential(cfg.Endpoint, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("azblob client: %w", err)
	}

	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "transport", "type", "azblob"),
	}, nil
}

// NewFactory returns a transport.Factory for azblob://container/prefix
// destinations. Query parameters: endpoint, account_name, account_key, sas.
func NewFactory() transport.Factory {
	return func(dest *url.URL, opts transport.Options) (transport.Transport, error) {
		params := transport.Params(dest)
		endpoint := params["endpoint"]
		if sas := params["sas"]; sas != "" {
			if endpoint == "" && params["account_name"] != "" {
				endpoint = "https://" + params["account_name"] + ".blob.core.windows.net/"
			}
			endpoint += "?" + strings.TrimPrefix(sas, "?")
		}
		return New(Config{
			Endpoint:   endpoint,
			Container:  dest.Host,
			Prefix:     strings.Trim(dest.Path, "/"),
			Account:    params["account_name"],
			AccountKey: params["account_key"],
			Timeout:    opts.Timeout,
			Logger:     opts.Logger,
		})
	}
}

// BlobName returns the blob name for an upload stamped at t.
func (t *Transport) BlobName(up transport.Upload, at time.Time) string {
	name := strconv.FormatInt(at.UnixNano(), 10)
	if up.CycleID != "" {
		name += "-" + up.CycleID
	}
	return path.Join(t.cfg.Prefix, up.Target, name)
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, up transport.Upload) error {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	name := t.BlobName(up, t.cfg.Now())
	meta := make(map[string]*string, len(up.Metadata))
	for _, kv := range up.Metadata {
		meta[kv.Key] = &kv.Value
	}
	headers := &blob.HTTPHeaders{
		BlobContentType: new("application/octet-stream"),
	}
	if up.Encoding != "" && up.Encoding != "identity" {
		headers.BlobContentEncoding = new(up.Encoding)
	}

	_, err := t.client.UploadBuffer(ctx, t.cfg.Container, name, up.Payload, &azblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: headers,
	})
	if err != nil {
		return fmt.Errorf("upload blob %s/%s: %w", t.cfg.Container, name, err)
	}
	t.logger.Debug("upload stored", "container", t.cfg.Container, "blob", name, "bytes", len(up.Payload))
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error { return nil }
