// Package s3 delivers each upload as an object in an S3-compatible bucket.
package s3

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"logupload/internal/logging"
	"logupload/internal/transport"
)

// DefaultRegion is used when neither the destination nor the environment
// names one.
const DefaultRegion = "us-east-1"

// Config holds S3 transport configuration.
type Config struct {
	Bucket string
	Prefix string

	// Region, Endpoint and static credentials override the SDK's default
	// resolution chain when set.
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string //nolint:gosec // G117: config field, not a hardcoded credential

	Timeout time.Duration
	Logger  *slog.Logger

	// Now stamps object keys. Defaults to time.Now.
	Now func() time.Time
}

// Transport puts one object per upload.
type Transport struct {
	cfg    Config
	client *awss3.Client
	logger *slog.Logger
}

// New creates an S3 transport.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = DefaultRegion
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.Retryer = aws.NopRetryer{}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "transport", "type", "s3"),
	}, nil
}

// NewFactory returns a transport.Factory for s3://bucket/prefix destinations.
// Query parameters: region, endpoint, path_style, access_key_id,
// secret_access_key.
func NewFactory() transport.Factory {
	return func(dest *url.URL, opts transport.Options) (transport.Transport, error) {
		params := transport.Params(dest)
		pathStyle, _ := strconv.ParseBool(cmp.Or(params["path_style"], "false"))
		return New(context.Background(), Config{
			Bucket:          dest.Host,
			Prefix:          strings.Trim(dest.Path, "/"),
			Region:          params["region"],
			Endpoint:        params["endpoint"],
			PathStyle:       pathStyle,
			AccessKeyID:     params["access_key_id"],
			SecretAccessKey: params["secret_access_key"],
			Timeout:         opts.Timeout,
			Logger:          opts.Logger,
		})
	}
}

// Key returns the object key for an upload stamped at t.
func (t *Transport) Key(up transport.Upload, at time.Time) string {
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

	key := t.Key(up, t.cfg.Now())
	input := &awss3.PutObjectInput{
		Bucket:        aws.String(t.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(up.Payload),
		ContentLength: aws.Int64(int64(len(up.Payload))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      up.Metadata.Map(),
	}
	if up.Encoding != "" && up.Encoding != "identity" {
		input.ContentEncoding = aws.String(up.Encoding)
	}

	if _, err := t.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", t.cfg.Bucket, key, err)
	}
	t.logger.Debug("upload stored", "bucket", t.cfg.Bucket, "key", key, "bytes", len(up.Payload))
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error { return nil }
