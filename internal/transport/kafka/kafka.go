// Package kafka delivers uploads as records produced to a Kafka topic with
// franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"logupload/internal/logging"
	"logupload/internal/transport"
)

// maxRecordBytes lets a full-size upload through as a single record.
const maxRecordBytes = 16 << 20

// Header keys added next to the metadata headers.
const (
	HeaderEncoding = "content-encoding"
	HeaderUploadID = "upload-id"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka transport configuration.
type Config struct {
	Brokers []string
	Topic   string
	TLS     bool
	SASL    *SASLConfig
	Timeout time.Duration
	Logger  *slog.Logger
}

// Transport produces one record per upload, keyed by the upload target.
type Transport struct {
	cfg    Config
	client *kgo.Client
	logger *slog.Logger
}

// New creates a Kafka transport. Brokers are contacted lazily on first Send.
func New(cfg Config) (*Transport, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchMaxBytes(maxRecordBytes),
		kgo.ProducerBatchCompression(kgo.NoCompression()),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.Timeout))
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "transport", "type", "kafka"),
	}, nil
}

// NewFactory returns a transport.Factory for kafka://broker[,broker]/topic
// destinations. Query parameters: brokers (extra seed brokers), tls,
// sasl_mechanism, sasl_user, sasl_password.
func NewFactory() transport.Factory {
	return func(dest *url.URL, opts transport.Options) (transport.Transport, error) {
		cfg, err := parseDestination(dest)
		if err != nil {
			return nil, err
		}
		cfg.Timeout = opts.Timeout
		cfg.Logger = opts.Logger
		return New(cfg)
	}
}

func parseDestination(dest *url.URL) (Config, error) {
	params := transport.Params(dest)

	var brokers []string
	for _, list := range []string{dest.Host, params["brokers"]} {
		for b := range strings.SplitSeq(list, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	if len(brokers) == 0 {
		return Config{}, fmt.Errorf("no brokers in %q", dest.Redacted())
	}

	topic := strings.Trim(dest.Path, "/")
	if topic == "" {
		return Config{}, fmt.Errorf("no topic in %q", dest.Redacted())
	}
	if strings.Contains(topic, "/") {
		return Config{}, fmt.Errorf("invalid topic %q", topic)
	}

	cfg := Config{
		Brokers: brokers,
		Topic:   topic,
		TLS:     params["tls"] == "true",
	}
	if mech := params["sasl_mechanism"]; mech != "" {
		switch strings.ToLower(mech) {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return Config{}, fmt.Errorf("unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
		}
		cfg.SASL = &SASLConfig{
			Mechanism: strings.ToLower(mech),
			User:      params["sasl_user"],
			Password:  params["sasl_password"],
		}
	}
	return cfg, nil
}

// Record builds the record an upload is produced as.
func Record(topic string, up transport.Upload) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(up.Metadata)+2)
	for _, kv := range up.Metadata {
		headers = append(headers, kgo.RecordHeader{Key: kv.Key, Value: []byte(kv.Value)})
	}
	if up.Encoding != "" {
		headers = append(headers, kgo.RecordHeader{Key: HeaderEncoding, Value: []byte(up.Encoding)})
	}
	if up.CycleID != "" {
		headers = append(headers, kgo.RecordHeader{Key: HeaderUploadID, Value: []byte(up.CycleID)})
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(up.Target),
		Value:   up.Payload,
		Headers: headers,
	}
}

// Send implements transport.Transport. It returns once the broker has
// acknowledged the record or the produce has failed.
func (t *Transport) Send(ctx context.Context, up transport.Upload) error {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	// The payload aliases the cycle buffer; the client must not keep it.
	rec := Record(t.cfg.Topic, up)
	rec.Value = append([]byte(nil), up.Payload...)

	if err := t.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", t.cfg.Topic, err)
	}
	t.logger.Debug("upload produced",
		"topic", rec.Topic,
		"partition", rec.Partition,
		"offset", rec.Offset,
		"bytes", len(rec.Value),
	)
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.client.Close()
	return nil
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
