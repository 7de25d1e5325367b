// Package mqtt delivers uploads to an MQTT broker.
//
// MQTT 3.1.1 messages carry no headers, so each upload is published as two
// QoS 1 messages from the same client: a JSON envelope on <topic>/meta
// followed by the payload on <topic>, where topic is <prefix>/<target>.
// Ordered delivery keeps the pair adjacent for a subscriber.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"logupload/internal/hostinfo"
	"logupload/internal/logging"
	"logupload/internal/transport"
)

// DefaultPrefix is the topic prefix used when the destination has no path.
const DefaultPrefix = "logupload"

const qos = 1

// Config holds MQTT transport configuration.
type Config struct {
	// Broker is a paho broker URL such as tcp://host:1883 or ssl://host:8883.
	Broker   string
	Prefix   string
	ClientID string
	Username string
	Password string //nolint:gosec // G117: config field, not a hardcoded credential
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Envelope is the JSON document published ahead of each payload.
type Envelope struct {
	UploadID string          `json:"upload_id,omitempty"`
	Target   string          `json:"target"`
	Encoding string          `json:"encoding,omitempty"`
	Size     int             `json:"size"`
	Metadata []hostinfo.Pair `json:"metadata"`
}

// Transport publishes uploads over one lazily established connection.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client pahomqtt.Client
}

// New creates an MQTT transport. The broker is first contacted on Send.
func New(cfg Config) *Transport {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "logupload-" + uuid.NewString()[:8]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	return &Transport{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "transport", "type", "mqtt"),
	}
}

// NewFactory returns a transport.Factory for mqtt://host:port/prefix and
// mqtts://host:port/prefix destinations. Query parameter: client_id.
// Credentials come from the URL's user info.
func NewFactory() transport.Factory {
	return func(dest *url.URL, opts transport.Options) (transport.Transport, error) {
		cfg, err := parseDestination(dest)
		if err != nil {
			return nil, err
		}
		cfg.Timeout = opts.Timeout
		cfg.Logger = opts.Logger
		return New(cfg), nil
	}
}

func parseDestination(dest *url.URL) (Config, error) {
	if dest.Hostname() == "" {
		return Config{}, fmt.Errorf("destination %q has no host", dest.Redacted())
	}
	scheme, port := "tcp", "1883"
	if strings.EqualFold(dest.Scheme, "mqtts") {
		scheme, port = "ssl", "8883"
	}
	host := dest.Host
	if dest.Port() == "" {
		host = dest.Hostname() + ":" + port
	}

	cfg := Config{
		Broker:   scheme + "://" + host,
		Prefix:   strings.Trim(dest.Path, "/"),
		ClientID: transport.Params(dest)["client_id"],
	}
	if dest.User != nil {
		cfg.Username = dest.User.Username()
		cfg.Password, _ = dest.User.Password()
	}
	return cfg, nil
}

// Topic returns the payload topic for target.
func (t *Transport) Topic(target string) string {
	return t.cfg.Prefix + "/" + target
}

func (t *Transport) conn(ctx context.Context) (pahomqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil && t.client.IsConnected() {
		return t.client, nil
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(t.cfg.ClientID).
		SetConnectTimeout(t.cfg.Timeout).
		SetWriteTimeout(t.cfg.Timeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetOrderMatters(true)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username).SetPassword(t.cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	if err := wait(ctx, client.Connect(), t.cfg.Timeout); err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.cfg.Broker, err)
	}
	t.logger.Info("mqtt connected", "broker", t.cfg.Broker)
	t.client = client
	return client, nil
}

// Send implements transport.Transport. It returns once the broker has
// acknowledged both messages.
func (t *Transport) Send(ctx context.Context, up transport.Upload) error {
	client, err := t.conn(ctx)
	if err != nil {
		return err
	}

	env, err := json.Marshal(NewEnvelope(up))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	topic := t.Topic(up.Target)
	if err := wait(ctx, client.Publish(topic+"/meta", qos, false, env), t.cfg.Timeout); err != nil {
		return fmt.Errorf("publish %s/meta: %w", topic, err)
	}
	// paho may hold the payload until the broker acknowledges it.
	payload := append([]byte(nil), up.Payload...)
	if err := wait(ctx, client.Publish(topic, qos, false, payload), t.cfg.Timeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	t.logger.Debug("upload published", "topic", topic, "bytes", len(payload))
	return nil
}

// NewEnvelope describes an upload for the metadata message.
func NewEnvelope(up transport.Upload) Envelope {
	md := up.Metadata
	if md == nil {
		md = hostinfo.Pairs{}
	}
	return Envelope{
		UploadID: up.CycleID,
		Target:   up.Target,
		Encoding: up.Encoding,
		Size:     len(up.Payload),
		Metadata: md,
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(250)
		t.client = nil
	}
	return nil
}

func wait(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return pahomqtt.TimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}
