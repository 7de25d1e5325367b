package kafka

import (
	"context"
	"net/url"
	"testing"
	"time"

	"logupload/internal/hostinfo"
	"logupload/internal/transport"
)

func mustParse(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestParseDestinationMinimal(t *testing.T) {
	cfg, err := parseDestination(mustParse(t, "kafka://localhost:9092/logs"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Brokers) != 1 || cfg.Brokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.Brokers)
	}
	if cfg.Topic != "logs" {
		t.Errorf("topic = %q", cfg.Topic)
	}
	if cfg.TLS {
		t.Error("TLS should be false by default")
	}
	if cfg.SASL != nil {
		t.Error("SASL should be nil by default")
	}
}

func TestParseDestinationExtraBrokers(t *testing.T) {
	cfg, err := parseDestination(mustParse(t, "kafka://broker1:9092/logs?brokers=broker2:9092,%20broker3:9092&tls=true"))
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"broker1:9092", "broker2:9092", "broker3:9092"}
	if len(cfg.Brokers) != len(expected) {
		t.Fatalf("expected %d brokers, got %v", len(expected), cfg.Brokers)
	}
	for i, b := range cfg.Brokers {
		if b != expected[i] {
			t.Errorf("broker %d: expected %q, got %q", i, expected[i], b)
		}
	}
	if !cfg.TLS {
		t.Error("tls=true should enable TLS")
	}
}

func TestParseDestinationRequiresTopic(t *testing.T) {
	if _, err := parseDestination(mustParse(t, "kafka://localhost:9092/")); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := parseDestination(mustParse(t, "kafka://localhost:9092/a/b")); err == nil {
		t.Fatal("expected error for nested topic path")
	}
}

func TestParseDestinationRequiresBrokers(t *testing.T) {
	if _, err := parseDestination(mustParse(t, "kafka:///logs")); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
}

func TestParseDestinationSASL(t *testing.T) {
	cfg, err := parseDestination(mustParse(t, "kafka://b:9092/logs?sasl_mechanism=SCRAM-SHA-256&sasl_user=u&sasl_password=p"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SASL == nil || cfg.SASL.Mechanism != "scram-sha-256" || cfg.SASL.User != "u" || cfg.SASL.Password != "p" {
		t.Errorf("SASL = %+v", cfg.SASL)
	}

	if _, err := parseDestination(mustParse(t, "kafka://b:9092/logs?sasl_mechanism=gssapi")); err == nil {
		t.Fatal("expected error for unsupported mechanism")
	}
}

func TestRecord(t *testing.T) {
	rec := Record("logs", transport.Upload{
		Target:   "dmesg",
		Payload:  []byte("payload"),
		Encoding: "zstd",
		Metadata: hostinfo.Pairs{{Key: "serial", Value: "G01"}, {Key: "platform", Value: "GFRG200"}},
		CycleID:  "abc",
	})
	if rec.Topic != "logs" || string(rec.Key) != "dmesg" || string(rec.Value) != "payload" {
		t.Errorf("record = %+v", rec)
	}
	want := []struct{ k, v string }{
		{"serial", "G01"},
		{"platform", "GFRG200"},
		{HeaderEncoding, "zstd"},
		{HeaderUploadID, "abc"},
	}
	if len(rec.Headers) != len(want) {
		t.Fatalf("headers = %v", rec.Headers)
	}
	for i, w := range want {
		if rec.Headers[i].Key != w.k || string(rec.Headers[i].Value) != w.v {
			t.Errorf("header %d = %s=%s, want %s=%s", i, rec.Headers[i].Key, rec.Headers[i].Value, w.k, w.v)
		}
	}
}

func TestSendUnreachableBrokerFails(t *testing.T) {
	tr, err := transport.Open("kafka://127.0.0.1:1/logs",
		transport.Factories{"kafka": NewFactory()},
		transport.Options{Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	done := make(chan error, 1)
	go func() {
		done <- tr.Send(context.Background(), transport.Upload{Target: "dmesg", Payload: []byte("x")})
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected produce to fail without a broker")
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Send did not honor its timeout")
	}
}
