package mqtt

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"testing"
	"time"

	"logupload/internal/hostinfo"
	"logupload/internal/transport"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		dest   string
		broker string
		prefix string
		user   string
		pass   string
		client string
	}{
		{"mqtt://broker.local/devices/logs", "tcp://broker.local:1883", "devices/logs", "", "", ""},
		{"mqtt://broker.local:1999", "tcp://broker.local:1999", "", "", "", ""},
		{"mqtts://u:p@broker.local/x?client_id=box1", "ssl://broker.local:8883", "x", "u", "p", "box1"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.dest)
		if err != nil {
			t.Fatal(err)
		}
		cfg, err := parseDestination(u)
		if err != nil {
			t.Fatalf("%s: %v", tt.dest, err)
		}
		if cfg.Broker != tt.broker || cfg.Prefix != tt.prefix || cfg.Username != tt.user || cfg.Password != tt.pass || cfg.ClientID != tt.client {
			t.Errorf("%s: got %+v", tt.dest, cfg)
		}
	}
}

func TestParseDestinationRequiresHost(t *testing.T) {
	u, _ := url.Parse("mqtt:///logs")
	if _, err := parseDestination(u); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestNewDefaults(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883"})
	if tr.Topic("dmesg") != DefaultPrefix+"/dmesg" {
		t.Errorf("Topic = %q", tr.Topic("dmesg"))
	}
	if tr.cfg.ClientID == "" {
		t.Error("client id should be generated")
	}
	if tr.cfg.Timeout != transport.DefaultTimeout {
		t.Errorf("timeout = %v", tr.cfg.Timeout)
	}
}

func TestEnvelope(t *testing.T) {
	env := NewEnvelope(transport.Upload{
		Target:   "dmesg",
		Payload:  make([]byte, 10),
		Encoding: "deflate",
		Metadata: hostinfo.Pairs{{Key: "serial", Value: "G01"}},
		CycleID:  "c1",
	})
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"upload_id":"c1","target":"dmesg","encoding":"deflate","size":10,"metadata":[{"key":"serial","value":"G01"}]}`
	if string(b) != want {
		t.Errorf("envelope = %s\nwant      %s", b, want)
	}

	b, _ = json.Marshal(NewEnvelope(transport.Upload{Target: "x"}))
	if want := `{"target":"x","size":0,"metadata":[]}`; string(b) != want {
		t.Errorf("empty envelope = %s", b)
	}
}

func TestSendBrokerUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr, err := transport.Open("mqtt://"+addr+"/logs", transport.Factories{"mqtt": NewFactory()}, transport.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(context.Background(), transport.Upload{Target: "dmesg", Payload: []byte("x")}); err == nil {
		t.Fatal("expected error without a broker")
	}
}
