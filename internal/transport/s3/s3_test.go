package s3

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"logupload/internal/hostinfo"
	"logupload/internal/transport"
)

type putRequest struct {
	method   string
	path     string
	encoding string
	meta     map[string]string
	body     []byte
}

func newS3Server(t *testing.T, status int) (*httptest.Server, <-chan putRequest) {
	t.Helper()
	ch := make(chan putRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		meta := make(map[string]string)
		for k, v := range r.Header {
			if rest, ok := strings.CutPrefix(strings.ToLower(k), "x-amz-meta-"); ok {
				meta[rest] = v[0]
			}
		}
		ch <- putRequest{
			method:   r.Method,
			path:     r.URL.Path,
			encoding: r.Header.Get("Content-Encoding"),
			meta:     meta,
			body:     body,
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func newTransport(t *testing.T, endpoint string) *Transport {
	t.Helper()
	tr, err := New(context.Background(), Config{
		Bucket:          "diag",
		Prefix:          "devices/logs",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		PathStyle:       true,
		AccessKeyID:     "AKIDTEST",
		SecretAccessKey: "secret",
		Timeout:         5 * time.Second,
		Now:             func() time.Time { return time.Unix(1700000000, 42) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestSendPutsObject(t *testing.T) {
	srv, ch := newS3Server(t, http.StatusOK)
	tr := newTransport(t, srv.URL)

	up := transport.Upload{
		Target:   "dmesg",
		Payload:  []byte("compressed"),
		Encoding: "zstd",
		Metadata: hostinfo.Pairs{{Key: "serial", Value: "G01"}, {Key: "platform", Value: "GFRG200"}},
		CycleID:  "c1",
	}
	if err := tr.Send(context.Background(), up); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := <-ch
	if got.method != http.MethodPut {
		t.Errorf("method = %s", got.method)
	}
	if want := "/diag/devices/logs/dmesg/1700000000000000042-c1"; got.path != want {
		t.Errorf("path = %q, want %q", got.path, want)
	}
	if got.encoding != "zstd" {
		t.Errorf("Content-Encoding = %q", got.encoding)
	}
	if got.meta["serial"] != "G01" || got.meta["platform"] != "GFRG200" {
		t.Errorf("metadata = %v", got.meta)
	}
	if !bytes.Equal(got.body, up.Payload) {
		t.Errorf("body = %q", got.body)
	}
}

func TestSendRejected(t *testing.T) {
	srv, ch := newS3Server(t, http.StatusForbidden)
	tr := newTransport(t, srv.URL)

	err := tr.Send(context.Background(), transport.Upload{Target: "dmesg", Payload: []byte("x")})
	<-ch
	if err == nil {
		t.Fatal("expected error for 403")
	}
}

func TestKeyWithoutPrefixOrCycleID(t *testing.T) {
	tr := &Transport{cfg: Config{Bucket: "b"}}
	got := tr.Key(transport.Upload{Target: "dmesg"}, time.Unix(0, 5))
	if got != "dmesg/5" {
		t.Errorf("Key = %q", got)
	}
}

func TestFactoryParsesDestination(t *testing.T) {
	u, _ := url.Parse("s3://diag/a/b/?region=eu-west-1&endpoint=http://127.0.0.1:9000&path_style=true&access_key_id=k&secret_access_key=s")
	tr, err := NewFactory()(u, transport.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	cfg := tr.(*Transport).cfg
	if cfg.Bucket != "diag" || cfg.Prefix != "a/b" || cfg.Region != "eu-west-1" || !cfg.PathStyle || cfg.Endpoint != "http://127.0.0.1:9000" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestFactoryRequiresBucket(t *testing.T) {
	u, _ := url.Parse("s3:///prefix")
	if _, err := NewFactory()(u, transport.Options{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
