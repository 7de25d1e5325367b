// Package codec compresses a cycle's payload in place inside the arena.
//
// Codecs are ordinary streaming compressors. CompressInPlace feeds them the
// payload from the end of the buffer and lets them write forward from the
// start, refusing any write that would reach input not yet consumed.
package codec

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DefaultName is the codec used when none is configured. zlib at its
// fastest level: bandwidth is plentiful on the device, CPU is not.
const DefaultName = "zlib"

// ErrInsufficientSlack means the compressed output would overrun unread input
// or the end of the buffer.
var ErrInsufficientSlack = errors.New("insufficient slack for in-place compression")

// Codec produces a streaming compressor.
type Codec interface {
	Name() string
	// ContentEncoding is the HTTP Content-Encoding token for the output.
	ContentEncoding() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

var registry = map[string]Codec{
	"zlib":   zlibCodec{},
	"gzip":   gzipCodec{},
	"zstd":   zstdCodec{},
	"lz4":    lz4Codec{},
	"brotli": brotliCodec{},
	"none":   noneCodec{},
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (supported: %v)", name, Names())
	}
	return c, nil
}

// Names lists the registered codecs in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type zlibCodec struct{}

func (zlibCodec) Name() string            { return "zlib" }
func (zlibCodec) ContentEncoding() string { return "deflate" }
func (zlibCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zlib.NewWriterLevel(w, zlib.BestSpeed)
}

type gzipCodec struct{}

func (gzipCodec) Name() string            { return "gzip" }
func (gzipCodec) ContentEncoding() string { return "gzip" }
func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, gzip.BestSpeed)
}

type zstdCodec struct{}

func (zstdCodec) Name() string            { return "zstd" }
func (zstdCodec) ContentEncoding() string { return "zstd" }
func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
}

type lz4Codec struct{}

func (lz4Codec) Name() string            { return "lz4" }
func (lz4Codec) ContentEncoding() string { return "lz4" }
func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

type brotliCodec struct{}

func (brotliCodec) Name() string            { return "brotli" }
func (brotliCodec) ContentEncoding() string { return "br" }
func (brotliCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return brotli.NewWriterLevel(w, brotli.BestSpeed), nil
}

type noneCodec struct{}

func (noneCodec) Name() string            { return "none" }
func (noneCodec) ContentEncoding() string { return "identity" }
func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopCloser{w}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
