package codec

import "fmt"

// chunkSize bounds how much input a single Write hands the compressor, and so
// how far its output may run ahead of the consumed input.
const chunkSize = 16 * 1024

// CompressInPlace compresses buf[:n] and leaves the result in buf[:m],
// returning m. buf must extend past the payload with enough slack for the
// codec's worst-case expansion; it is never written past len(buf).
func CompressInPlace(c Codec, buf []byte, n int) (int, error) {
	if n < 0 || n > len(buf) {
		return 0, fmt.Errorf("payload length %d outside buffer of %d bytes", n, len(buf))
	}

	// Park the payload at the end so output can grow from the front.
	src := len(buf) - n
	copy(buf[src:], buf[:n])

	out := &boundedWriter{buf: buf}
	zw, err := c.NewWriter(out)
	if err != nil {
		return 0, fmt.Errorf("%s: new writer: %w", c.Name(), err)
	}

	for off := src; off < len(buf); off += chunkSize {
		end := min(off+chunkSize, len(buf))
		out.limit = off
		if _, err := zw.Write(buf[off:end]); err != nil {
			_ = zw.Close()
			return 0, fmt.Errorf("%s: compress: %w", c.Name(), err)
		}
	}

	// Every input byte has been handed over; the whole buffer is fair game.
	out.limit = len(buf)
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("%s: flush: %w", c.Name(), err)
	}
	return out.n, nil
}

// boundedWriter appends into buf but never at or beyond limit.
type boundedWriter struct {
	buf   []byte
	n     int
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > w.limit {
		return 0, ErrInsufficientSlack
	}
	w.n += copy(w.buf[w.n:], p)
	return len(p), nil
}
