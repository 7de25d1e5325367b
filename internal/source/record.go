package source

import (
	"bytes"
	"fmt"
	"strconv"
)

// record is one /dev/kmsg entry:
//
//	<prio>,<seq>,<usec since boot>,<flags>[,...];<text>\n[ KEY=VALUE\n...]
type record struct {
	prio int
	seq  uint64
	usec uint64
	text []byte
}

// parseRecord decodes a single read(2) result from /dev/kmsg. text aliases b.
func parseRecord(b []byte) (record, error) {
	semi := bytes.IndexByte(b, ';')
	if semi < 0 {
		return record{}, fmt.Errorf("%w: missing ';' in %q", ErrParse, truncate(b))
	}
	fields := bytes.Split(b[:semi], []byte{','})
	if len(fields) < 4 {
		return record{}, fmt.Errorf("%w: want at least 4 header fields, got %d", ErrParse, len(fields))
	}
	prio, err := strconv.Atoi(string(fields[0]))
	if err != nil || prio < 0 {
		return record{}, fmt.Errorf("%w: bad priority %q", ErrParse, fields[0])
	}
	seq, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("%w: bad sequence %q", ErrParse, fields[1])
	}
	usec, err := strconv.ParseUint(string(fields[2]), 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("%w: bad timestamp %q", ErrParse, fields[2])
	}

	text := b[semi+1:]
	// Continuation lines (dictionary properties) follow the first newline.
	if nl := bytes.IndexByte(text, '\n'); nl >= 0 {
		text = text[:nl]
	}
	return record{prio: prio, seq: seq, usec: usec, text: text}, nil
}

// appendRecord renders r the way dmesg -r does: "<prio>[sssss.uuuuuu] text\n".
func appendRecord(dst []byte, r record) []byte {
	dst = append(dst, '<')
	dst = strconv.AppendInt(dst, int64(r.prio), 10)
	dst = append(dst, '>', '[')
	dst = appendPadded(dst, r.usec/1_000_000, 5, ' ')
	dst = append(dst, '.')
	dst = appendPadded(dst, r.usec%1_000_000, 6, '0')
	dst = append(dst, ']', ' ')
	dst = append(dst, r.text...)
	return append(dst, '\n')
}

func appendPadded(dst []byte, v uint64, width int, pad byte) []byte {
	var tmp [20]byte
	digits := strconv.AppendUint(tmp[:0], v, 10)
	for i := len(digits); i < width; i++ {
		dst = append(dst, pad)
	}
	return append(dst, digits...)
}

func truncate(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}
