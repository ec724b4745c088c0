package stream

import (
	"bytes"
	"strings"
)

// LineDecoder reassembles newline-delimited records out of an unbounded
// byte stream. Chunks may be empty, may end mid-rune, and may carry any
// number of record boundaries; the decoder buffers at byte level, and
// since '\n' never occurs inside a multi-byte UTF-8 sequence, framing on
// the raw bytes keeps split runes intact across chunks.
//
// A decoder instance is single-use per stream and not safe for
// concurrent use.
type LineDecoder struct {
	buf bytes.Buffer
}

// NewLineDecoder creates a decoder with an empty accumulator
func NewLineDecoder() *LineDecoder {
	return &LineDecoder{}
}

// Write consumes the next chunk and returns every record completed by
// it, trimmed and in arrival order. Blank lines are skipped. The
// remainder after the last newline stays buffered for the next chunk.
func (d *LineDecoder) Write(chunk []byte) []string {
	if len(chunk) > 0 {
		d.buf.Write(chunk)
	}

	var records []string
	for {
		data := d.buf.Bytes()
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSpace(string(data[:nl]))
		d.buf.Next(nl + 1)
		if line == "" {
			continue
		}
		records = append(records, line)
	}
	return records
}

// Flush emits the unterminated remainder once the stream has ended.
// Returns false when nothing (or only whitespace) is buffered, so a
// body with a trailing newline flushes to nothing.
func (d *LineDecoder) Flush() (string, bool) {
	line := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	if line == "" {
		return "", false
	}
	return line, true
}
