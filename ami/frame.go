// Package ami speaks the Asterisk Manager Interface: a line-oriented TCP
// protocol where each message is a block of "Key: Value" lines terminated by
// a blank line. The session component maintains the connection and login,
// the frame decoder turns the byte stream into field maps, and the event
// layer tags the frames the correlator cares about.
package ami

import (
	"bytes"
	"strings"
)

// frameTerminator separates messages on the wire.
var frameTerminator = []byte("\r\n\r\n")

// Frame is one decoded manager message: field names mapped to values. Field
// names keep the casing Asterisk sends.
type Frame map[string]string

// Get returns the named field or the empty string when absent.
func (f Frame) Get(key string) string {
	return f[key]
}

// Decoder accumulates raw bytes from the socket and yields complete frames.
// Bytes after the last terminator stay buffered until more data arrives, so
// messages split across reads decode intact.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes and returns every complete frame now available, in
// wire order. Frames with no parseable fields are dropped.
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf.Write(data)

	var frames []Frame
	for {
		raw := d.buf.Bytes()
		idx := bytes.Index(raw, frameTerminator)
		if idx < 0 {
			break
		}
		block := string(raw[:idx])
		d.buf.Next(idx + len(frameTerminator))

		if f := parseFrame(block); len(f) > 0 {
			frames = append(frames, f)
		}
	}
	return frames
}

// Pending reports how many buffered bytes await a terminator.
func (d *Decoder) Pending() int {
	return d.buf.Len()
}

// Reset discards any buffered partial frame. Called after a read failure so a
// reconnected session never decodes a message stitched from two connections.
func (d *Decoder) Reset() {
	d.buf.Reset()
}

// parseFrame splits a message block into fields. Each line divides at the
// first colon with both sides trimmed; lines without a colon carry no field
// and are skipped.
func parseFrame(block string) Frame {
	f := make(Frame)
	for _, line := range strings.Split(block, "\r\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		f[key] = strings.TrimSpace(value)
	}
	return f
}
