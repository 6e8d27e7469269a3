// Package bridge relays bytes between an attached container exec stream and
// the session layer. The container runtime multiplexes stdout and stderr over
// one transport channel using an 8-byte frame header; the decoder here splits
// that stream back into discrete payloads, tolerating frames that arrive
// fragmented across reads.
package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream types carried in the first header octet.
const (
	streamStdin  = 0
	streamStdout = 1
	streamStderr = 2
)

// headerLen is the fixed frame header size: stream type octet, three reserved
// octets, then a big-endian uint32 payload length.
const headerLen = 8

// maxFramePayload rejects absurd frame lengths so a corrupted stream cannot
// make the decoder buffer unboundedly.
const maxFramePayload = 16 * 1024 * 1024

// Decoder incrementally parses the multiplexed frame protocol. Feed accepts
// byte chunks split at arbitrary boundaries; a frame is consumed only once
// its header and full payload are buffered. Stdout payloads are handed to the
// callback; stderr payloads are parsed and deliberately dropped to keep the
// terminal view clean. No framing bytes ever reach the callback.
type Decoder struct {
	onStdout func(p []byte)
	buf      []byte
}

func NewDecoder(onStdout func(p []byte)) *Decoder {
	return &Decoder{onStdout: onStdout}
}

// Feed appends a chunk and emits every complete frame now available.
func (d *Decoder) Feed(p []byte) error {
	d.buf = append(d.buf, p...)
	for {
		if len(d.buf) < headerLen {
			if len(d.buf) == 0 {
				d.buf = nil
			}
			return nil
		}
		kind := d.buf[0]
		if kind > streamStderr {
			return fmt.Errorf("unknown stream type 0x%02x in frame header", kind)
		}
		size := binary.BigEndian.Uint32(d.buf[4:headerLen])
		if size > maxFramePayload {
			return fmt.Errorf("frame payload of %d bytes exceeds limit", size)
		}
		if len(d.buf) < headerLen+int(size) {
			return nil
		}
		payload := d.buf[headerLen : headerLen+int(size)]
		if kind == streamStdout {
			d.onStdout(payload)
		}
		d.buf = d.buf[headerLen+int(size):]
	}
}

// Buffered returns the number of bytes held back waiting for a complete
// frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// CopyOutput pumps the attach stream through a Decoder until the stream
// closes or errors. A clean EOF returns nil; anything else, including a
// framing violation, is returned to the caller.
func CopyOutput(r io.Reader, onStdout func(p []byte)) error {
	dec := NewDecoder(onStdout)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if derr := dec.Feed(buf[:n]); derr != nil {
				return derr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
