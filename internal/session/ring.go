package session

import "sync"

// defaultRingBytes is the default output ring capacity (256 KB).
const defaultRingBytes = 256 * 1024

// OutputRing is a bounded byte buffer holding the most recent terminal output
// for replay to a reconnecting client. When full, the oldest bytes are
// discarded; the buffer never grows past its capacity.
type OutputRing struct {
	mu   sync.Mutex
	data []byte
	max  int
}

// NewOutputRing creates a ring with the given byte capacity.
// If max <= 0, defaultRingBytes is used.
func NewOutputRing(max int) *OutputRing {
	if max <= 0 {
		max = defaultRingBytes
	}
	return &OutputRing{max: max}
}

// Write appends p, trimming from the front once capacity is exceeded.
func (r *OutputRing) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p) >= r.max {
		r.data = append(r.data[:0], p[len(p)-r.max:]...)
		return
	}
	r.data = append(r.data, p...)
	if len(r.data) > r.max {
		r.data = append(r.data[:0:0], r.data[len(r.data)-r.max:]...)
	}
}

// Snapshot returns a copy of the buffered output.
func (r *OutputRing) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// Len returns the number of buffered bytes.
func (r *OutputRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}
