package logging

import (
	"os"
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer implementing io.Writer.
// Old data is silently overwritten once the buffer is full, so it always
// holds the most recent bytes written.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of oldest byte
	n     int // bytes currently stored
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1 * 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Writes larger than the buffer keep only the
// trailing bytes.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := len(p)
	size := len(rb.buf)
	if len(p) >= size {
		copy(rb.buf, p[len(p)-size:])
		rb.start = 0
		rb.n = size
		return written, nil
	}

	end := (rb.start + rb.n) % size
	tail := size - end
	if len(p) <= tail {
		copy(rb.buf[end:], p)
	} else {
		copy(rb.buf[end:], p[:tail])
		copy(rb.buf, p[tail:])
	}

	rb.n += len(p)
	if rb.n > size {
		// Overwrote the oldest bytes; advance start past them.
		rb.start = (rb.start + rb.n - size) % size
		rb.n = size
	}
	return written, nil
}

// Bytes returns the buffer contents in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.n)
	size := len(rb.buf)
	first := size - rb.start
	if first > rb.n {
		first = rb.n
	}
	copy(out, rb.buf[rb.start:rb.start+first])
	copy(out[first:], rb.buf[:rb.n-first])
	return out
}

// DumpToFile writes the ring buffer contents to a file in chronological order.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
