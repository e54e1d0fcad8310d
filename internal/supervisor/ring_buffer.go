package supervisor

import "sync"

// RingBuffer is a fixed-capacity circular buffer of backend output lines.
// It keeps the tail of the output for diagnostics after an unexpected exit.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []OutputLine
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]OutputLine, capacity),
		capacity: capacity,
	}
}

// Write adds a line to the ring buffer.
func (rb *RingBuffer) Write(line OutputLine) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = line
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all lines in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []OutputLine {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]OutputLine, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]OutputLine, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Tail returns at most n of the most recent lines, all of them when
// n <= 0.
func (rb *RingBuffer) Tail(n int) []OutputLine {
	all := rb.ReadAll()
	if n > 0 && n < len(all) {
		return all[len(all)-n:]
	}
	return all
}
