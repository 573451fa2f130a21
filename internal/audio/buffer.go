package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for realtime audio data. When the
// buffer is full the oldest bytes are overwritten so a slow reader always sees
// the most recent audio.
type RingBuffer struct {
	buffer  []byte
	size    int
	read    int
	write   int
	dropped int64
	mu      sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write writes data to the ring buffer, discarding the oldest unread bytes
// when there is not enough space. Returns the number of bytes written.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	// Only the newest size-1 bytes can ever be held
	if capacity := rb.size - 1; len(data) > capacity {
		rb.dropped += int64(len(data) - capacity)
		data = data[len(data)-capacity:]
	}

	for _, b := range data {
		if (rb.write+1)%rb.size == rb.read {
			rb.read = (rb.read + 1) % rb.size
			rb.dropped++
		}
		rb.buffer[rb.write] = b
		rb.write = (rb.write + 1) % rb.size
	}

	return len(data)
}

// Read reads data from the ring buffer
// Returns the number of bytes read
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := 0; i < len(data); i++ {
		if rb.read == rb.write {
			break // Buffer empty
		}

		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}

	return read
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Space returns the number of bytes that can be written without dropping data
func (rb *RingBuffer) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size - rb.available() - 1 // -1 to prevent full/empty ambiguity
}

// Dropped returns the total number of bytes overwritten before they were read
func (rb *RingBuffer) Dropped() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.dropped
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.read == rb.write
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return (rb.write+1)%rb.size == rb.read
}
