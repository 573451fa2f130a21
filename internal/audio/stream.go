package audio

import (
	"errors"
	"sync"
)

// ErrStreamClosed is returned when writing to a released microphone stream
var ErrStreamClosed = errors.New("microphone stream closed")

// MicStream is the inbound microphone feed of one call: 16-bit mono PCM
// pushed by the transport and drained by the activity monitor.
type MicStream struct {
	id         string
	sampleRate int
	buf        *RingBuffer

	mu     sync.RWMutex
	active bool
	total  int64
}

// NewMicStream creates an active stream buffering up to bufferSize bytes
func NewMicStream(id string, sampleRate, bufferSize int) *MicStream {
	return &MicStream{
		id:         id,
		sampleRate: sampleRate,
		buf:        NewRingBuffer(bufferSize),
		active:     true,
	}
}

// ID returns the stream identifier
func (s *MicStream) ID() string {
	return s.id
}

// SampleRate returns the PCM sample rate in Hz
func (s *MicStream) SampleRate() int {
	return s.sampleRate
}

// Write appends PCM to the stream
func (s *MicStream) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return 0, ErrStreamClosed
	}
	n := s.buf.Write(pcm)
	s.total += int64(len(pcm))
	return n, nil
}

// Read drains up to len(p) buffered bytes
func (s *MicStream) Read(p []byte) int {
	return s.buf.Read(p)
}

// Available returns the number of buffered bytes
func (s *MicStream) Available() int {
	return s.buf.Available()
}

// BytesReceived returns the total bytes written over the stream lifetime
func (s *MicStream) BytesReceived() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Active reports whether the stream is still open
func (s *MicStream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Tracks returns the number of live tracks on the stream, 1 while open and 0 once released
func (s *MicStream) Tracks() int {
	if s.Active() {
		return 1
	}
	return 0
}

// Close releases the stream. Safe to call more than once.
func (s *MicStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil
	}
	s.active = false
	s.buf.Clear()
	return nil
}
