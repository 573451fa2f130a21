package session

import (
	"fmt"
	"sync"
)

// Registry enforces at most one active session per device
type Registry struct {
	mu       sync.Mutex
	byDevice map[string]*CallSession
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byDevice: make(map[string]*CallSession)}
}

// Register claims the device for s. A device whose previous session was
// released may be claimed again.
func (r *Registry) Register(s *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byDevice[s.DeviceID()]; ok && !existing.Released() {
		return fmt.Errorf("%w: device %s has session %s", ErrSessionAlreadyActive, s.DeviceID(), existing.ID())
	}
	r.byDevice[s.DeviceID()] = s
	s.OnRelease(func() { r.Unregister(s) })
	return nil
}

// Unregister removes s if it still owns its device
func (r *Registry) Unregister(s *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byDevice[s.DeviceID()]; ok && cur == s {
		delete(r.byDevice, s.DeviceID())
	}
}

// Get returns the active session for a device
func (r *Registry) Get(deviceID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDevice[deviceID]
	if !ok || s.Released() {
		return nil, false
	}
	return s, true
}

// Active returns the number of active sessions
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.byDevice {
		if !s.Released() {
			n++
		}
	}
	return n
}

// Sessions returns a snapshot of active sessions
func (r *Registry) Sessions() []*CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CallSession, 0, len(r.byDevice))
	for _, s := range r.byDevice {
		if !s.Released() {
			out = append(out, s)
		}
	}
	return out
}
