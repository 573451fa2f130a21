package session

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallSession is the state of one active call: who is talking to whom, what
// has been said and the resources the call holds.
type CallSession struct {
	id        string
	deviceID  string
	character Character
	startedAt time.Time

	mu        sync.RWMutex
	history   []Utterance
	intensity float64
	state     TurnState
	resources []namedResource
	released  bool
	onRelease []func()
}

type namedResource struct {
	name string
	c    io.Closer
}

// New creates a session in the Idle state
func New(deviceID string, character Character, intensity float64) *CallSession {
	return &CallSession{
		id:        uuid.New().String(),
		deviceID:  deviceID,
		character: character,
		startedAt: time.Now(),
		intensity: clampIntensity(intensity),
		state:     StateIdle,
	}
}

// ID returns the session id
func (s *CallSession) ID() string { return s.id }

// DeviceID returns the owning device
func (s *CallSession) DeviceID() string { return s.deviceID }

// Character returns the companion profile
func (s *CallSession) Character() Character { return s.character }

// StartedAt returns when the session was created
func (s *CallSession) StartedAt() time.Time { return s.startedAt }

// Append adds an utterance to the history
func (s *CallSession) Append(u Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSessionEnded
	}
	s.history = append(s.history, u)
	return nil
}

// Recent returns up to the n most recent utterances, oldest first
func (s *CallSession) Recent(n int) []Utterance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Utterance, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// Transcript returns the full history
func (s *CallSession) Transcript() []Utterance {
	return s.Recent(0)
}

// Counts returns the number of user and AI utterances
func (s *CallSession) Counts() (user, ai int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.history {
		if u.Speaker == SpeakerUser {
			user++
		} else {
			ai++
		}
	}
	return user, ai
}

// Intensity returns the relationship intensity scalar in [0,1]
func (s *CallSession) Intensity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intensity
}

// AdjustIntensity moves the intensity by delta, clamped to [0,1]
func (s *CallSession) AdjustIntensity(delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intensity = clampIntensity(s.intensity + delta)
	return s.intensity
}

// State returns the current turn state
func (s *CallSession) State() TurnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState records the current turn state
func (s *CallSession) SetState(state TurnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Attach registers a resource released with the session. Resources are
// closed in reverse order of attachment.
func (s *CallSession) Attach(name string, c io.Closer) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		_ = c.Close()
		return ErrSessionEnded
	}
	s.resources = append(s.resources, namedResource{name: name, c: c})
	s.mu.Unlock()
	return nil
}

// OnRelease registers fn to run after resources are released
func (s *CallSession) OnRelease(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRelease = append(s.onRelease, fn)
}

// Released reports whether Release has run
func (s *CallSession) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

// Release closes every attached resource and moves the session to Ended.
// Only the first call has any effect; it returns the close errors keyed by resource name.
func (s *CallSession) Release() map[string]error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.state = StateEnded
	resources := s.resources
	s.resources = nil
	hooks := s.onRelease
	s.onRelease = nil
	s.mu.Unlock()

	var errs map[string]error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].c.Close(); err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[resources[i].name] = err
		}
	}
	for _, fn := range hooks {
		fn()
	}
	return errs
}

// CloserFunc adapts a function to io.Closer
type CloserFunc func() error

// Close calls f
func (f CloserFunc) Close() error { return f() }

func clampIntensity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
