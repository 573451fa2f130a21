package resilience

import (
	"sync"
	"time"
)

// Timer runs at most one pending callback. Scheduling again replaces the
// pending callback, and a cancelled callback never runs even if its timer
// already fired.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	seq   uint64
}

// Schedule arranges for fn to run after d, replacing any pending callback
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.seq != seq || t.timer == nil {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback, if any
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.seq++
}

// Pending reports whether a callback is scheduled and has not yet run
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
