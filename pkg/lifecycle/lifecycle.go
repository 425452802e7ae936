// Package lifecycle tracks the two grace windows that suppress noisy
// failure reporting while the target's UI is still initializing: one opened
// when the target process is launched, one when the debugging session
// connects.
//
// Expiry is lazy: a window's activity is computed at query time from its
// start timestamp, so no timers are needed for a flag that is read rarely.
package lifecycle

import (
	"sync"
	"time"
)

// DefaultWindow is the fixed duration of each grace window.
const DefaultWindow = 10 * time.Second

// Tracker records the post-launch and post-connect grace windows. The two
// windows are independent: marking one never touches the other.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time

	launchActive  bool
	launchStart   time.Time
	connectActive bool
	connectStart  time.Time
}

// NewTracker creates a tracker with the given window duration; zero or
// negative means DefaultWindow.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window: window,
		now:    time.Now,
	}
}

// MarkLaunched opens the launch grace window.
func (t *Tracker) MarkLaunched() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.launchActive = true
	t.launchStart = t.now()
}

// MarkConnected opens the connect grace window.
func (t *Tracker) MarkConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectActive = true
	t.connectStart = t.now()
}

// ResetLaunch closes the launch window. Used when a launch attempt itself
// fails, so no grace opens for a launch that never happened.
func (t *Tracker) ResetLaunch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.launchActive = false
}

// InLaunchGrace reports whether the launch window is open. Reading past
// expiry deactivates the window.
func (t *Tracker) InLaunchGrace() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.launchActive = t.launchActive && t.now().Sub(t.launchStart) <= t.window
	return t.launchActive
}

// InConnectGrace reports whether the connect window is open, with the same
// lazy expiry as InLaunchGrace.
func (t *Tracker) InConnectGrace() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectActive = t.connectActive && t.now().Sub(t.connectStart) <= t.window
	return t.connectActive
}

// InAnyGrace reports whether either window is open. This is the predicate
// every error-suppression decision uses.
func (t *Tracker) InAnyGrace() bool {
	return t.InLaunchGrace() || t.InConnectGrace()
}
