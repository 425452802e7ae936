package devtools

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/remotedeck/pkg/logging"
)

// ReconnectPolicy configures the supervisor.
//
// Exponential keeps its historical name: the schedule it switches on is
// linear in the attempt number (BaseDelay * attempt), not a power-of-two
// curve. This differs deliberately from the per-operation retry schedule in
// pkg/retry; the two must not be unified.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Exponential bool
}

// Supervisor drives bounded, backoff-delayed reconnection after the session
// reports transport loss. It is triggered by the session's loss callback,
// never by a caller-initiated disconnect.
type Supervisor struct {
	policy  ReconnectPolicy
	connect func(context.Context) error
	log     *logging.Logger

	// sleep is swapped out in tests; a started delay runs to completion.
	sleep func(time.Duration)

	mu         sync.Mutex
	inProgress bool
	attempts   int
	exhausted  bool
	onResult   func(error)
}

// NewSupervisor creates a supervisor that re-establishes the session through
// connect. The supervisor holds only that capability, never the session's
// transport handle.
func NewSupervisor(connect func(context.Context) error, policy ReconnectPolicy, log *logging.Logger) *Supervisor {
	return &Supervisor{
		policy:  policy,
		connect: connect,
		log:     log,
		sleep:   time.Sleep,
	}
}

// SetResultHook registers a callback invoked once per supervision run: nil
// on success, ErrReconnectExhausted when the attempt budget runs out.
func (s *Supervisor) SetResultHook(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

// Trigger starts a supervision run. While a run is in progress further
// triggers are no-ops. A fresh trigger after exhaustion re-arms the attempt
// counter from zero.
func (s *Supervisor) Trigger() {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return
	}
	s.inProgress = true
	s.attempts = 0
	s.exhausted = false
	s.mu.Unlock()

	go s.run()
}

// run attempts reconnection until success or exhaustion. No error ever
// propagates out of this loop; a failed attempt schedules the next one.
func (s *Supervisor) run() {
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		delay := s.policy.BaseDelay
		if s.policy.Exponential {
			// Linear-in-attempts schedule, see ReconnectPolicy.
			delay = s.policy.BaseDelay * time.Duration(attempt)
		}

		s.log.Infof("reconnect attempt %d/%d in %v", attempt, s.policy.MaxAttempts, delay)
		s.sleep(delay)

		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()

		if err := s.connect(context.Background()); err != nil {
			s.log.Warnf("reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		s.inProgress = false
		hook := s.onResult
		s.mu.Unlock()

		s.log.Infof("reconnected after %d attempt(s)", attempt)
		if hook != nil {
			hook(nil)
		}
		return
	}

	s.mu.Lock()
	s.inProgress = false
	s.exhausted = true
	hook := s.onResult
	s.mu.Unlock()

	s.log.Errorf("giving up after %d reconnect attempts", s.policy.MaxAttempts)
	if hook != nil {
		hook(ErrReconnectExhausted)
	}
}

// Attempts returns the attempt counter (0 after a successful run).
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// InProgress reports whether a supervision run is active.
func (s *Supervisor) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// Exhausted reports whether the last run used up its attempt budget. It
// stays true until a fresh Trigger.
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}
