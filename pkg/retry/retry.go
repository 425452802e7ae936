// Package retry wraps a single remote operation with bounded retry and
// exponential backoff, widening the attempt budget while a grace window is
// open.
//
// This schedule (initialDelay * 2^(attempt-1)) is a true exponential curve.
// It is deliberately distinct from the reconnect supervisor's linear
// schedule in pkg/devtools; the two must not be unified.
package retry

import (
	"time"

	"github.com/entrhq/remotedeck/pkg/logging"
)

// GraceChecker reports whether a grace window is open. Satisfied by
// *lifecycle.Tracker.
type GraceChecker interface {
	InAnyGrace() bool
}

// StatusFunc supplies connection diagnostics for the exhaustion report.
type StatusFunc func() (connected bool, connectedFor time.Duration)

// Policy configures an Executor. Immutable after construction.
type Policy struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	GraceMinAttempts int
}

// Executor runs operations under a Policy.
type Executor struct {
	policy Policy
	grace  GraceChecker
	status StatusFunc
	log    *logging.Logger

	// sleep is swapped out in tests; a started backoff runs to completion.
	sleep func(time.Duration)
}

// NewExecutor creates an executor. status may be nil when no connection
// diagnostics are available.
func NewExecutor(policy Policy, grace GraceChecker, status StatusFunc, log *logging.Logger) *Executor {
	return &Executor{
		policy: policy,
		grace:  grace,
		status: status,
		log:    log,
		sleep:  time.Sleep,
	}
}

// Do runs op until it yields a non-nil value or the attempt budget runs out,
// then returns nil.
//
// A nil value without an error means the operation ran but found nothing;
// that is retried exactly like an error. op must return an untyped nil for
// "nothing", never a typed nil pointer.
//
// The budget is widened to GraceMinAttempts when a grace window is open at
// call start; the decision is made once, so a sequence that straddles grace
// expiry keeps the budget it started with. On exhaustion a diagnostic is
// logged unless a grace window is still open, since failures while the
// remote UI initializes are expected.
func (e *Executor) Do(name string, op func() (any, error)) any {
	budget := e.policy.MaxAttempts
	if e.grace.InAnyGrace() && e.policy.GraceMinAttempts > budget {
		budget = e.policy.GraceMinAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		value, err := op()
		if err == nil && value != nil {
			return value
		}
		if err != nil {
			lastErr = err
		}
		if attempt < budget {
			e.sleep(e.policy.InitialDelay << (attempt - 1))
		}
	}

	if !e.grace.InAnyGrace() {
		connected, connectedFor := false, time.Duration(0)
		if e.status != nil {
			connected, connectedFor = e.status()
		}
		e.log.Errorf("operation %q exhausted %d attempts (connected=%v, connected_for=%v, last_err=%v)",
			name, budget, connected, connectedFor, lastErr)
	} else {
		e.log.Debugf("operation %q exhausted %d attempts during grace window", name, budget)
	}
	return nil
}
