// Package controller composes the session, supervisor, lifecycle tracker,
// retry executor and launcher into the operations a caller needs, hiding
// all session and retry plumbing.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/remotedeck/pkg/config"
	"github.com/entrhq/remotedeck/pkg/devtools"
	"github.com/entrhq/remotedeck/pkg/launcher"
	"github.com/entrhq/remotedeck/pkg/lifecycle"
	"github.com/entrhq/remotedeck/pkg/logging"
	"github.com/entrhq/remotedeck/pkg/retry"
)

// ErrLaunchFailed means the target process could not be located or started.
var ErrLaunchFailed = errors.New("failed to launch target application")

// ErrMetadataUnavailable means the now-playing metadata could not be read
// within the retry budget.
var ErrMetadataUnavailable = errors.New("now-playing metadata unavailable")

// State is the controller's top-level readiness state.
type State int32

const (
	StateNotReady State = iota
	StateLaunching
	StateConnecting
	StateUIWarmup
	StateReady
	StateReconnecting
	StateFailed
)

// String returns the state's string representation.
func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not-ready"
	case StateLaunching:
		return "launching"
	case StateConnecting:
		return "connecting"
	case StateUIWarmup:
		return "ui-warmup"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RemoteSession is the capability surface the controller needs from the
// debugging session. Satisfied by *devtools.Session.
type RemoteSession interface {
	Connect(ctx context.Context) error
	Evaluate(ctx context.Context, expression string, awaitPromise, returnByValue bool) (json.RawMessage, error)
	Disconnect()
	IsConnected() bool
	ConnectedSince() time.Time
	SetEndpoint(host string, port int)
	Port() int
	OnLoss(func())
}

// graceTracker is the lifecycle surface the controller needs. Satisfied by
// *lifecycle.Tracker.
type graceTracker interface {
	MarkLaunched()
	MarkConnected()
	ResetLaunch()
	InLaunchGrace() bool
	InConnectGrace() bool
	InAnyGrace() bool
}

// Metadata is the now-playing information extracted from the target UI.
type Metadata struct {
	Title           string  `json:"title"`
	Artist          string  `json:"artist"`
	Album           string  `json:"album"`
	PositionSeconds float64 `json:"position"`
	DurationSeconds float64 `json:"duration"`
}

// Status is a point-in-time snapshot for display.
type Status struct {
	State              State
	Connected          bool
	ConnectedFor       time.Duration
	Host               string
	Port               int
	InstallID          string
	ReconnectAttempts  int
	ReconnectExhausted bool
	InGrace            bool
}

// Controller is the process-wide facade. Exactly one logical target at a
// time; construct one instance and inject it into callers.
type Controller struct {
	cfg *config.Config
	log *logging.Logger

	mu    sync.Mutex // guards state and the cfg endpoint fields
	state State

	// ensureMu serializes EnsureReady: concurrent callers queue behind the
	// in-progress attempt and then take the connected fast path.
	ensureMu sync.Mutex

	session   RemoteSession
	launcher  launcher.Launcher
	tracker   graceTracker
	retrier   *retry.Executor
	super     *devtools.Supervisor
	installID string
}

// Option customizes a Controller; used to inject fakes in tests.
type Option func(*Controller)

// WithSession injects a session implementation.
func WithSession(s RemoteSession) Option {
	return func(c *Controller) { c.session = s }
}

// WithLauncher injects a launcher implementation.
func WithLauncher(l launcher.Launcher) Option {
	return func(c *Controller) { c.launcher = l }
}

// WithInstallID sets the durable installation identifier reported in Status.
func WithInstallID(id string) Option {
	return func(c *Controller) { c.installID = id }
}

// New creates the controller and wires the session's loss event into the
// reconnect supervisor. The supervisor is the loss callback's only
// subscriber.
func New(cfg *config.Config, log *logging.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		log:   log,
		state: StateNotReady,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.session == nil {
		c.session = devtools.NewSession(cfg.Host, cfg.Port, cfg.ConnectTimeout.Std(), log)
	}
	if c.launcher == nil {
		c.launcher = launcher.NewExecLauncher(log)
	}

	c.tracker = lifecycle.NewTracker(cfg.Grace.Duration.Std())
	c.retrier = retry.NewExecutor(retry.Policy{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		InitialDelay:     cfg.Retry.InitialDelay.Std(),
		GraceMinAttempts: cfg.Retry.GraceMinAttempts,
	}, c, c.connectionStatus, log)

	c.super = devtools.NewSupervisor(c.reconnect, devtools.ReconnectPolicy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay.Std(),
		Exponential: cfg.Reconnect.Exponential,
	}, log)
	c.super.SetResultHook(c.reconnectFinished)

	c.session.OnLoss(c.handleLoss)
	return c
}

// EnsureReady brings the controller to Ready: launch the target if its
// debug port is not up, connect the session, then wait (bounded) for the
// remote UI to come up. Already connected, it returns immediately without
// touching the launcher or the grace windows.
func (c *Controller) EnsureReady(ctx context.Context) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()

	if c.session.IsConnected() {
		return nil
	}

	c.setState(StateLaunching)
	c.tracker.MarkLaunched()
	_, port := c.endpoint()

	// A single short probe: an instance may already be running with the
	// debug port open, in which case launching a second one is wrong.
	alreadyUp := c.launcher.WaitForPortReady(port, 1, c.cfg.Launcher.PortWaitInterval.Std())
	if !alreadyUp {
		path, err := c.launcher.DetectPath(c.cfg.Launcher.Path)
		if err != nil {
			// The launch never happened; no grace window for it.
			c.tracker.ResetLaunch()
			c.setState(StateFailed)
			return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}
		if err := c.launcher.Launch(path, port); err != nil {
			c.tracker.ResetLaunch()
			c.setState(StateFailed)
			return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}
		if !c.launcher.WaitForPortReady(port, c.cfg.Launcher.PortWaitAttempts, c.cfg.Launcher.PortWaitInterval.Std()) {
			c.setState(StateFailed)
			return fmt.Errorf("%w: debug port %d never became ready", ErrLaunchFailed, port)
		}
	}

	c.setState(StateConnecting)
	if err := c.session.Connect(ctx); err != nil {
		c.setState(StateFailed)
		return err
	}
	c.tracker.MarkConnected()

	c.setState(StateUIWarmup)
	c.waitForUI(ctx)
	c.setState(StateReady)
	return nil
}

// waitForUI polls the readiness probe until it reports true or the bounded
// timeout elapses. A timeout does not fail readiness: later operations
// retry anyway, so the controller proceeds optimistically.
func (c *Controller) waitForUI(ctx context.Context) {
	deadline := time.Now().Add(c.cfg.UIReady.Timeout.Std())
	for time.Now().Before(deadline) {
		raw, err := c.session.Evaluate(ctx, scriptUIReady, false, true)
		if err == nil {
			var ready bool
			if json.Unmarshal(raw, &ready) == nil && ready {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.UIReady.PollInterval.Std()):
		}
	}
	c.log.Warnf("UI readiness probe timed out after %v, proceeding optimistically", c.cfg.UIReady.Timeout.Std())
}

// TogglePlayback presses the target's play/pause control.
func (c *Controller) TogglePlayback(ctx context.Context) error {
	if _, err := c.session.Evaluate(ctx, scriptTogglePlayback, true, false); err != nil {
		return fmt.Errorf("toggle playback: %w", err)
	}
	return nil
}

// IsPlaying reports whether the target is currently playing.
func (c *Controller) IsPlaying(ctx context.Context) (bool, error) {
	raw, err := c.session.Evaluate(ctx, scriptIsPlaying, false, true)
	if err != nil {
		return false, fmt.Errorf("read playback state: %w", err)
	}
	var playing bool
	if err := json.Unmarshal(raw, &playing); err != nil {
		return false, &devtools.DecodeError{What: "playback state", Err: err}
	}
	return playing, nil
}

// GetMetadata extracts now-playing metadata. Metadata rendering lags the
// rest of the UI, so the read goes through the retry executor; remote
// exceptions and decode failures are swallowed into the retry loop and only
// surface as a diagnostic once the budget is exhausted outside grace.
func (c *Controller) GetMetadata(ctx context.Context) (*Metadata, error) {
	value := c.retrier.Do("now-playing metadata", func() (any, error) {
		raw, err := c.session.Evaluate(ctx, scriptNowPlaying, true, true)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 || string(raw) == "null" {
			return nil, nil
		}
		var md Metadata
		if err := json.Unmarshal(raw, &md); err != nil {
			return nil, &devtools.DecodeError{What: "metadata payload", Err: err}
		}
		if md.Title == "" {
			// The widget exists but has not been populated yet.
			return nil, nil
		}
		return &md, nil
	})
	if value == nil {
		return nil, ErrMetadataUnavailable
	}
	return value.(*Metadata), nil
}

// SetPort changes the debugging port. Returns false without any disconnect
// or reconnect when the port is unchanged. On a change the session is
// dropped; the next EnsureReady reconnects on the new port.
func (c *Controller) SetPort(port int) bool {
	if port == c.session.Port() {
		return false
	}

	wasConnected := c.session.IsConnected()
	c.session.Disconnect()

	c.mu.Lock()
	host := c.cfg.Host
	c.cfg.Port = port
	c.mu.Unlock()

	c.session.SetEndpoint(host, port)
	c.setState(StateNotReady)

	c.log.Infof("debug port changed to %d (was connected: %v)", port, wasConnected)
	return true
}

// Status returns a snapshot for display.
func (c *Controller) Status() Status {
	connected, connectedFor := c.connectionStatus()
	host, _ := c.endpoint()
	return Status{
		State:              c.currentState(),
		Connected:          connected,
		ConnectedFor:       connectedFor,
		Host:               host,
		Port:               c.session.Port(),
		InstallID:          c.installID,
		ReconnectAttempts:  c.super.Attempts(),
		ReconnectExhausted: c.super.Exhausted(),
		InGrace:            c.tracker.InAnyGrace(),
	}
}

// Close tears the session down. It never triggers reconnection.
func (c *Controller) Close() {
	c.session.Disconnect()
	c.setState(StateNotReady)
}

// InAnyGrace implements retry.GraceChecker by delegating to the tracker.
func (c *Controller) InAnyGrace() bool { return c.tracker.InAnyGrace() }

// handleLoss is the session's loss callback. The session has already reset
// itself when this runs, so triggering the supervisor immediately is safe.
func (c *Controller) handleLoss() {
	c.setState(StateReconnecting)
	c.super.Trigger()
}

// reconnect is the capability handed to the supervisor.
func (c *Controller) reconnect(ctx context.Context) error {
	if err := c.session.Connect(ctx); err != nil {
		return err
	}
	c.tracker.MarkConnected()
	c.setState(StateReady)
	return nil
}

func (c *Controller) reconnectFinished(err error) {
	if err != nil {
		c.log.Errorf("reconnection abandoned: %v", err)
		c.setState(StateNotReady)
	}
}

// endpoint reads the configured host and port. Port is the one cfg field
// mutated after construction (by SetPort), so reads go through c.mu.
func (c *Controller) endpoint() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Host, c.cfg.Port
}

func (c *Controller) connectionStatus() (bool, time.Duration) {
	since := c.session.ConnectedSince()
	if since.IsZero() {
		return false, 0
	}
	return true, time.Since(since)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state != s {
		c.log.Debugf("controller state: %s -> %s", c.state, s)
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Controller) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
