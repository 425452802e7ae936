package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/remotedeck/pkg/config"
	"github.com/entrhq/remotedeck/pkg/logging"
)

type fakeSession struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectCalls int
	disconnects  int
	host         string
	port         int
	connectedAt  time.Time
	lossFn       func()
	evalCalls    []string

	// onEvaluate overrides the default response of "true" for every script.
	onEvaluate func(expr string) (string, error)
}

func newFakeSession(port int) *fakeSession {
	return &fakeSession{host: "127.0.0.1", port: port}
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.connectedAt = time.Now()
	return nil
}

func (f *fakeSession) Evaluate(ctx context.Context, expression string, awaitPromise, returnByValue bool) (json.RawMessage, error) {
	f.mu.Lock()
	f.evalCalls = append(f.evalCalls, expression)
	hook := f.onEvaluate
	f.mu.Unlock()

	if hook != nil {
		raw, err := hook(expression)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}
	return json.RawMessage("true"), nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	f.connectedAt = time.Time{}
}

func (f *fakeSession) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) ConnectedSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectedAt
}

func (f *fakeSession) SetEndpoint(host string, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.host = host
	f.port = port
}

func (f *fakeSession) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

func (f *fakeSession) OnLoss(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lossFn = fn
}

// dropConnection mimics the real session's loss sequence: state is reset
// before the callback fires.
func (f *fakeSession) dropConnection() {
	f.mu.Lock()
	f.connected = false
	f.connectedAt = time.Time{}
	fn := f.lossFn
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeSession) callCount(expression string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.evalCalls {
		if call == expression {
			count++
		}
	}
	return count
}

type fakeLauncher struct {
	mu            sync.Mutex
	readySequence []bool
	readyCalls    int
	detectCalls   int
	detectErr     error
	launchCalls   int
	launchErr     error
}

func (f *fakeLauncher) DetectPath(override string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCalls++
	if f.detectErr != nil {
		return "", f.detectErr
	}
	return "/opt/player/player", nil
}

func (f *fakeLauncher) Launch(path string, debugPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchCalls++
	return f.launchErr
}

func (f *fakeLauncher) WaitForPortReady(port, maxAttempts int, interval time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	if len(f.readySequence) == 0 {
		return true
	}
	ready := f.readySequence[0]
	f.readySequence = f.readySequence[1:]
	return ready
}

type fakeTracker struct {
	mu            sync.Mutex
	markLaunched  int
	markConnected int
	resetLaunch   int
	inGrace       bool
}

func (f *fakeTracker) MarkLaunched() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markLaunched++
}

func (f *fakeTracker) MarkConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markConnected++
}

func (f *fakeTracker) ResetLaunch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLaunch++
}

func (f *fakeTracker) InLaunchGrace() bool  { return f.InAnyGrace() }
func (f *fakeTracker) InConnectGrace() bool { return f.InAnyGrace() }

func (f *fakeTracker) InAnyGrace() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inGrace
}

func (f *fakeTracker) counts() (launched, connected, reset int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markLaunched, f.markConnected, f.resetLaunch
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ConnectTimeout = config.Duration(time.Second)
	cfg.Reconnect.BaseDelay = config.Duration(time.Millisecond)
	cfg.UIReady.Timeout = config.Duration(20 * time.Millisecond)
	cfg.UIReady.PollInterval = config.Duration(time.Millisecond)
	cfg.Retry.InitialDelay = config.Duration(time.Millisecond)
	cfg.Launcher.PortWaitAttempts = 2
	cfg.Launcher.PortWaitInterval = config.Duration(time.Millisecond)
	return cfg
}

func testController(t *testing.T, sess *fakeSession, launch *fakeLauncher) (*Controller, *fakeTracker) {
	t.Helper()
	log, _ := logging.NewLogger("controller-test")
	t.Cleanup(func() { _ = log.Close() })

	c := New(testConfig(), log, WithSession(sess), WithLauncher(launch), WithInstallID("test-install"))
	tracker := &fakeTracker{}
	c.tracker = tracker
	return c, tracker
}

func TestEnsureReadyLaunchesAndConnects(t *testing.T) {
	sess := newFakeSession(9222)
	launch := &fakeLauncher{readySequence: []bool{false, true}}
	c, tracker := testController(t, sess, launch)

	require.NoError(t, c.EnsureReady(context.Background()))

	assert.Equal(t, 1, launch.detectCalls)
	assert.Equal(t, 1, launch.launchCalls)
	assert.Equal(t, 1, sess.connectCalls)
	assert.Equal(t, StateReady, c.Status().State)

	launched, connected, _ := tracker.counts()
	assert.Equal(t, 1, launched)
	assert.Equal(t, 1, connected)
}

func TestEnsureReadyIdempotentWhenConnected(t *testing.T) {
	sess := newFakeSession(9222)
	sess.connected = true
	sess.connectedAt = time.Now()
	launch := &fakeLauncher{}
	c, tracker := testController(t, sess, launch)

	require.NoError(t, c.EnsureReady(context.Background()))
	require.NoError(t, c.EnsureReady(context.Background()))

	assert.Zero(t, launch.detectCalls)
	assert.Zero(t, launch.launchCalls)
	assert.Zero(t, launch.readyCalls)
	assert.Zero(t, sess.connectCalls)

	launched, connected, reset := tracker.counts()
	assert.Zero(t, launched, "grace windows must not restart on a no-op readiness check")
	assert.Zero(t, connected)
	assert.Zero(t, reset)
}

func TestEnsureReadyConcurrentCallersShareOneLaunch(t *testing.T) {
	sess := newFakeSession(9222)
	launch := &fakeLauncher{readySequence: []bool{false, true}}
	c, tracker := testController(t, sess, launch)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = c.EnsureReady(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}

	// One caller does the work; the rest queue and take the connected
	// fast path.
	assert.Equal(t, 1, launch.detectCalls)
	assert.Equal(t, 1, launch.launchCalls)
	assert.Equal(t, 1, sess.connectCalls)

	launched, connected, _ := tracker.counts()
	assert.Equal(t, 1, launched)
	assert.Equal(t, 1, connected)
}

func TestEnsureReadySkipsLaunchWhenPortOpen(t *testing.T) {
	sess := newFakeSession(9222)
	launch := &fakeLauncher{readySequence: []bool{true}}
	c, _ := testController(t, sess, launch)

	require.NoError(t, c.EnsureReady(context.Background()))

	assert.Zero(t, launch.detectCalls)
	assert.Zero(t, launch.launchCalls)
	assert.Equal(t, 1, sess.connectCalls)
}

func TestEnsureReadyDetectFailure(t *testing.T) {
	sess := newFakeSession(9222)
	launch := &fakeLauncher{
		readySequence: []bool{false},
		detectErr:     fmt.Errorf("no install found"),
	}
	c, tracker := testController(t, sess, launch)

	err := c.EnsureReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, StateFailed, c.Status().State)

	// The launch never happened, so its grace window must be withdrawn.
	launched, _, reset := tracker.counts()
	assert.Equal(t, 1, launched)
	assert.Equal(t, 1, reset)
	assert.Zero(t, sess.connectCalls)
}

func TestEnsureReadyPortNeverReady(t *testing.T) {
	sess := newFakeSession(9222)
	launch := &fakeLauncher{readySequence: []bool{false, false}}
	c, _ := testController(t, sess, launch)

	err := c.EnsureReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, 1, launch.launchCalls)
	assert.Zero(t, sess.connectCalls)
}

func TestEnsureReadyConnectFailure(t *testing.T) {
	sess := newFakeSession(9222)
	sess.connectErr = errors.New("handshake failed")
	launch := &fakeLauncher{readySequence: []bool{true}}
	c, tracker := testController(t, sess, launch)

	err := c.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.Status().State)

	_, connected, _ := tracker.counts()
	assert.Zero(t, connected)
}

func TestSetPortUnchangedIsNoop(t *testing.T) {
	sess := newFakeSession(9222)
	sess.connected = true
	c, _ := testController(t, sess, &fakeLauncher{})

	assert.False(t, c.SetPort(9222))
	assert.Zero(t, sess.disconnects)
	assert.True(t, sess.IsConnected())
}

func TestSetPortChangeDropsSession(t *testing.T) {
	sess := newFakeSession(9222)
	sess.connected = true
	c, _ := testController(t, sess, &fakeLauncher{})

	assert.True(t, c.SetPort(9223))
	assert.Equal(t, 1, sess.disconnects)
	assert.Equal(t, 9223, sess.Port())
	assert.Equal(t, StateNotReady, c.Status().State)
}

func TestSetPortConcurrentWithStatus(t *testing.T) {
	sess := newFakeSession(9222)
	c, _ := testController(t, sess, &fakeLauncher{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.SetPort(9223 + i%2)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = c.Status()
		}
	}()
	wg.Wait()

	status := c.Status()
	assert.Equal(t, StateNotReady, status.State)
	assert.Equal(t, sess.Port(), status.Port)
}

func TestTogglePlaybackRoutesThroughSession(t *testing.T) {
	sess := newFakeSession(9222)
	c, _ := testController(t, sess, &fakeLauncher{})

	require.NoError(t, c.TogglePlayback(context.Background()))
	assert.Equal(t, 1, sess.callCount(scriptTogglePlayback))
}

func TestTogglePlaybackWrapsError(t *testing.T) {
	sess := newFakeSession(9222)
	sess.onEvaluate = func(string) (string, error) {
		return "", errors.New("control not found")
	}
	c, _ := testController(t, sess, &fakeLauncher{})

	err := c.TogglePlayback(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toggle playback")
}

func TestIsPlaying(t *testing.T) {
	sess := newFakeSession(9222)
	sess.onEvaluate = func(expr string) (string, error) {
		require.Equal(t, scriptIsPlaying, expr)
		return "false", nil
	}
	c, _ := testController(t, sess, &fakeLauncher{})

	playing, err := c.IsPlaying(context.Background())
	require.NoError(t, err)
	assert.False(t, playing)
}

func TestGetMetadataRetriesUntilPopulated(t *testing.T) {
	sess := newFakeSession(9222)
	attempts := 0
	sess.onEvaluate = func(expr string) (string, error) {
		require.Equal(t, scriptNowPlaying, expr)
		attempts++
		if attempts < 3 {
			return "null", nil
		}
		return `{"title":"Song","artist":"Band","album":"Album","position":42,"duration":180}`, nil
	}
	c, _ := testController(t, sess, &fakeLauncher{})

	md, err := c.GetMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "Song", md.Title)
	assert.Equal(t, "Band", md.Artist)
	assert.Equal(t, 42.0, md.PositionSeconds)
}

func TestGetMetadataExhaustion(t *testing.T) {
	sess := newFakeSession(9222)
	sess.onEvaluate = func(string) (string, error) { return "null", nil }
	c, _ := testController(t, sess, &fakeLauncher{})

	md, err := c.GetMetadata(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMetadataUnavailable)
	assert.Nil(t, md)
	// Outside grace the budget is the base three attempts.
	assert.Equal(t, 3, sess.callCount(scriptNowPlaying))
}

func TestGetMetadataGraceWidensBudget(t *testing.T) {
	sess := newFakeSession(9222)
	sess.onEvaluate = func(string) (string, error) { return "null", nil }
	c, tracker := testController(t, sess, &fakeLauncher{})
	tracker.inGrace = true

	_, err := c.GetMetadata(context.Background())
	require.Error(t, err)
	assert.Equal(t, 4, sess.callCount(scriptNowPlaying))
}

func TestLossTriggersReconnect(t *testing.T) {
	sess := newFakeSession(9222)
	sess.connected = true
	sess.connectedAt = time.Now()
	c, tracker := testController(t, sess, &fakeLauncher{})

	sess.dropConnection()

	assert.Eventually(t, func() bool {
		return c.Status().State == StateReady
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, sess.connectCalls)
	_, connected, _ := tracker.counts()
	assert.Equal(t, 1, connected, "a successful reconnect opens a fresh connect grace window")
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	sess := newFakeSession(9222)
	sess.connected = true
	sess.connectedAt = time.Now()
	sess.connectErr = errors.New("refused")
	c, _ := testController(t, sess, &fakeLauncher{})

	sess.dropConnection()

	assert.Eventually(t, func() bool {
		status := c.Status()
		return status.ReconnectExhausted && status.State == StateNotReady
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, testConfig().Reconnect.MaxAttempts, sess.connectCalls)
}

func TestCloseNeverTriggersReconnect(t *testing.T) {
	sess := newFakeSession(9222)
	sess.connected = true
	c, _ := testController(t, sess, &fakeLauncher{})

	c.Close()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sess.connectCalls)
	assert.Equal(t, StateNotReady, c.Status().State)
}

func TestStatusSnapshot(t *testing.T) {
	sess := newFakeSession(9222)
	sess.connected = true
	sess.connectedAt = time.Now().Add(-time.Minute)
	c, _ := testController(t, sess, &fakeLauncher{})

	status := c.Status()
	assert.Equal(t, "test-install", status.InstallID)
	assert.True(t, status.Connected)
	assert.GreaterOrEqual(t, status.ConnectedFor, time.Minute)
	assert.Equal(t, 9222, status.Port)
	assert.Equal(t, "127.0.0.1", status.Host)
}
