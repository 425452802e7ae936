// Package devtools maintains the single debugging-protocol session to the
// target application's embedded browser surface and recovers it when the
// target crashes or restarts.
package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/entrhq/remotedeck/pkg/logging"
)

// State is the session connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state's string representation.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Session is the single logical connection to the debugging endpoint.
//
// Connect is idempotent and single-flight: concurrent callers share one
// underlying connection attempt. State transitions (connect, disconnect,
// loss handling) are serialized behind a mutex; Evaluate calls may run
// concurrently and are correlated to replies by request id.
type Session struct {
	mu          sync.Mutex // guards state transitions, conn, connectedAt, lossFn
	state       State
	conn        *websocket.Conn
	connectedAt time.Time
	lossFn      func()

	host           string
	port           int
	connectTimeout time.Duration

	flight  singleflight.Group
	writeMu sync.Mutex // gorilla connections do not support concurrent writes

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan callOutcome

	log *logging.Logger
}

type callOutcome struct {
	resp *response
	err  error
}

// NewSession creates a session targeting host:port. No connection is opened
// until Connect is called.
func NewSession(host string, port int, connectTimeout time.Duration, log *logging.Logger) *Session {
	return &Session{
		state:          StateDisconnected,
		host:           host,
		port:           port,
		connectTimeout: connectTimeout,
		pending:        make(map[int64]chan callOutcome),
		log:            log,
	}
}

// SetEndpoint changes the target endpoint. It does not touch an existing
// connection; callers disconnect first if the endpoint actually changed.
func (s *Session) SetEndpoint(host string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
	s.port = port
}

// Port returns the configured debugging port.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether a live handle exists.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// ConnectedSince returns when the current connection was established, or the
// zero time when disconnected.
func (s *Session) ConnectedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// OnLoss registers the callback invoked when the transport reports
// connection loss. Exactly one subscriber is supported; a later registration
// replaces the earlier one. The callback only fires for asynchronous loss,
// never for a caller-initiated Disconnect, and always observes the session
// already reset to disconnected.
func (s *Session) OnLoss(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lossFn = fn
}

// Connect establishes the session. Already connected, it returns nil
// immediately. While an attempt is in flight, all callers await that
// attempt's outcome; no duplicate connections race.
func (s *Session) Connect(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}
	// The in-flight attempt runs under the first caller's context; joiners
	// share its result. A terminal outcome retires the flight so the next
	// Connect starts fresh.
	_, err, _ := s.flight.Do("connect", func() (any, error) {
		return nil, s.connect(ctx)
	})
	return err
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	host, port := s.host, s.port
	s.mu.Unlock()

	wsURL, err := s.discoverTarget(ctx, host, port)
	if err != nil {
		s.resetDisconnected()
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.connectTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		s.resetDisconnected()
		return classifyConnectErr("dial debugger websocket", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn)

	// Page lifecycle and runtime evaluation are enabled as one atomic
	// precondition: if either fails the whole connect fails.
	if err := s.enableDomains(ctx); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.state = StateDisconnected
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("enable protocol domains: %w", err)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.mu.Unlock()

	s.log.Infof("connected to debugging endpoint %s:%d", host, port)
	return nil
}

// discoverTarget asks the endpoint's HTTP surface for the page target's
// websocket URL.
func (s *Session) discoverTarget(ctx context.Context, host string, port int) (string, error) {
	listURL := fmt.Sprintf("http://%s/json/list", net.JoinHostPort(host, strconv.Itoa(port)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return "", fmt.Errorf("build target discovery request: %w", err)
	}

	client := &http.Client{Timeout: s.connectTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", classifyConnectErr("discover debugging target", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discover debugging target: unexpected status %d", resp.StatusCode)
	}

	var targets []targetInfo
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", &DecodeError{What: "target list", Err: err}
	}

	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no page target exposed at %s", listURL)
}

func (s *Session) enableDomains(ctx context.Context) error {
	if _, err := s.call(ctx, "Page.enable", nil); err != nil {
		return err
	}
	_, err := s.call(ctx, "Runtime.enable", nil)
	return err
}

// Evaluate runs a JavaScript expression in the target page. awaitPromise
// waits for a returned promise to settle; returnByValue requests the raw
// value instead of a remote object reference.
//
// An exception thrown by the expression is returned as *RemoteError; a
// malformed reply as *DecodeError. Both are target-side failures, distinct
// from transport errors, and never tear the session down.
func (s *Session) Evaluate(ctx context.Context, expression string, awaitPromise, returnByValue bool) (json.RawMessage, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	raw, err := s.call(ctx, "Runtime.evaluate", evaluateParams{
		Expression:    expression,
		AwaitPromise:  awaitPromise,
		ReturnByValue: returnByValue,
	})
	if err != nil {
		return nil, err
	}

	var result evaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &DecodeError{What: "evaluate result", Err: err}
	}
	if result.ExceptionDetails != nil {
		return nil, &RemoteError{Description: result.ExceptionDetails.description()}
	}
	return result.Result.Value, nil
}

// call sends one protocol command and waits for its id-correlated reply.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := s.nextID.Add(1)
	ch := make(chan callOutcome, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	s.writeMu.Lock()
	err := conn.WriteJSON(request{ID: id, Method: method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("%s: %w", method, out.err)
		}
		if out.resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %s (code %d)", method, out.resp.Error.Message, out.resp.Error.Code)
		}
		return out.resp.Result, nil
	}
}

// readLoop reads replies and events from conn until it fails. Every read
// error funnels into handleLoss; gorilla connections must not be read again
// after an error.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.failPending(err)
			s.handleLoss(conn, err)
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.log.Warnf("discarding unparseable protocol message: %v", err)
			continue
		}

		if resp.ID != 0 {
			s.pendingMu.Lock()
			ch, ok := s.pending[resp.ID]
			s.pendingMu.Unlock()
			if ok {
				// Non-blocking: the caller may have abandoned the call
				// (context cancelled) without draining its channel.
				select {
				case ch <- callOutcome{resp: &resp}:
				default:
				}
			}
			continue
		}
		// Unsolicited event. Nothing subscribes to events today.
		s.log.Debugf("protocol event: %s", resp.Method)
	}
}

// failPending fails every in-flight call with the transport error. Sends
// must not block: an abandoned call can leave its id registered with an
// undrained channel, and a blocked send here would wedge the read loop while
// holding pendingMu, deadlocking every later call and the loss handler.
func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		select {
		case ch <- callOutcome{err: fmt.Errorf("connection lost: %w", err)}:
		default:
		}
		delete(s.pending, id)
	}
}

// handleLoss processes an asynchronous transport failure. The session is
// fully reset to disconnected before the loss callback runs, so the callback
// can reconnect immediately without racing stale state. A conn that is no
// longer the session's handle (caller-initiated disconnect, superseded
// connection) is ignored.
func (s *Session) handleLoss(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == StateConnected
	s.conn = nil
	s.state = StateDisconnected
	s.connectedAt = time.Time{}
	fn := s.lossFn
	s.mu.Unlock()

	_ = conn.Close()

	if wasConnected {
		s.log.Warnf("connection lost: %v", err)
		if fn != nil {
			fn()
		}
	}
}

// Disconnect closes the session. The close is best-effort: the state is
// reset to disconnected even if the underlying close errors. It never
// triggers the loss callback.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.connectedAt = time.Time{}
	s.mu.Unlock()

	if conn == nil {
		return
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = conn.Close()

	s.log.Infof("disconnected from debugging endpoint")
}

func (s *Session) resetDisconnected() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}

// classifyConnectErr distinguishes a refused connection (target not running
// with debugging enabled) from other transport failures.
func classifyConnectErr(op string, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%s: %w", op, ErrConnectionRefused)
	}
	return fmt.Errorf("%s: %w", op, err)
}
