package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Send and SendBinary while no connection is
// established.
var ErrNotConnected = errors.New("not connected")

const (
	messageQueueDepth = 64
	binaryQueueDepth  = 16
)

// Stream is the persistent duplex connection to the remote recognizer. JSON
// control messages travel as text frames and raw audio as binary frames on
// the same connection. Failures trigger exponential-backoff reconnects; a
// manual Disconnect or an authentication rejection suppresses them.
type Stream struct {
	url string

	mu         sync.Mutex
	token      string
	conn       *websocket.Conn
	state      ConnState
	policy     *ReconnectPolicy
	authFailed bool
	timer      *time.Timer

	messages chan Message
	binary   chan []byte

	// Observers. Callbacks run with internal state settled but must not
	// call back into the Stream.
	onState       func(ConnState)
	onAuthFailure func()
	onAttempt     func()
}

// NewStream creates a disconnected stream for the given WebSocket URL.
func NewStream(url string) *Stream {
	return &Stream{
		url:      url,
		state:    StatePreparing,
		policy:   NewReconnectPolicy(),
		messages: make(chan Message, messageQueueDepth),
		binary:   make(chan []byte, binaryQueueDepth),
	}
}

// SetAuthToken installs the bearer token used on the next handshake.
func (s *Stream) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// OnStateChange registers a connection-state observer.
func (s *Stream) OnStateChange(cb func(ConnState)) { s.onState = cb }

// OnAuthFailure registers an observer for authentication rejections.
func (s *Stream) OnAuthFailure(cb func()) { s.onAuthFailure = cb }

// OnReconnectAttempt registers an observer fired per scheduled retry.
func (s *Stream) OnReconnectAttempt(cb func()) { s.onAttempt = cb }

// Messages returns the inbound control message channel.
func (s *Stream) Messages() <-chan Message { return s.messages }

// Binary returns the inbound binary frame channel.
func (s *Stream) Binary() <-chan []byte { return s.binary }

// State returns the current connection state.
func (s *Stream) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect is the external trigger: it clears any terminal condition (retry
// budget exhausted, prior auth failure), resets the retry counter and dials.
// A non-auth dial failure schedules automatic reconnects.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.stopTimerLocked()
	s.authFailed = false
	s.policy.Reset()
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.mu.Lock()
		switch {
		case ctx.Err() != nil:
			// The caller abandoned the attempt; no reconnect until the
			// next external trigger.
			s.setStateLocked(StateCancelled)
		case !s.authFailed:
			s.setStateLocked(StateDisconnected)
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect. The
// resulting ManualDisconnected state is exempt from auto-reconnect.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.setStateLocked(StateManualDisconnected)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	slog.Info("stream transport disconnected manually")
}

// Send marshals one control message as a text frame.
func (s *Stream) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// SendBinary writes one raw binary frame.
func (s *Stream) SendBinary(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

// dial performs one handshake attempt. A 401/403 response is an
// authentication rejection: retrying cannot fix an invalid credential, so
// the retry counter resets and auto-reconnect is suppressed until the next
// external Connect.
func (s *Stream) dial(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {"Bearer " + token},
		},
	}
	conn, resp, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			s.mu.Lock()
			s.authFailed = true
			s.policy.Reset()
			s.setStateLocked(StateFailed)
			cb := s.onAuthFailure
			s.mu.Unlock()

			slog.Error("stream handshake rejected, auth failure", "status", resp.StatusCode)
			if cb != nil {
				cb()
			}
			return fmt.Errorf("handshake rejected: status %d", resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.policy.Reset()
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	slog.Info("stream transport connected", "url", s.url)
	go s.readLoop(conn)
	return nil
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if s.state == StateManualDisconnected || s.conn != conn {
				s.mu.Unlock()
				return
			}
			s.conn = nil
			s.setStateLocked(StateDisconnected)
			s.scheduleReconnectLocked()
			s.mu.Unlock()

			slog.Warn("stream read ended", "error", err)
			return
		}

		switch typ {
		case websocket.MessageText:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				// Malformed control messages are dropped, not fatal.
				slog.Error("malformed inbound message", "error", err)
				continue
			}
			select {
			case s.messages <- msg:
			default:
				slog.Warn("inbound message queue full, dropping", "type", msg.Type)
			}
		case websocket.MessageBinary:
			select {
			case s.binary <- data:
			default:
				slog.Warn("inbound binary queue full, dropping", "size", len(data))
			}
		}
	}
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// Caller holds s.mu.
func (s *Stream) scheduleReconnectLocked() {
	if s.authFailed || s.state == StateManualDisconnected {
		return
	}

	delay, ok := s.policy.Next()
	if !ok {
		// Terminal until an external trigger calls Connect again.
		s.setStateLocked(StateFailed)
		slog.Error("stream reconnect budget exhausted", "retries", s.policy.MaxRetries)
		return
	}

	if s.onAttempt != nil {
		s.onAttempt()
	}
	slog.Info("stream reconnect scheduled", "delay", delay, "attempt", s.policy.RetryCount())

	s.stopTimerLocked()
	s.timer = time.AfterFunc(delay, s.reconnect)
}

// reconnect is the timer body for one automatic attempt.
func (s *Stream) reconnect() {
	s.mu.Lock()
	if s.authFailed || s.state == StateManualDisconnected {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.dial(context.Background()); err != nil {
		s.mu.Lock()
		if !s.authFailed && s.state != StateManualDisconnected {
			s.setStateLocked(StateDisconnected)
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
	}
}

func (s *Stream) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// setStateLocked updates the state and notifies the observer. Caller holds
// s.mu; the observer must not call back into the Stream.
func (s *Stream) setStateLocked(state ConnState) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onState != nil {
		s.onState(state)
	}
}
