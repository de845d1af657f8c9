package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// echoServer accepts one WebSocket connection, records inbound frames and
// can push frames back.
func newWSServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_SendAndReceive(t *testing.T) {
	received := make(chan Message, 1)

	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		defer conn.Close(websocket.StatusNormalClosure, "")

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		received <- msg

		reply, _ := json.Marshal(NewMessage(TypeRecognitionSummary, map[string]any{
			"summary": "hello world",
		}))
		_ = conn.Write(ctx, websocket.MessageText, reply)

		// Keep the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	})

	s := NewStream(wsURL(srv))
	s.SetAuthToken("token-1")
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	if got := s.State(); got != StateConnected {
		t.Fatalf("State = %v, want connected", got)
	}

	out := NewMessage(TypeStartRecording, map[string]any{"mode": "normal"})
	if err := s.Send(context.Background(), out); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != TypeStartRecording || msg.ID != out.ID {
			t.Errorf("server saw %+v, want the sent start_recording", msg)
		}
		if msg.StringField("mode") != "normal" {
			t.Errorf("mode field = %q, want normal", msg.StringField("mode"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}

	select {
	case msg := <-s.Messages():
		if msg.Type != TypeRecognitionSummary || msg.StringField("summary") != "hello world" {
			t.Errorf("inbound = %+v, want recognition_summary hello world", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never delivered")
	}
}

func TestStream_AuthFailureSuppressesReconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewStream(wsURL(srv))
	s.policy.BaseDelay = time.Millisecond

	var authNotices, attempts atomic.Int32
	s.OnAuthFailure(func() { authNotices.Add(1) })
	s.OnReconnectAttempt(func() { attempts.Add(1) })

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect must fail on 401")
	}

	// Long enough for several backoff periods if any were scheduled.
	time.Sleep(50 * time.Millisecond)

	if got := s.State(); got != StateFailed {
		t.Errorf("State = %v, want failed", got)
	}
	if got := authNotices.Load(); got != 1 {
		t.Errorf("auth notices = %d, want exactly 1", got)
	}
	if got := attempts.Load(); got != 0 {
		t.Errorf("reconnect attempts = %d, want 0 after auth failure", got)
	}
	if got := s.policy.RetryCount(); got != 0 {
		t.Errorf("retryCount = %d, want reset to 0", got)
	}
}

func TestStream_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32

	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		n := conns.Add(1)
		if n == 1 {
			// Abnormal close triggers the reconnect policy.
			conn.Close(websocket.StatusInternalError, "dropping you")
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	s := NewStream(wsURL(srv))
	s.policy.BaseDelay = 5 * time.Millisecond

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	deadline := time.After(2 * time.Second)
	for conns.Load() < 2 || s.State() != StateConnected {
		select {
		case <-deadline:
			t.Fatalf("no reconnect: conns=%d state=%v", conns.Load(), s.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStream_ManualDisconnectStaysDown(t *testing.T) {
	var conns atomic.Int32

	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conns.Add(1)
		_, _, _ = conn.Read(ctx)
	})

	s := NewStream(wsURL(srv))
	s.policy.BaseDelay = time.Millisecond

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Disconnect()

	time.Sleep(50 * time.Millisecond)

	if got := s.State(); got != StateManualDisconnected {
		t.Errorf("State = %v, want manual_disconnected", got)
	}
	if got := conns.Load(); got != 1 {
		t.Errorf("connection count = %d, want 1 (no auto-reconnect)", got)
	}
}

func TestStream_CancelledConnect(t *testing.T) {
	s := NewStream("ws://127.0.0.1:1/never")
	s.policy.BaseDelay = time.Millisecond

	var attempts atomic.Int32
	s.OnReconnectAttempt(func() { attempts.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Connect(ctx); err == nil {
		t.Fatal("Connect with a cancelled context must fail")
	}

	time.Sleep(50 * time.Millisecond)

	if got := s.State(); got != StateCancelled {
		t.Errorf("State = %v, want cancelled", got)
	}
	if got := attempts.Load(); got != 0 {
		t.Errorf("reconnect attempts = %d, want 0 after cancellation", got)
	}
}

func TestStream_SendWhileDisconnected(t *testing.T) {
	s := NewStream("ws://127.0.0.1:1/never")
	if err := s.Send(context.Background(), NewMessage(TypeStopRecording, nil)); err != ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
	if err := s.SendBinary(context.Background(), []byte{1, 2, 3}); err != ErrNotConnected {
		t.Errorf("SendBinary = %v, want ErrNotConnected", err)
	}
}
