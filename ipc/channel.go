// Package ipc maintains the local duplex connection to the host process:
// newline-delimited JSON control messages over a unix socket, with the same
// reconnect policy shape as the recognizer stream.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dinoox/onesec-core/transport"
)

// ErrNotConnected is returned by Send while the host is unreachable.
var ErrNotConnected = errors.New("ipc not connected")

const messageQueueDepth = 32

// dialTimeout bounds one unix socket dial attempt.
const dialTimeout = 2 * time.Second

// Channel is the persistent connection to the host process. The socket not
// existing yet is tolerated the same way as a connect failure: both share
// one retry budget.
type Channel struct {
	path string

	mu     sync.Mutex
	conn   net.Conn
	state  transport.ConnState
	policy *transport.ReconnectPolicy
	timer  *time.Timer

	messages chan transport.Message

	onState   func(transport.ConnState)
	onAttempt func()
}

// NewChannel creates a disconnected channel for the given socket path.
func NewChannel(path string) *Channel {
	return &Channel{
		path:     path,
		state:    transport.StatePreparing,
		policy:   transport.NewReconnectPolicy(),
		messages: make(chan transport.Message, messageQueueDepth),
	}
}

// OnStateChange registers a connection-state observer.
func (c *Channel) OnStateChange(cb func(transport.ConnState)) { c.onState = cb }

// OnReconnectAttempt registers an observer fired per scheduled retry.
func (c *Channel) OnReconnectAttempt(cb func()) { c.onAttempt = cb }

// Messages returns the inbound control message channel.
func (c *Channel) Messages() <-chan transport.Message { return c.messages }

// State returns the current connection state.
func (c *Channel) State() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect is the external trigger: resets the retry budget and dials. A dial
// failure, including a socket file that does not exist yet, schedules
// automatic reconnects.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.stopTimerLocked()
	c.policy.Reset()
	c.setStateLocked(transport.StateConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		if ctx.Err() != nil {
			// The caller abandoned the attempt; no reconnect until the
			// next external trigger.
			c.setStateLocked(transport.StateCancelled)
		} else {
			c.setStateLocked(transport.StateDisconnected)
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the connection and cancels pending reconnects.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.setStateLocked(transport.StateManualDisconnected)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	slog.Info("ipc channel disconnected manually")
}

// Send writes one newline-terminated JSON message to the host.
func (c *Channel) Send(msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		// Missing socket file and refused connection look the same to the
		// retry budget.
		return fmt.Errorf("dial host socket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.policy.Reset()
	c.setStateLocked(transport.StateConnected)
	c.mu.Unlock()

	slog.Info("ipc channel connected", "path", c.path)
	go c.readLoop(conn)
	return nil
}

// readLoop accumulates bytes until a newline, parses one message per
// delimiter, and retains any trailing partial line for the next read.
func (c *Channel) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.mu.Lock()
			if c.state == transport.StateManualDisconnected || c.conn != conn {
				c.mu.Unlock()
				return
			}
			c.conn = nil
			c.setStateLocked(transport.StateDisconnected)
			c.scheduleReconnectLocked()
			c.mu.Unlock()

			slog.Warn("ipc read ended", "error", err)
			return
		}

		var msg transport.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed lines are dropped; the channel stays up.
			slog.Error("malformed ipc message", "error", err)
			continue
		}

		select {
		case c.messages <- msg:
		default:
			slog.Warn("ipc message queue full, dropping", "type", msg.Type)
		}
	}
}

func (c *Channel) scheduleReconnectLocked() {
	if c.state == transport.StateManualDisconnected {
		return
	}

	delay, ok := c.policy.Next()
	if !ok {
		c.setStateLocked(transport.StateFailed)
		slog.Error("ipc reconnect budget exhausted", "retries", c.policy.MaxRetries)
		return
	}

	if c.onAttempt != nil {
		c.onAttempt()
	}
	slog.Info("ipc reconnect scheduled", "delay", delay, "attempt", c.policy.RetryCount())

	c.stopTimerLocked()
	c.timer = time.AfterFunc(delay, c.reconnect)
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.state == transport.StateManualDisconnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(transport.StateConnecting)
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		c.mu.Lock()
		if c.state != transport.StateManualDisconnected {
			c.setStateLocked(transport.StateDisconnected)
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
	}
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) setStateLocked(state transport.ConnState) {
	if c.state == state {
		return
	}
	c.state = state
	if c.onState != nil {
		c.onState(state)
	}
}
