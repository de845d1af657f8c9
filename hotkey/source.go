package hotkey

import (
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"
)

// KeyEventSource delivers raw keyboard events to a single callback. The real
// implementation is a global key hook; tests replay recorded events.
type KeyEventSource interface {
	Start(onEvent func(KeyEvent)) error
	Stop()
}

// GohookSource is a KeyEventSource backed by a global keyboard hook.
type GohookSource struct {
	mu      sync.Mutex
	running bool
}

// NewGohookSource creates an inactive hook source.
func NewGohookSource() *GohookSource {
	return &GohookSource{}
}

// Start installs the global hook and forwards key events until Stop.
// KeyHold (autorepeat) events are dropped here so the matcher only ever sees
// genuine transitions. Events arrive on a forwarding goroutine fed by the
// hook's channel, never on the OS tap callback itself, so onEvent is allowed
// to block.
func (s *GohookSource) Start(onEvent func(KeyEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	events := hook.Start()
	go func() {
		for ev := range events {
			switch ev.Kind {
			case hook.KeyDown:
				onEvent(KeyEvent{
					Type:      EventKeyDown,
					KeyCode:   int(ev.Rawcode),
					Modifiers: uint32(ev.Mask),
				})
			case hook.KeyUp:
				onEvent(KeyEvent{
					Type:      EventKeyUp,
					KeyCode:   int(ev.Rawcode),
					Modifiers: uint32(ev.Mask),
				})
			case hook.KeyHold:
				// autorepeat, never forwarded
			}
		}
		slog.Debug("key hook event stream closed")
	}()

	slog.Info("global key hook installed")
	return nil
}

// Stop removes the global hook.
func (s *GohookSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	hook.End()
	slog.Info("global key hook removed")
}
