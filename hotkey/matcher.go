// Package hotkey tracks pressed keys and resolves them against configured
// hold-to-talk combinations.
package hotkey

import (
	"sync"
	"time"

	"github.com/dinoox/onesec-core/internal/types"
)

// debounceWindow suppresses a new match that begins too soon after the
// previous one committed.
const debounceWindow = time.Second

// EventType classifies a raw key event.
type EventType int

const (
	// EventKeyDown is a non-modifier key press. Autorepeat events must be
	// filtered before they reach the matcher.
	EventKeyDown EventType = iota
	// EventKeyUp is a non-modifier key release.
	EventKeyUp
	// EventModifierChange carries the full modifier bitmask after a modifier
	// key transition, plus the key code of the modifier that moved.
	EventModifierChange
)

// KeyEvent is one raw keyboard event from a KeyEventSource.
type KeyEvent struct {
	Type      EventType
	KeyCode   int
	Modifiers uint32
}

// Config is one hold-to-talk combination. An empty KeyCodes set is the
// explicit "disabled" sentinel for that mode.
type Config struct {
	KeyCodes map[int]struct{}
	Mode     types.Mode
}

// NewConfig builds a Config from a list of key codes.
func NewConfig(mode types.Mode, keyCodes []int) Config {
	set := make(map[int]struct{}, len(keyCodes))
	for _, kc := range keyCodes {
		set[kc] = struct{}{}
	}
	return Config{KeyCodes: set, Mode: mode}
}

// ResultKind classifies the outcome of one HandleEvent call.
type ResultKind int

const (
	// NotMatching means no configured combination is held.
	NotMatching ResultKind = iota
	// StillMatching means the active combination is still held unchanged.
	StillMatching
	// StartMatch commits a new match; a session should begin.
	StartMatch
	// EndMatch means the active combination was released.
	EndMatch
	// ModeUpgrade means the held keys now resolve to a different mode
	// without ever passing through an unmatched state.
	ModeUpgrade
	// Throttled means a new match occurred inside the debounce window and
	// was not committed.
	Throttled
)

// Result is the outcome of one key event.
type Result struct {
	Kind ResultKind
	// Mode is the resolved mode for StartMatch, StillMatching, ModeUpgrade
	// (target) and Throttled.
	Mode types.Mode
	// From is the previous mode for ModeUpgrade.
	From types.Mode
}

// Matcher consumes raw key events and resolves hold-to-talk matches.
// HandleEvent is O(configured modes) and does not allocate in the steady
// state; it is safe to call from the event tap goroutine while Reload and
// Clear are called from the IPC goroutine.
type Matcher struct {
	mu sync.Mutex

	configs       []Config
	pressed       map[int]struct{}
	prevModifiers uint32

	matched    bool
	activeMode types.Mode
	lastMatch  time.Time

	now func() time.Time
}

// NewMatcher creates a Matcher with no configured combinations.
func NewMatcher() *Matcher {
	return &Matcher{
		pressed: make(map[int]struct{}, 8),
		now:     time.Now,
	}
}

// Reload replaces the configured combinations wholesale. Pressed-key state is
// physical and survives a reload; the match status is recomputed silently so
// the next event reports transitions against the new set.
func (m *Matcher) Reload(configs []Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs = configs
	mode, ok := m.resolve()
	m.matched = ok
	m.activeMode = mode
}

// Clear empties all tracked key state, used when the host enters hotkey
// configuration capture.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for kc := range m.pressed {
		delete(m.pressed, kc)
	}
	m.prevModifiers = 0
	m.matched = false
	m.activeMode = ""
}

// HandleEvent applies one key event and returns the resulting transition.
func (m *Matcher) HandleEvent(ev KeyEvent) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case EventKeyDown:
		m.pressed[ev.KeyCode] = struct{}{}
	case EventKeyUp:
		delete(m.pressed, ev.KeyCode)
	case EventModifierChange:
		// A newly-set bit in the XOR diff is a modifier press, a
		// newly-cleared bit is a release of the carried key code.
		diff := ev.Modifiers ^ m.prevModifiers
		m.prevModifiers = ev.Modifiers
		if diff == 0 {
			break
		}
		if ev.Modifiers&diff != 0 {
			m.pressed[ev.KeyCode] = struct{}{}
		} else {
			delete(m.pressed, ev.KeyCode)
		}
	}

	return m.transition()
}

// transition recomputes the match status and reports the state change.
// Caller holds m.mu.
func (m *Matcher) transition() Result {
	mode, ok := m.resolve()

	switch {
	case !m.matched && ok:
		if m.now().Sub(m.lastMatch) < debounceWindow {
			return Result{Kind: Throttled, Mode: mode}
		}
		m.matched = true
		m.activeMode = mode
		m.lastMatch = m.now()
		return Result{Kind: StartMatch, Mode: mode}

	case m.matched && !ok:
		from := m.activeMode
		m.matched = false
		m.activeMode = ""
		return Result{Kind: EndMatch, Mode: from}

	case m.matched && ok && mode != m.activeMode:
		from := m.activeMode
		m.activeMode = mode
		return Result{Kind: ModeUpgrade, Mode: mode, From: from}

	case m.matched:
		return Result{Kind: StillMatching, Mode: mode}
	}

	return Result{Kind: NotMatching}
}

// resolve finds the configured combination whose key codes are a subset of
// the pressed set, preferring the largest set. Caller holds m.mu.
func (m *Matcher) resolve() (types.Mode, bool) {
	var (
		best     types.Mode
		bestSize = -1
	)
	for i := range m.configs {
		cfg := &m.configs[i]
		if len(cfg.KeyCodes) == 0 {
			continue // disabled sentinel
		}
		if len(cfg.KeyCodes) <= bestSize {
			continue
		}
		if m.subsetOfPressed(cfg.KeyCodes) {
			best = cfg.Mode
			bestSize = len(cfg.KeyCodes)
		}
	}
	return best, bestSize > 0
}

func (m *Matcher) subsetOfPressed(keyCodes map[int]struct{}) bool {
	if len(keyCodes) > len(m.pressed) {
		return false
	}
	for kc := range keyCodes {
		if _, ok := m.pressed[kc]; !ok {
			return false
		}
	}
	return true
}
