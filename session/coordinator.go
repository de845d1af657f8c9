// Package session orchestrates the capture pipeline: hotkey matches open and
// close recording sessions, audio flows through the encoder and packetizer
// to the stream transport, and recognition results fan out to the injector.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dinoox/onesec-core/audio"
	"github.com/dinoox/onesec-core/hotkey"
	"github.com/dinoox/onesec-core/internal/types"
	"github.com/dinoox/onesec-core/ogg"
	"github.com/dinoox/onesec-core/transport"
)

// Injector receives the recognized text for one finished session. It is the
// external text-injection collaborator and knows nothing about audio.
type Injector interface {
	Inject(text string, mode types.Mode) error
}

// PacketEncoder converts canonical PCM frames to Opus packets.
type PacketEncoder interface {
	Encode(frame audio.Frame) ([][]byte, error)
	Flush() ([]byte, error)
	Reset()
}

// StreamTransport is the recognizer-facing side of the coordinator.
type StreamTransport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg transport.Message) error
	SendBinary(ctx context.Context, data []byte) error
	Messages() <-chan transport.Message
	State() transport.ConnState
}

// HostChannel is the host-process-facing side of the coordinator.
type HostChannel interface {
	Send(msg transport.Message) error
	Messages() <-chan transport.Message
}

// State is the coordinator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

// Coordinator drives the pipeline from hotkey results and brackets the
// binary audio stream with control messages: start-of-session is sent before
// the first binary frame, end-of-session strictly after the last.
type Coordinator struct {
	matcher    *hotkey.Matcher
	pipeline   *audio.Pipeline
	encoder    PacketEncoder
	packetizer *ogg.Packetizer
	stream     StreamTransport
	host       HostChannel
	injector   Injector

	onSessionStart func()
	onPages        func(n, bytes int)
	onPackets      func(n int)
	onAck          func()

	mu    sync.Mutex
	state State
	mode  types.Mode
	done  chan struct{}
}

// NewCoordinator wires the pipeline components together. All handles are
// dependency-injected; the coordinator owns no global state.
func NewCoordinator(
	matcher *hotkey.Matcher,
	pipeline *audio.Pipeline,
	encoder PacketEncoder,
	packetizer *ogg.Packetizer,
	stream StreamTransport,
	host HostChannel,
	injector Injector,
) *Coordinator {
	return &Coordinator{
		matcher:    matcher,
		pipeline:   pipeline,
		encoder:    encoder,
		packetizer: packetizer,
		stream:     stream,
		host:       host,
		injector:   injector,
	}
}

// OnSessionStart registers an observer fired once per opened session.
func (c *Coordinator) OnSessionStart(cb func()) { c.onSessionStart = cb }

// OnPagesSent registers an observer for emitted pages and byte counts.
func (c *Coordinator) OnPagesSent(cb func(n, bytes int)) { c.onPages = cb }

// OnPacketsEncoded registers an observer for produced Opus packet counts.
func (c *Coordinator) OnPacketsEncoded(cb func(n int)) { c.onPackets = cb }

// OnAudioAck registers an observer fired per inbound audio_ack.
func (c *Coordinator) OnAudioAck(cb func()) { c.onAck = cb }

// State returns the coordinator lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleKeyEvent feeds one raw key event through the matcher and acts on the
// resulting transition. Session start/stop and the bracketing sends run on
// the caller's goroutine, which may block on the pipeline or the network:
// callers must deliver events from a goroutine decoupled from the OS event
// tap, as GohookSource does.
func (c *Coordinator) HandleKeyEvent(ev hotkey.KeyEvent) {
	res := c.matcher.HandleEvent(ev)
	switch res.Kind {
	case hotkey.StartMatch:
		c.startSession(res.Mode)
	case hotkey.EndMatch:
		c.stopSession()
	case hotkey.ModeUpgrade:
		c.upgradeMode(res.From, res.Mode)
	case hotkey.Throttled:
		slog.Debug("hotkey match throttled", "mode", res.Mode)
	}
}

// startSession opens a capture session for mode. An unreachable stream is
// the external reconnect trigger: the press re-invokes Connect.
func (c *Coordinator) startSession(mode types.Mode) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateRecording
	c.mode = mode
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.stream.State() != transport.StateConnected {
		go func() {
			if err := c.stream.Connect(context.Background()); err != nil {
				slog.Warn("stream reconnect from hotkey press", "error", err)
			}
		}()
	}

	c.encoder.Reset()
	c.packetizer.Reset()

	if err := c.pipeline.Start(mode); err != nil {
		// Fatal to this session only; reported, not retried.
		slog.Error("session start failed", "mode", mode, "error", err)
		c.mu.Lock()
		c.state = StateIdle
		close(c.done)
		c.mu.Unlock()
		return
	}

	if c.onSessionStart != nil {
		c.onSessionStart()
	}
	slog.Info("session started", "mode", mode)

	ctx := context.Background()
	if err := c.stream.Send(ctx, transport.NewMessage(transport.TypeStartRecording, map[string]any{
		"mode": string(mode),
	})); err != nil {
		slog.Warn("send start_recording", "error", err)
	}

	go c.pump(c.pipeline.Frames(), c.done)
}

// pump drains the session's frames in capture order, encoding and
// packetizing as it goes. When the pipeline closes the channel it finalizes
// the stream: encoder tail, final audio page, EOS page, stop message.
func (c *Coordinator) pump(frames <-chan audio.Frame, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for frame := range frames {
		packets, err := c.encoder.Encode(frame)
		if err != nil {
			slog.Error("encode frame", "error", err)
			continue
		}
		if len(packets) > 0 && c.onPackets != nil {
			c.onPackets(len(packets))
		}
		for _, pkt := range packets {
			c.sendPages(ctx, c.packetizer.Append(pkt))
		}
	}

	if tail, err := c.encoder.Flush(); err != nil {
		slog.Error("flush encoder", "error", err)
	} else if tail != nil {
		if c.onPackets != nil {
			c.onPackets(1)
		}
		c.sendPages(ctx, c.packetizer.Append(tail))
	}

	c.sendPages(ctx, c.packetizer.Flush(true))

	if err := c.stream.Send(ctx, transport.NewMessage(transport.TypeStopRecording, nil)); err != nil {
		slog.Warn("send stop_recording", "error", err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	slog.Info("session closed")
}

func (c *Coordinator) sendPages(ctx context.Context, pages [][]byte) {
	var sent, bytes int
	for _, page := range pages {
		if err := c.stream.SendBinary(ctx, page); err != nil {
			slog.Warn("send audio page", "error", err)
			continue
		}
		sent++
		bytes += len(page)
	}
	if sent > 0 && c.onPages != nil {
		c.onPages(sent, bytes)
	}
}

// stopSession ends the session. The pipeline flushes its queued frames
// before closing the channel, so the pump observes every frame and the stop
// message follows the last payload.
func (c *Coordinator) stopSession() {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	c.pipeline.Stop()
}

// upgradeMode switches the session mode without restarting capture.
func (c *Coordinator) upgradeMode(from, to types.Mode) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	c.mode = to
	c.mu.Unlock()

	slog.Info("session mode upgraded", "from", from, "to", to)
	if err := c.stream.Send(context.Background(), transport.NewMessage(transport.TypeModeUpgrade, map[string]any{
		"from": string(from),
		"to":   string(to),
	})); err != nil {
		slog.Warn("send mode_upgrade", "error", err)
	}
}

// Wait blocks until the current session's pump has fully closed the stream.
// It returns immediately when no session is open.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Run dispatches inbound messages from both transports until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.stream.Messages():
			c.handleStreamMessage(msg)
		case msg := <-c.host.Messages():
			c.handleHostMessage(msg)
		}
	}
}

func (c *Coordinator) handleStreamMessage(msg transport.Message) {
	switch msg.Type {
	case transport.TypeRecognitionSummary, transport.TypeServerResult:
		result := decodeResult(msg)
		c.mu.Lock()
		mode := c.mode
		c.mu.Unlock()

		slog.Info("recognition result",
			"chars", len(result.Summary), "mode", mode, "server_time", result.ServerTime)
		if err := c.injector.Inject(result.Summary, mode); err != nil {
			slog.Error("inject recognized text", "error", err)
		}
	case transport.TypeAudioAck:
		if c.onAck != nil {
			c.onAck()
		}
		slog.Debug("audio ack", "id", msg.ID)
	default:
		slog.Debug("unhandled stream message", "type", msg.Type)
	}
}

func (c *Coordinator) handleHostMessage(msg transport.Message) {
	switch msg.Type {
	case transport.TypeInitConfig:
		c.applyInitConfig(msg)
	case transport.TypeHotkeySettingEnd:
		// The host finished hotkey-configuration capture; tracked key state
		// is stale and the next init_config carries the new combinations.
		c.matcher.Clear()
		slog.Info("hotkey setting ended, matcher cleared")
	default:
		slog.Debug("unhandled host message", "type", msg.Type)
	}
}

// applyInitConfig installs the pushed auth token and hotkey combinations,
// then brings up the recognizer stream.
func (c *Coordinator) applyInitConfig(msg transport.Message) {
	if token := msg.StringField("auth_token"); token != "" {
		if setter, ok := c.stream.(interface{ SetAuthToken(string) }); ok {
			setter.SetAuthToken(token)
		}
	}

	configs := parseHotkeyConfigs(msg.Data)
	c.matcher.Reload(configs)
	slog.Info("hotkey configuration applied", "combinations", len(configs))

	go func() {
		if err := c.stream.Connect(context.Background()); err != nil {
			slog.Warn("stream connect after init_config", "error", err)
		}
	}()
}

// decodeResult extracts the recognition payload from a summary/result
// message. Absent fields decode to zero values.
func decodeResult(msg transport.Message) types.RecognitionResult {
	result := types.RecognitionResult{Summary: msg.StringField("summary")}
	if t, ok := msg.Data["server_time"].(float64); ok {
		result.ServerTime = int64(t)
	}
	return result
}

// parseHotkeyConfigs decodes the init_config hotkey list:
// {"hotkeys": [{"mode": "normal", "key_codes": [56, 49]}, ...]}.
func parseHotkeyConfigs(data map[string]any) []hotkey.Config {
	raw, _ := data["hotkeys"].([]any)
	configs := make([]hotkey.Config, 0, len(raw))
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		modeStr, _ := obj["mode"].(string)
		mode := types.Mode(modeStr)
		if !mode.Valid() {
			slog.Warn("skipping hotkey config with unknown mode", "mode", modeStr)
			continue
		}
		codesRaw, _ := obj["key_codes"].([]any)
		codes := make([]int, 0, len(codesRaw))
		for _, cr := range codesRaw {
			if f, ok := cr.(float64); ok {
				codes = append(codes, int(f))
			}
		}
		configs = append(configs, hotkey.NewConfig(mode, codes))
	}
	return configs
}
