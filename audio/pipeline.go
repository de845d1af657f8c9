package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dinoox/onesec-core/internal/types"
)

// ErrAlreadyRecording is returned when Start is called while a session is
// still open.
var ErrAlreadyRecording = errors.New("already recording")

// frameQueueDepth bounds the hand-off queue between the capture callback and
// the encoder worker. The callback never blocks on it.
const frameQueueDepth = 64

// Frame is one canonical PCM buffer, produced once per capture callback and
// consumed exactly once by the encoder.
type Frame struct {
	Samples []int16
}

// State is the pipeline lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

// Pipeline owns the capture callback: it converts hardware buffers to the
// canonical format, computes per-frame volume, and hands frames to the
// encoder worker over a bounded queue while a session is open.
type Pipeline struct {
	source   Source
	dstRate  int
	gain     float64
	onVolume func(float64)
	onDrop   func()

	mu     sync.Mutex
	state  State
	conv   *Converter
	frames chan Frame
}

// NewPipeline creates a pipeline reading from source, converting to dstRate.
func NewPipeline(source Source, dstRate int, gain float64) *Pipeline {
	return &Pipeline{
		source:  source,
		dstRate: dstRate,
		gain:    gain,
	}
}

// SetVolumeCallback registers a per-frame volume observer. Must be set
// before Start.
func (p *Pipeline) SetVolumeCallback(cb func(float64)) {
	p.onVolume = cb
}

// SetDropCallback registers an observer for frames dropped on a full queue.
func (p *Pipeline) SetDropCallback(cb func()) {
	p.onDrop = cb
}

// Start opens a capture session. A converter that cannot be constructed for
// the hardware format fails the start; no session begins and the error is
// reported, not retried.
func (p *Pipeline) Start(mode types.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return ErrAlreadyRecording
	}

	conv, err := NewConverter(p.source.Format(), p.dstRate)
	if err != nil {
		return fmt.Errorf("format conversion unavailable: %w", err)
	}
	p.conv = conv
	p.frames = make(chan Frame, frameQueueDepth)
	p.state = StateRecording

	if err := p.source.Start(p.onBuffer); err != nil {
		p.state = StateIdle
		close(p.frames)
		return fmt.Errorf("start capture: %w", err)
	}

	slog.Info("audio capture started", "mode", mode, "rate", p.dstRate)
	return nil
}

// Frames returns the session's frame queue. It is closed once Stop has
// halted the hardware and every queued frame is already in the channel, so
// draining it to closure observes the complete session in capture order.
func (p *Pipeline) Frames() <-chan Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Stop ends the session. Buffers delivered between the Stopping transition
// and the hardware halt are still queued, not dropped; the frame channel is
// closed only after the source has fully stopped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state != StateRecording {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	p.mu.Unlock()

	// Synchronous halt; the callback may still fire until this returns.
	if err := p.source.Stop(); err != nil {
		slog.Error("stop capture", "error", err)
	}

	p.mu.Lock()
	p.state = StateIdle
	close(p.frames)
	p.conv = nil
	p.mu.Unlock()

	slog.Info("audio capture stopped")
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// onBuffer runs on the capture thread: convert, measure, enqueue. It must
// not block or perform I/O.
func (p *Pipeline) onBuffer(in []float32) {
	p.mu.Lock()
	state := p.state
	conv := p.conv
	frames := p.frames
	p.mu.Unlock()

	if state == StateIdle || conv == nil {
		return
	}

	samples := conv.Convert(in)
	if len(samples) == 0 {
		return
	}

	if p.onVolume != nil {
		p.onVolume(RMSVolume(samples, p.gain))
	}

	select {
	case frames <- Frame{Samples: samples}:
	default:
		if p.onDrop != nil {
			p.onDrop()
		}
	}
}
