package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const framesPerBuffer = 512

// PortAudioSource captures the default input device through portaudio.
type PortAudioSource struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	format Format
}

// NewPortAudioSource initializes portaudio and prepares capture at the given
// hardware sample rate, mono.
func NewPortAudioSource(sampleRate int) (*PortAudioSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudioSource{
		format: Format{SampleRate: sampleRate, Channels: 1},
	}, nil
}

// Start opens the default input stream and begins callback delivery.
func (s *PortAudioSource) Start(onBuffer func(samples []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return fmt.Errorf("capture already running")
	}

	stream, err := portaudio.OpenDefaultStream(
		s.format.Channels, // input channels
		0,                 // output channels
		float64(s.format.SampleRate),
		framesPerBuffer,
		func(in []float32) { onBuffer(in) },
	)
	if err != nil {
		return fmt.Errorf("open default stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start stream: %w", err)
	}

	s.stream = stream
	return nil
}

// Stop halts and closes the input stream. Safe to call when not running.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}

	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.stream = nil
	return err
}

// Format returns the capture format.
func (s *PortAudioSource) Format() Format {
	return s.format
}

// Terminate releases portaudio. Call once at process shutdown.
func (s *PortAudioSource) Terminate() error {
	return portaudio.Terminate()
}
