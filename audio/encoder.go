package audio

import (
	"fmt"

	opuscodec "github.com/jj11hh/opus"
)

// FrameDurationMs is the fixed Opus frame duration of the encoder contract.
const FrameDurationMs = 20

// maxOpusPacket is the upper bound for one encoded Opus packet.
const maxOpusPacket = 1275

// Encoder wraps the Opus codec with a fixed frame-size contract: input
// frames of arbitrary length are re-chunked into exact 20 ms blocks and each
// block encodes to exactly one packet.
type Encoder struct {
	enc        *opuscodec.Encoder
	frameSize  int
	pending    []int16
	sampleRate int
}

// NewEncoder creates a mono VoIP-tuned encoder at the given sample rate.
func NewEncoder(sampleRate int) (*Encoder, error) {
	enc, err := opuscodec.NewEncoder(sampleRate, CanonicalChannels, opuscodec.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &Encoder{
		enc:        enc,
		frameSize:  sampleRate * FrameDurationMs / 1000,
		sampleRate: sampleRate,
	}, nil
}

// FrameSamples returns the number of PCM samples per encoded packet.
func (e *Encoder) FrameSamples() int {
	return e.frameSize
}

// Encode appends one pipeline frame and returns every full Opus packet it
// completes, in order. Leftover samples wait for the next call.
func (e *Encoder) Encode(frame Frame) ([][]byte, error) {
	e.pending = append(e.pending, frame.Samples...)

	var packets [][]byte
	for len(e.pending) >= e.frameSize {
		buf := make([]byte, maxOpusPacket)
		n, err := e.enc.Encode(e.pending[:e.frameSize], buf)
		if err != nil {
			return packets, fmt.Errorf("opus encode: %w", err)
		}
		packets = append(packets, buf[:n])
		e.pending = e.pending[e.frameSize:]
	}
	return packets, nil
}

// Flush zero-pads any partial frame into one final packet. Returns nil when
// nothing is pending.
func (e *Encoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}

	block := make([]int16, e.frameSize)
	copy(block, e.pending)
	e.pending = e.pending[:0]

	buf := make([]byte, maxOpusPacket)
	n, err := e.enc.Encode(block, buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return buf[:n], nil
}

// Reset drops buffered samples between sessions.
func (e *Encoder) Reset() {
	e.pending = e.pending[:0]
}
