// Package audio captures microphone input and converts it to the canonical
// PCM format consumed by the Opus encoder.
package audio

// Format describes the sample layout a Source produces.
type Format struct {
	SampleRate int
	Channels   int
}

// Source is a microphone capture engine. Start installs the buffer callback
// and begins delivery; Stop halts the hardware synchronously, after which no
// further callbacks fire. The real implementation wraps portaudio; tests
// replay recorded buffers.
type Source interface {
	Start(onBuffer func(samples []float32)) error
	Stop() error
	Format() Format
}
