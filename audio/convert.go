package audio

import (
	"fmt"
	"math"
)

// CanonicalChannels is the channel count of the canonical format.
const CanonicalChannels = 1

// Converter transforms hardware float32 buffers into canonical mono s16le
// frames at the target sample rate. Conversion is nearest-sample so the
// per-callback cost stays bounded for the realtime capture thread.
type Converter struct {
	src     Format
	dstRate int

	// pos tracks the fractional read position across calls so rate
	// conversion stays continuous at buffer boundaries.
	pos float64
}

// NewConverter validates the source format and builds a converter to the
// canonical format at dstRate. A format the converter cannot express is a
// fatal error: the session must not start.
func NewConverter(src Format, dstRate int) (*Converter, error) {
	if src.SampleRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("unsupported sample rate %d -> %d", src.SampleRate, dstRate)
	}
	if src.Channels < 1 || src.Channels > 8 {
		return nil, fmt.Errorf("unsupported channel count %d", src.Channels)
	}
	return &Converter{src: src, dstRate: dstRate}, nil
}

// Convert produces canonical samples from one hardware buffer. The returned
// slice is freshly allocated and safe to retain.
func (c *Converter) Convert(in []float32) []int16 {
	frames := len(in) / c.src.Channels
	if frames == 0 {
		return nil
	}

	ratio := float64(c.src.SampleRate) / float64(c.dstRate)
	out := make([]int16, 0, int(float64(frames)/ratio)+1)

	for c.pos < float64(frames) {
		idx := int(c.pos)
		out = append(out, sampleToInt16(c.monoAt(in, idx)))
		c.pos += ratio
	}
	c.pos -= float64(frames)

	return out
}

// Reset clears the fractional read position between sessions.
func (c *Converter) Reset() {
	c.pos = 0
}

// monoAt averages the channels of frame idx into one sample.
func (c *Converter) monoAt(in []float32, idx int) float32 {
	if c.src.Channels == 1 {
		return in[idx]
	}
	var sum float32
	base := idx * c.src.Channels
	for ch := 0; ch < c.src.Channels; ch++ {
		sum += in[base+ch]
	}
	return sum / float32(c.src.Channels)
}

func sampleToInt16(s float32) int16 {
	v := float64(s) * 32767
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// RMSVolume computes the volume estimate for one canonical frame:
// min(1, sqrt(meanSquare) * gain) over normalized samples.
func RMSVolume(samples []int16, gain float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768
		sum += n * n
	}
	v := math.Sqrt(sum/float64(len(samples))) * gain
	return math.Min(1, v)
}
