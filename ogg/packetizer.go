// Package ogg frames Opus packets into an Ogg bitstream per RFC 3533 and
// RFC 7845, byte-compatible with standard Ogg/Opus decoders.
package ogg

import (
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
)

const (
	capturePattern = "OggS"
	pageVersion    = 0

	flagContinuation = 0x01
	flagBOS          = 0x02
	flagEOS          = 0x04

	headerSize  = 27
	maxSegments = 255

	// maxPacketBytes is the largest packet one page can lace: 254 full
	// segments plus one 254-byte terminator segment. A packet of exactly
	// 255*255 bytes would need a 256th zero lacing value and cannot fit.
	maxPacketBytes = maxSegments*255 - 1

	// internalClockRate is the fixed 48 kHz granule clock of Ogg Opus.
	internalClockRate = 48000

	// preSkip is the encoder priming in 48 kHz samples, written to OpusHead.
	preSkip = 312

	vendorString = "onesec-core"
)

// Packetizer batches Opus packets into Ogg pages. It is used by a single
// goroutine per session; Reset rearms it for the next session.
type Packetizer struct {
	inputRate      int
	channels       int
	packetsPerPage int
	// samplesPerPacket is the fixed packet duration at the input rate.
	samplesPerPacket int

	serial  uint32
	seq     uint32
	granule uint64

	pending         [][]byte
	pendingSegments int

	headersSent bool
	finished    bool

	onTruncate func()
}

// NewPacketizer creates a packetizer for a fixed-duration Opus packet stream.
func NewPacketizer(inputRate, channels, samplesPerPacket, packetsPerPage int) *Packetizer {
	p := &Packetizer{
		inputRate:        inputRate,
		channels:         channels,
		samplesPerPacket: samplesPerPacket,
		packetsPerPage:   packetsPerPage,
	}
	p.Reset()
	return p
}

// Reset rearms the stream: fresh random serial, zeroed sequence and granule,
// headers pending again.
func (p *Packetizer) Reset() {
	p.serial = rand.Uint32()
	p.seq = 0
	p.granule = 0
	p.pending = p.pending[:0]
	p.pendingSegments = 0
	p.headersSent = false
	p.finished = false
}

// OnTruncate registers an observer fired once per truncated packet. It
// survives Reset.
func (p *Packetizer) OnTruncate(cb func()) {
	p.onTruncate = cb
}

// Finished reports whether the end-of-stream page has been emitted.
func (p *Packetizer) Finished() bool {
	return p.finished
}

// Append adds one Opus packet and returns any pages completed by it. The
// first call after Reset emits the OpusHead and OpusTags header pages ahead
// of audio. Calls after the stream finished are no-ops.
func (p *Packetizer) Append(packet []byte) [][]byte {
	if p.finished {
		return nil
	}

	var pages [][]byte
	if !p.headersSent {
		pages = append(pages, p.headerPages()...)
		p.headersSent = true
	}

	if len(packet) > maxPacketBytes {
		// Bounded data loss rather than spanning pages or erroring.
		slog.Warn("opus packet exceeds one page, truncating",
			"size", len(packet), "max", maxPacketBytes)
		packet = packet[:maxPacketBytes]
		if p.onTruncate != nil {
			p.onTruncate()
		}
	}

	segs := lacingCount(len(packet))
	if p.pendingSegments+segs > maxSegments {
		pages = append(pages, p.drainPending())
	}

	p.pending = append(p.pending, packet)
	p.pendingSegments += segs
	p.granule += uint64(p.samplesPerPacket) * internalClockRate / uint64(p.inputRate)

	if len(p.pending) >= p.packetsPerPage {
		pages = append(pages, p.drainPending())
	}
	return pages
}

// Flush drains any partial batch into one audio page. With final set it then
// emits the zero-length end-of-stream page and marks the stream finished;
// subsequent calls are no-ops.
func (p *Packetizer) Flush(final bool) [][]byte {
	if p.finished {
		return nil
	}

	var pages [][]byte
	if len(p.pending) > 0 {
		pages = append(pages, p.drainPending())
	}
	if final {
		if !p.headersSent {
			// A session that produced no audio still closes cleanly.
			pages = append(pages, p.headerPages()...)
			p.headersSent = true
		}
		pages = append(pages, p.writePage(nil, flagEOS, p.granule))
		p.finished = true
	}
	return pages
}

func (p *Packetizer) drainPending() []byte {
	page := p.writePage(p.pending, 0, p.granule)
	p.pending = p.pending[:0]
	p.pendingSegments = 0
	return page
}

// headerPages builds the OpusHead (BOS) and OpusTags pages, both at
// granule 0 per RFC 7845.
func (p *Packetizer) headerPages() [][]byte {
	head := make([]byte, 0, 19)
	head = append(head, "OpusHead"...)
	head = append(head, 1, byte(p.channels))
	head = binary.LittleEndian.AppendUint16(head, preSkip)
	head = binary.LittleEndian.AppendUint32(head, uint32(p.inputRate))
	head = binary.LittleEndian.AppendUint16(head, 0) // output gain
	head = append(head, 0)                           // channel mapping family

	tags := make([]byte, 0, 8+4+len(vendorString)+4)
	tags = append(tags, "OpusTags"...)
	tags = binary.LittleEndian.AppendUint32(tags, uint32(len(vendorString)))
	tags = append(tags, vendorString...)
	tags = binary.LittleEndian.AppendUint32(tags, 0) // comment count

	return [][]byte{
		p.writePage([][]byte{head}, flagBOS, 0),
		p.writePage([][]byte{tags}, 0, 0),
	}
}

// writePage assembles one page from whole packets, computes the CRC with the
// field zeroed, and patches it in.
func (p *Packetizer) writePage(packets [][]byte, flags byte, granule uint64) []byte {
	var lacing []byte
	var bodyLen int
	for _, pkt := range packets {
		lacing = appendLacing(lacing, len(pkt))
		bodyLen += len(pkt)
	}

	page := make([]byte, 0, headerSize+len(lacing)+bodyLen)
	page = append(page, capturePattern...)
	page = append(page, pageVersion, flags)
	page = binary.LittleEndian.AppendUint64(page, granule)
	page = binary.LittleEndian.AppendUint32(page, p.serial)
	page = binary.LittleEndian.AppendUint32(page, p.seq)
	page = binary.LittleEndian.AppendUint32(page, 0) // CRC, patched below
	page = append(page, byte(len(lacing)))
	page = append(page, lacing...)
	for _, pkt := range packets {
		page = append(page, pkt...)
	}

	binary.LittleEndian.PutUint32(page[22:26], checksum(page))
	p.seq++
	return page
}

// appendLacing writes the lacing values for one packet of size n. A packet
// whose length is an exact multiple of 255 needs a trailing zero value to
// terminate unambiguously.
func appendLacing(lacing []byte, n int) []byte {
	for n >= 255 {
		lacing = append(lacing, 255)
		n -= 255
	}
	return append(lacing, byte(n))
}

func lacingCount(n int) int {
	return n/255 + 1
}
