package ogg

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const (
	testRate     = 16000
	testSamples  = 320 // 20 ms at 16 kHz
	testPerPage  = 3
	testChannels = 1
)

func newTestPacketizer() *Packetizer {
	return NewPacketizer(testRate, testChannels, testSamples, testPerPage)
}

type parsedPage struct {
	flags   byte
	granule uint64
	serial  uint32
	seq     uint32
	crc     uint32
	lacing  []byte
	body    []byte
	packets int
}

// parsePage decodes one page produced by the packetizer.
func parsePage(t *testing.T, page []byte) parsedPage {
	t.Helper()
	if len(page) < headerSize {
		t.Fatalf("page too short: %d bytes", len(page))
	}
	if string(page[0:4]) != capturePattern {
		t.Fatalf("capture pattern = %q, want %q", page[0:4], capturePattern)
	}
	if page[4] != pageVersion {
		t.Fatalf("version = %d, want 0", page[4])
	}

	segCount := int(page[26])
	lacing := page[headerSize : headerSize+segCount]
	body := page[headerSize+segCount:]

	var bodyLen, packets int
	for _, lv := range lacing {
		bodyLen += int(lv)
		if lv < 255 {
			packets++
		}
	}
	if bodyLen != len(body) {
		t.Fatalf("lacing sums to %d, body has %d bytes", bodyLen, len(body))
	}

	return parsedPage{
		flags:   page[5],
		granule: binary.LittleEndian.Uint64(page[6:14]),
		serial:  binary.LittleEndian.Uint32(page[14:18]),
		seq:     binary.LittleEndian.Uint32(page[18:22]),
		crc:     binary.LittleEndian.Uint32(page[22:26]),
		lacing:  lacing,
		body:    body,
		packets: packets,
	}
}

func makePacket(size int, fill byte) []byte {
	pkt := make([]byte, size)
	for i := range pkt {
		pkt[i] = fill
	}
	return pkt
}

func TestPacketizer_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		packets int
	}{
		{name: "single packet", packets: 1},
		{name: "exact page boundary", packets: testPerPage},
		{name: "several pages with remainder", packets: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPacketizer()

			var pages [][]byte
			for i := 0; i < tt.packets; i++ {
				pages = append(pages, p.Append(makePacket(100, byte(i)))...)
			}
			pages = append(pages, p.Flush(true)...)

			var bos, eos, audioPackets int
			var lastGranule uint64
			for i, raw := range pages {
				page := parsePage(t, raw)

				if page.flags&flagBOS != 0 {
					bos++
					if i != 0 {
						t.Errorf("BOS on page %d, want page 0", i)
					}
				}
				if page.flags&flagEOS != 0 {
					eos++
					if i != len(pages)-1 {
						t.Errorf("EOS on page %d, want last page", i)
					}
				}

				if page.granule < lastGranule {
					t.Errorf("page %d granule %d decreased below %d", i, page.granule, lastGranule)
				}
				lastGranule = page.granule

				// First two pages are OpusHead and OpusTags.
				if i >= 2 && page.flags&flagEOS == 0 {
					audioPackets += page.packets
				}
			}

			if bos != 1 {
				t.Errorf("BOS pages = %d, want 1", bos)
			}
			if eos != 1 {
				t.Errorf("EOS pages = %d, want 1", eos)
			}
			if audioPackets != tt.packets {
				t.Errorf("audio packets = %d, want %d", audioPackets, tt.packets)
			}
		})
	}
}

func TestPacketizer_CRCRecomputes(t *testing.T) {
	p := newTestPacketizer()

	var pages [][]byte
	for i := 0; i < 5; i++ {
		pages = append(pages, p.Append(makePacket(200, 0xAB))...)
	}
	pages = append(pages, p.Flush(true)...)

	for i, raw := range pages {
		page := parsePage(t, raw)

		zeroed := append([]byte(nil), raw...)
		binary.LittleEndian.PutUint32(zeroed[22:26], 0)
		if got := checksum(zeroed); got != page.crc {
			t.Errorf("page %d: recomputed CRC %08x != stored %08x", i, got, page.crc)
		}
	}
}

func TestPacketizer_Headers(t *testing.T) {
	p := newTestPacketizer()
	pages := p.Append(makePacket(50, 1))

	if len(pages) < 2 {
		t.Fatalf("first append produced %d pages, want at least the 2 headers", len(pages))
	}

	head := parsePage(t, pages[0])
	if !bytes.HasPrefix(head.body, []byte("OpusHead")) {
		t.Error("first page body must start with OpusHead")
	}
	if head.flags != flagBOS {
		t.Errorf("OpusHead flags = %#x, want BOS", head.flags)
	}
	if head.granule != 0 {
		t.Errorf("OpusHead granule = %d, want 0", head.granule)
	}
	if head.body[8] != 1 {
		t.Errorf("OpusHead version = %d, want 1", head.body[8])
	}
	if got := binary.LittleEndian.Uint32(head.body[12:16]); got != testRate {
		t.Errorf("OpusHead input rate = %d, want %d", got, testRate)
	}

	tags := parsePage(t, pages[1])
	if !bytes.HasPrefix(tags.body, []byte("OpusTags")) {
		t.Error("second page body must start with OpusTags")
	}
	vendorLen := binary.LittleEndian.Uint32(tags.body[8:12])
	commentOff := 12 + int(vendorLen)
	if got := binary.LittleEndian.Uint32(tags.body[commentOff : commentOff+4]); got != 0 {
		t.Errorf("OpusTags comment count = %d, want 0", got)
	}
}

func TestPacketizer_GranuleAdvance(t *testing.T) {
	p := newTestPacketizer()

	var pages [][]byte
	for i := 0; i < testPerPage; i++ {
		pages = append(pages, p.Append(makePacket(40, 0))...)
	}

	audio := parsePage(t, pages[len(pages)-1])
	// Each 320-sample packet advances the 48 kHz clock by 960.
	want := uint64(testPerPage * testSamples * internalClockRate / testRate)
	if audio.granule != want {
		t.Errorf("audio page granule = %d, want %d", audio.granule, want)
	}
}

func TestPacketizer_LacingMultipleOf255(t *testing.T) {
	p := newTestPacketizer()
	p.packetsPerPage = 1

	pages := p.Append(makePacket(510, 0x7F))
	audio := parsePage(t, pages[len(pages)-1])

	want := []byte{255, 255, 0}
	if !bytes.Equal(audio.lacing, want) {
		t.Errorf("lacing = %v, want %v (zero terminator required)", audio.lacing, want)
	}
	if audio.packets != 1 {
		t.Errorf("packets on page = %d, want 1", audio.packets)
	}
}

func TestPacketizer_OversizePacketTruncated(t *testing.T) {
	p := newTestPacketizer()
	p.packetsPerPage = 1

	var truncations int
	p.OnTruncate(func() { truncations++ })

	pages := p.Append(makePacket(maxPacketBytes+5000, 0x42))
	audio := parsePage(t, pages[len(pages)-1])

	if len(audio.body) != maxPacketBytes {
		t.Errorf("truncated body = %d bytes, want %d", len(audio.body), maxPacketBytes)
	}
	if len(audio.lacing) != maxSegments {
		t.Errorf("lacing values = %d, want %d", len(audio.lacing), maxSegments)
	}
	if truncations != 1 {
		t.Errorf("truncation observer fired %d times, want 1", truncations)
	}

	// In-budget packets never report truncation, across a Reset too.
	p.Reset()
	p.Append(makePacket(maxPacketBytes, 0x42))
	if truncations != 1 {
		t.Errorf("observer fired for an in-budget packet, count = %d", truncations)
	}
}

func TestPacketizer_FinishedIsTerminal(t *testing.T) {
	p := newTestPacketizer()
	p.Append(makePacket(60, 1))
	p.Flush(true)

	if !p.Finished() {
		t.Fatal("Finished() = false after final flush")
	}
	if pages := p.Append(makePacket(60, 2)); pages != nil {
		t.Errorf("Append after finish produced %d pages, want none", len(pages))
	}
	if pages := p.Flush(true); pages != nil {
		t.Errorf("Flush after finish produced %d pages, want none", len(pages))
	}

	p.Reset()
	if p.Finished() {
		t.Error("Reset must rearm the stream")
	}
	if pages := p.Append(makePacket(60, 3)); len(pages) < 2 {
		t.Error("append after Reset must emit headers again")
	}
}

func TestPacketizer_SequenceAndSerial(t *testing.T) {
	p := newTestPacketizer()

	var pages [][]byte
	for i := 0; i < 7; i++ {
		pages = append(pages, p.Append(makePacket(80, byte(i)))...)
	}
	pages = append(pages, p.Flush(true)...)

	serial := parsePage(t, pages[0]).serial
	for i, raw := range pages {
		page := parsePage(t, raw)
		if page.serial != serial {
			t.Errorf("page %d serial %08x != stream serial %08x", i, page.serial, serial)
		}
		if page.seq != uint32(i) {
			t.Errorf("page %d sequence = %d", i, page.seq)
		}
	}
}
