package mpegts

import (
	"bytes"
	"context"
	"testing"

	"github.com/asticode/go-astits"
)

// TestCRC32KnownVector checks the MPEG-2 section CRC against the published
// CRC-32/MPEG-2 check value for "123456789".
func TestCRC32KnownVector(t *testing.T) {
	got := CRC32([]byte("123456789"))
	if got != 0x0376E6E7 {
		t.Fatalf("CRC32 = 0x%08X, want 0x0376E6E7", got)
	}
}

// TestNullPacketShape verifies the padding packet layout: sync byte, PID
// 0x1FFF, payload-only adaptation control, counter in the low nibble, 0xFF
// fill.
func TestNullPacketShape(t *testing.T) {
	pkt := NullPacket(7)
	if pkt[0] != SyncByte {
		t.Fatalf("sync byte = 0x%02X", pkt[0])
	}
	if PID(pkt[:]) != NullPID {
		t.Fatalf("PID = 0x%04X, want 0x1FFF", PID(pkt[:]))
	}
	if pkt[3] != 0x17 {
		t.Fatalf("header byte 3 = 0x%02X, want 0x17", pkt[3])
	}
	for i := 4; i < PacketSize; i++ {
		if pkt[i] != 0xFF {
			t.Fatalf("payload byte %d = 0x%02X, want 0xFF", i, pkt[i])
		}
	}
}

// TestNullPacketCounterWraps confirms the continuity counter is masked to
// four bits.
func TestNullPacketCounterWraps(t *testing.T) {
	pkt := NullPacket(0x1F)
	if pkt[3]&0x0F != 0x0F {
		t.Fatalf("counter = %d, want 15", pkt[3]&0x0F)
	}
}

// TestPSIDemuxes feeds the generated PAT and PMT through an independent
// demuxer and checks the declared program structure: program 1 at the PMT
// PID, H264 video and AAC audio at the ffmpeg default elementary PIDs.
func TestPSIDemuxes(t *testing.T) {
	pat := PATPacket(0)
	pmt := PMTPacket(0)
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(append(pat[:], pmt[:]...)))

	var sawPAT, sawPMT bool
	for {
		d, err := dmx.NextData()
		if err != nil {
			break
		}
		if d.PAT != nil {
			sawPAT = true
			if len(d.PAT.Programs) != 1 {
				t.Fatalf("PAT programs = %d, want 1", len(d.PAT.Programs))
			}
			p := d.PAT.Programs[0]
			if p.ProgramNumber != 1 || p.ProgramMapID != PMTPID {
				t.Fatalf("PAT program = %d map 0x%04X", p.ProgramNumber, p.ProgramMapID)
			}
		}
		if d.PMT != nil {
			sawPMT = true
			if len(d.PMT.ElementaryStreams) != 2 {
				t.Fatalf("PMT streams = %d, want 2", len(d.PMT.ElementaryStreams))
			}
			var video, audio bool
			for _, es := range d.PMT.ElementaryStreams {
				switch es.ElementaryPID {
				case VideoESPID:
					video = es.StreamType == astits.StreamTypeH264Video
				case AudioESPID:
					audio = es.StreamType == astits.StreamTypeAACAudio
				}
			}
			if !video || !audio {
				t.Fatalf("PMT streams video=%v audio=%v", video, audio)
			}
		}
	}
	if !sawPAT || !sawPMT {
		t.Fatalf("demuxer saw PAT=%v PMT=%v", sawPAT, sawPMT)
	}
}

// TestValidStream covers alignment and sync checks on whole byte streams.
func TestValidStream(t *testing.T) {
	null := NullPacket(0)
	pat := PATPacket(0)
	good := append(null[:], pat[:]...)
	if !ValidStream(good) {
		t.Fatal("aligned stream rejected")
	}
	if ValidStream(good[:200]) {
		t.Fatal("partial packet accepted")
	}
	bad := append([]byte(nil), good...)
	bad[188] = 0x00
	if ValidStream(bad) {
		t.Fatal("stream with broken sync accepted")
	}
	if ValidStream(nil) {
		t.Fatal("empty stream accepted")
	}
}

// TestSyncOffset locates packet alignment in a stream with leading garbage.
func TestSyncOffset(t *testing.T) {
	null := NullPacket(0)
	buf := append([]byte{0x00, 0x12, 0x34}, null[:]...)
	buf = append(buf, null[:]...)
	if off := SyncOffset(buf, 2); off != 3 {
		t.Fatalf("SyncOffset = %d, want 3", off)
	}
	if off := SyncOffset([]byte{0x00, 0x01}, 1); off != -1 {
		t.Fatalf("SyncOffset on garbage = %d, want -1", off)
	}
}
