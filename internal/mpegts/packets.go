// Package mpegts builds and inspects the small set of MPEG-TS packets the
// bridge emits itself: null padding packets for the deferred-start shim and
// PAT/PMT program-structure packets that let Plex's packager instantiate a
// consumer before the first real frame arrives.
package mpegts

// PacketSize is the fixed MPEG transport stream packet size.
const PacketSize = 188

// SyncByte starts every valid TS packet.
const SyncByte = 0x47

// NullPID is the padding PID; decoders discard these packets silently.
const NullPID = 0x1FFF

// PID values match ffmpeg's mpegts muxer defaults (mpegts_pmt_start_pid,
// mpegts_start_pid) so padding-era PSI declares the same program structure
// the real transcoder output will carry.
const (
	PMTPID      = 0x1000
	VideoESPID  = 0x0100
	AudioESPID  = 0x0101
	programeNum = 1
)

// CRC32 computes the MPEG-2 section CRC-32 (polynomial 0x04C11DB7, init
// 0xFFFFFFFF, MSB-first, no reflection, no final XOR) used in PAT/PMT tables.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}

// NullPacket returns a 188-byte null packet (PID 0x1FFF, payload 0xFF).
// cc is the 4-bit continuity counter.
func NullPacket(cc uint8) [PacketSize]byte {
	var pkt [PacketSize]byte
	pkt[0] = SyncByte
	pkt[1] = 0x1F
	pkt[2] = 0xFF
	pkt[3] = 0x10 | (cc & 0x0F)
	for i := 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// PATPacket returns a valid PAT packet declaring program 1 at PMTPID.
// cc is the continuity counter for PID 0.
func PATPacket(cc uint8) [PacketSize]byte {
	var pkt [PacketSize]byte
	pkt[0] = SyncByte
	pkt[1] = 0x40 // PUSI=1, PID=0
	pkt[2] = 0x00
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00 // pointer_field
	s := pkt[5:]
	s[0] = 0x00 // table_id
	s[1] = 0xB0 // section_syntax=1, reserved, section_length high nibble 0
	s[2] = 0x0D // section_length = 13
	s[3] = 0x00 // transport_stream_id
	s[4] = 0x01
	s[5] = 0xC1 // version 0, current_next=1
	s[6] = 0x00 // section_number
	s[7] = 0x00 // last_section_number
	s[8] = 0x00 // program_number
	s[9] = byte(programeNum)
	s[10] = byte(0xE0 | ((PMTPID >> 8) & 0x1F))
	s[11] = byte(PMTPID & 0xFF)
	crc := CRC32(pkt[5:17])
	s[12] = byte(crc >> 24)
	s[13] = byte(crc >> 16)
	s[14] = byte(crc >> 8)
	s[15] = byte(crc)
	for i := 21; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// PMTPacket returns a valid PMT packet for program 1 declaring H264 video
// (stream_type 0x1B) and AAC audio (stream_type 0x0F) at the default ffmpeg
// elementary-stream PIDs. cc is the continuity counter for PMTPID.
func PMTPacket(cc uint8) [PacketSize]byte {
	var pkt [PacketSize]byte
	pkt[0] = SyncByte
	pkt[1] = byte(0x40 | ((PMTPID >> 8) & 0x1F))
	pkt[2] = byte(PMTPID & 0xFF)
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00 // pointer_field
	s := pkt[5:]
	s[0] = 0x02 // table_id (PMT)
	s[1] = 0xB0
	s[2] = 0x17 // section_length = 23
	s[3] = 0x00 // program_number
	s[4] = byte(programeNum)
	s[5] = 0xC1
	s[6] = 0x00
	s[7] = 0x00
	// PCR_PID = video PID
	s[8] = byte(0xE0 | ((VideoESPID >> 8) & 0x1F))
	s[9] = byte(VideoESPID & 0xFF)
	// program_info_length = 0
	s[10] = 0xF0
	s[11] = 0x00
	// video: H264
	s[12] = 0x1B
	s[13] = byte(0xE0 | ((VideoESPID >> 8) & 0x1F))
	s[14] = byte(VideoESPID & 0xFF)
	s[15] = 0xF0
	s[16] = 0x00
	// audio: AAC
	s[17] = 0x0F
	s[18] = byte(0xE0 | ((AudioESPID >> 8) & 0x1F))
	s[19] = byte(AudioESPID & 0xFF)
	s[20] = 0xF0
	s[21] = 0x00
	crc := CRC32(pkt[5:27])
	s[22] = byte(crc >> 24)
	s[23] = byte(crc >> 16)
	s[24] = byte(crc >> 8)
	s[25] = byte(crc)
	for i := 31; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// PID extracts the 13-bit PID from a TS packet header.
func PID(pkt []byte) uint16 {
	if len(pkt) < 3 {
		return 0
	}
	return uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
}

// ValidStream reports whether b is a whole number of 188-byte packets each
// starting with the sync byte. This is the downstream byte-stream invariant:
// everything the bridge sends a Plex client must satisfy it.
func ValidStream(b []byte) bool {
	if len(b) == 0 || len(b)%PacketSize != 0 {
		return false
	}
	for off := 0; off < len(b); off += PacketSize {
		if b[off] != SyncByte {
			return false
		}
	}
	return true
}

// SyncOffset finds the first offset at which count consecutive packets start
// with the sync byte at 188 spacing. Returns -1 when no alignment is found.
func SyncOffset(b []byte, count int) int {
	if count < 1 {
		count = 1
	}
	for off := 0; off < PacketSize && off < len(b); off++ {
		ok := true
		for i := 0; i < count; i++ {
			idx := off + i*PacketSize
			if idx >= len(b) || b[idx] != SyncByte {
				ok = false
				break
			}
		}
		if ok {
			return off
		}
	}
	return -1
}
