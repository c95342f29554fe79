// File: relay/rtp.go
// Author: momentics <momentics@gmail.com>
//
// Minimal RTP framing: sequence number and payload bounds only.

package relay

import "encoding/binary"

const (
	rtpVersion   = 2
	rtpHeaderLen = 12
)

// ParseRTP returns the sequence number and the payload view of an RTP
// packet, skipping CSRCs, the header extension and padding. ok is false for
// anything that is not a well-formed RTP version 2 packet.
func ParseRTP(b []byte) (seq uint16, off, n int, ok bool) {
	if len(b) < rtpHeaderLen || b[0]>>6 != rtpVersion {
		return 0, 0, 0, false
	}
	off = rtpHeaderLen + 4*int(b[0]&0x0f)
	if b[0]&0x10 != 0 {
		if len(b) < off+4 {
			return 0, 0, 0, false
		}
		off += 4 + 4*int(binary.BigEndian.Uint16(b[off+2:]))
	}
	end := len(b)
	if b[0]&0x20 != 0 {
		end -= int(b[len(b)-1])
	}
	if off > end {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint16(b[2:]), off, end - off, true
}
