// Package rtcm implements RTCM3 binary framing: preamble and length
// validation, message-type extraction, CRC24Q verification and an
// incremental splitter for byte streams.
package rtcm

import (
	"errors"
	"fmt"
)

// Preamble is the fixed first byte of every RTCM3 frame.
const Preamble = 0xD3

// frame = preamble (1) + reserved/length (2) + payload (length) + CRC (3).
const (
	headerLen = 3
	crcLen    = 3
)

var (
	// ErrIncompleteFrame means the declared length plus CRC trailer is not
	// fully present yet. Callers buffer more bytes and retry.
	ErrIncompleteFrame = errors.New("rtcm: incomplete frame")

	// ErrBadPreamble means the input does not start with 0xD3.
	ErrBadPreamble = errors.New("rtcm: bad preamble")

	// ErrChecksum means the CRC24Q trailer does not match the frame.
	ErrChecksum = errors.New("rtcm: checksum mismatch")
)

// Header is the decoded fixed portion of a frame.
type Header struct {
	// Length is the 10-bit payload length in bytes.
	Length int
	// Type is the 12-bit message number from the first payload bytes, or 0
	// when the payload is empty.
	Type uint16
}

// Frame is one complete, checksum-verified RTCM3 message.
type Frame struct {
	Type    uint16
	Payload []byte
}

// ParseHeader decodes the preamble, declared length and message type. It
// needs the 3 header bytes plus, for the type field, the first 2 payload
// bytes. It does not require or verify the CRC trailer.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, ErrIncompleteFrame
	}
	if b[0] != Preamble {
		return Header{}, ErrBadPreamble
	}
	// 6 reserved bits, then a 10-bit length.
	length := int(b[1]&0x03)<<8 | int(b[2])
	h := Header{Length: length}
	if length >= 2 {
		if len(b) < headerLen+2 {
			return Header{}, ErrIncompleteFrame
		}
		// Message number is the high 12 bits of the payload.
		h.Type = uint16(b[3])<<4 | uint16(b[4])>>4
	}
	return h, nil
}

// ParseFrame decodes and verifies one frame from the start of b. It returns
// the frame and the number of bytes consumed. Truncated input returns
// ErrIncompleteFrame; a bad preamble or CRC never yields a partial record.
func ParseFrame(b []byte) (Frame, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	total := headerLen + h.Length + crcLen
	if len(b) < total {
		return Frame{}, 0, fmt.Errorf("%w: have %d of %d bytes", ErrIncompleteFrame, len(b), total)
	}
	want := uint32(b[total-3])<<16 | uint32(b[total-2])<<8 | uint32(b[total-1])
	if crc24q(b[:headerLen+h.Length]) != want {
		return Frame{}, 0, ErrChecksum
	}
	payload := make([]byte, h.Length)
	copy(payload, b[headerLen:headerLen+h.Length])
	return Frame{Type: h.Type, Payload: payload}, total, nil
}

// EncodeFrame wraps a payload in RTCM3 framing with a valid CRC trailer.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > 0x3FF {
		return nil, fmt.Errorf("rtcm: payload too long: %d bytes", len(payload))
	}
	out := make([]byte, 0, headerLen+len(payload)+crcLen)
	out = append(out, Preamble, byte(len(payload)>>8)&0x03, byte(len(payload)))
	out = append(out, payload...)
	crc := crc24q(out)
	out = append(out, byte(crc>>16), byte(crc>>8), byte(crc))
	return out, nil
}
