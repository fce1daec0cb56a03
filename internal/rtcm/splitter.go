package rtcm

import (
	"bytes"
	"errors"
)

// Splitter reassembles RTCM3 frames from an arbitrary byte stream. Bytes
// between frames (or frames failing CRC) are discarded one preamble
// candidate at a time, so a corrupt frame never stalls the stream.
type Splitter struct {
	buf []byte

	// Discarded counts bytes skipped while hunting for a valid frame.
	Discarded uint64
	// CRCFailures counts frames dropped on a checksum mismatch.
	CRCFailures uint64
}

// NewSplitter returns an empty splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Feed appends bytes and returns all complete, CRC-valid frames now
// available. Partial trailing data is retained for the next call.
func (s *Splitter) Feed(b []byte) []Frame {
	s.buf = append(s.buf, b...)
	var frames []Frame

	for {
		// Hunt for the next preamble.
		idx := bytes.IndexByte(s.buf, Preamble)
		if idx < 0 {
			s.Discarded += uint64(len(s.buf))
			s.buf = s.buf[:0]
			return frames
		}
		if idx > 0 {
			s.Discarded += uint64(idx)
			s.buf = s.buf[idx:]
		}

		frame, n, err := ParseFrame(s.buf)
		switch {
		case err == nil:
			frames = append(frames, frame)
			s.buf = s.buf[n:]
		case errors.Is(err, ErrIncompleteFrame):
			// Wait for more bytes.
			return frames
		default:
			// Bad CRC behind a real-looking preamble, or preamble byte
			// inside unrelated data. Skip one byte and rescan.
			if errors.Is(err, ErrChecksum) {
				s.CRCFailures++
			}
			s.Discarded++
			s.buf = s.buf[1:]
		}
	}
}

// Pending returns the number of buffered bytes awaiting completion.
func (s *Splitter) Pending() int {
	return len(s.buf)
}
