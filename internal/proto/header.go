package proto

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// HeaderSize is the fixed size of the fragment header on the wire.
	HeaderSize = 12
	// FragmentMax is the largest datagram either side sends.
	FragmentMax = 1500
	// DatagramMax is the largest datagram a header can describe: frame_size is an int16.
	DatagramMax = HeaderSize + math.MaxInt16
)

// Header precedes every fragment of a logical message.
// Layout (big-endian): ID(2) | FrameSize(2) | MsgSize(4) | FrameOffset(4)
type Header struct {
	ID          int16
	FrameSize   int16
	MsgSize     int32
	FrameOffset int32
}

// EncodeHeader serialises h into its 12 byte wire form.
func EncodeHeader(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(h.ID))
	binary.BigEndian.PutUint16(b[2:4], uint16(h.FrameSize))
	binary.BigEndian.PutUint32(b[4:8], uint32(h.MsgSize))
	binary.BigEndian.PutUint32(b[8:12], uint32(h.FrameOffset))
	return b
}

// AppendTo appends the encoded header to dst.
func (h Header) AppendTo(dst []byte) []byte {
	b := EncodeHeader(h)
	return append(dst, b[:]...)
}

// DecodeHeader reads a header from the front of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header needs %d bytes, have %d: %w", HeaderSize, len(b), ErrTruncated)
	}
	return Header{
		ID:          int16(binary.BigEndian.Uint16(b[0:2])),
		FrameSize:   int16(binary.BigEndian.Uint16(b[2:4])),
		MsgSize:     int32(binary.BigEndian.Uint32(b[4:8])),
		FrameOffset: int32(binary.BigEndian.Uint32(b[8:12])),
	}, nil
}

// Continues reports whether h directly follows prev within the same message.
func (h Header) Continues(prev Header) bool {
	return prev.ID == h.ID && int64(prev.FrameOffset)+int64(prev.FrameSize) == int64(h.FrameOffset)
}

// Complete reports whether h carries the final bytes of its message.
func (h Header) Complete() bool {
	return int64(h.FrameOffset)+int64(h.FrameSize) == int64(h.MsgSize)
}

// First reports whether h starts a new logical message.
func (h Header) First() bool { return h.FrameOffset == 0 }

// Wrap prefixes payload with a single-fragment header. Outbound messages are
// never fragmented, so payloads must fit in one int16 frame size.
func Wrap(id int16, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxInt16 {
		return nil, fmt.Errorf("payload of %d bytes exceeds single fragment: %w", len(payload), ErrMalformed)
	}
	h := Header{
		ID:        id,
		FrameSize: int16(len(payload)),
		MsgSize:   int32(len(payload)),
	}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = h.AppendTo(out)
	return append(out, payload...), nil
}
