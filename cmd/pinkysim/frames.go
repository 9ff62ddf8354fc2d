package main

import (
	"encoding/binary"
	"math"

	"github.com/coreman2200/ledbrain/internal/proto"
)

// fragment splits msg into datagrams no larger than maxDatagram bytes.
func fragment(id int16, msg []byte, maxDatagram int) [][]byte {
	chunk := maxDatagram - proto.HeaderSize
	var out [][]byte
	for off := 0; off < len(msg); off += chunk {
		end := min(off+chunk, len(msg))
		h := proto.Header{
			ID:          id,
			FrameSize:   int16(end - off),
			MsgSize:     int32(len(msg)),
			FrameOffset: int32(off),
		}
		out = append(out, append(h.AppendTo(make([]byte, 0, proto.HeaderSize+end-off)), msg[off:end]...))
	}
	return out
}

// rainbow renders a hue wheel across count pixels, rotated by phase (0..1).
func rainbow(count int, phase float64) []byte {
	rgb := make([]byte, count*3)
	for i := 0; i < count; i++ {
		h := math.Mod(float64(i)/float64(max(1, count))+phase, 1)
		r, g, b := hsvToRGB(h, 1, 1)
		rgb[i*3], rgb[i*3+1], rgb[i*3+2] = byte(r*255), byte(g*255), byte(b*255)
	}
	return rgb
}

// stripes packs a moving on/off pattern at one bit per pixel, MSB first.
func stripes(count, shift int) []byte {
	bits := make([]byte, (count+7)/8)
	for i := 0; i < count; i++ {
		if ((i+shift)/4)%2 == 0 {
			bits[i/8] |= 0x80 >> (i % 8)
		}
	}
	return bits
}

// shade builds a panel shade. indexed selects the 2 color palette encoding.
func shade(count int, tick int, indexed bool, pong []byte) []byte {
	m := proto.PanelShade{Pong: pong, PixelCount: uint16(count)}
	if indexed {
		m.Descriptor = proto.DescriptorIndexed2
		m.Palette = []byte{0xff, 0, 0, 0x20, 0xff, 0xff, 0x80, 0}
		m.Pixels = stripes(count, tick)
	} else {
		m.Descriptor = proto.DescriptorDirectRGB
		m.Pixels = rainbow(count, float64(tick%360)/360)
	}
	return m.Encode()
}

func pongStamp(seq uint32, nanos int64) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b, seq)
	binary.BigEndian.PutUint64(b[4:], uint64(nanos))
	return b
}

func hsvToRGB(h, s, v float64) (float64, float64, float64) {
	i := int(h * 6.0)
	f := h*6.0 - float64(i)
	p := v * (1.0 - s)
	q := v * (1.0 - f*s)
	t := v * (1.0 - (1.0-f)*s)
	switch i % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}
