// Package framing reassembles fragmented panel shade messages into a pixel
// buffer and decides what the node should do with every datagram it receives.
package framing

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/ledbrain/internal/proto"
)

// PongDataMax caps the pong payload echoed back to the controller.
const PongDataMax = 256

// Action tells the caller what to do after a datagram was consumed.
type Action int

const (
	Nothing Action = iota
	WriteFrame
	SendHello
	DownloadFirmware
)

func (a Action) String() string {
	switch a {
	case Nothing:
		return "nothing"
	case WriteFrame:
		return "write_frame"
	case SendHello:
		return "send_hello"
	case DownloadFirmware:
		return "download_firmware"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Result is the outcome of one datagram. Err explains why a fragment was
// dropped; it is informational only, the state has already recovered.
// Pong is non-nil (possibly empty) when the completed message requested a pong.
type Result struct {
	Action Action
	URL    string
	Pong   []byte
	Err    error
}

// LedState is the reassembly state machine. It owns a pixel buffer sized once
// for the largest strip supported. Abandoned or invalid messages never blank
// what was last rendered.
type LedState struct {
	lastHeader  *proto.Header
	lastWrite   int
	writing     bool
	pixelCount  int
	palette     [proto.PaletteSize]byte
	hasPalette  bool
	pong        []byte
	hasPong     bool
	leds        []byte
	pongScratch [PongDataMax]byte
}

func New(maxLEDs int) *LedState {
	return &LedState{leds: make([]byte, maxLEDs*3)}
}

// Capacity is the number of LEDs the buffer holds.
func (s *LedState) Capacity() int { return len(s.leds) / 3 }

// PixelCount is the pixel count of the latest message, clipped to capacity.
func (s *LedState) PixelCount() int {
	return min(s.pixelCount, s.Capacity())
}

// Pixels returns the live buffer up to the current pixel count. It is only
// valid on the goroutine feeding OnDatagram.
func (s *LedState) Pixels() []byte {
	return s.leds[:s.PixelCount()*3]
}

// Snapshot copies the current pixels for use on another goroutine.
func (s *LedState) Snapshot() []byte {
	return append([]byte(nil), s.Pixels()...)
}

// InProgress reports whether a message is being accumulated.
func (s *LedState) InProgress() bool { return s.writing }

// Reset abandons any message in flight. Pixel contents and pixel count are kept.
func (s *LedState) Reset() {
	s.lastHeader = nil
	s.lastWrite = 0
	s.writing = false
	s.hasPalette = false
	s.hasPong = false
	s.pong = nil
}

// OnDatagram decodes the fragment header and feeds the rest to OnMessage.
func (s *LedState) OnDatagram(b []byte) Result {
	h, err := proto.DecodeHeader(b)
	if err != nil {
		s.Reset()
		return Result{Err: err}
	}
	return s.OnMessage(h, b[proto.HeaderSize:])
}

// OnMessage advances the state machine by one fragment.
func (s *LedState) OnMessage(h proto.Header, payload []byte) Result {
	if h.FrameSize < 0 || int(h.FrameSize) > len(payload) {
		s.Reset()
		return Result{Err: fmt.Errorf("frame size %d with %d payload bytes: %w", h.FrameSize, len(payload), proto.ErrTruncated)}
	}
	payload = payload[:h.FrameSize]

	if h.First() {
		s.Reset()
		c := proto.NewCursor(payload)
		t, err := c.Byte()
		if err != nil {
			return Result{Err: err}
		}
		switch proto.MessageType(t) {
		case proto.BrainIDRequest:
			return Result{Action: SendHello}
		case proto.UseFirmware:
			m, err := proto.ParseFirmware(c.Rest())
			if err != nil {
				log.Error().Err(err).Msg("failed to parse UseFirmware message")
				return Result{Err: err}
			}
			return Result{Action: DownloadFirmware, URL: m.URL}
		case proto.BrainPanelShade:
			if err := s.begin(c); err != nil {
				s.Reset()
				return Result{Err: err}
			}
			payload = c.Rest()
		default:
			log.Debug().Stringer("type", proto.MessageType(t)).Msg("unsupported message type")
			return Result{Err: fmt.Errorf("message type %s: %w", proto.MessageType(t), proto.ErrUnsupported)}
		}
	} else if !s.writing || s.lastHeader == nil || !h.Continues(*s.lastHeader) {
		log.Debug().
			Interface("last", s.lastHeader).
			Interface("header", h).
			Msg("noncontiguous frame received, resetting")
		s.Reset()
		return Result{Err: proto.ErrNonContiguous}
	}

	if s.hasPalette {
		s.writeIndexed(payload)
	} else {
		s.writeDirect(payload)
	}
	s.lastWrite += len(payload)
	hc := h
	s.lastHeader = &hc

	if !h.Complete() {
		return Result{}
	}
	r := Result{Action: WriteFrame}
	if s.hasPong {
		r.Pong = append(make([]byte, 0, len(s.pong)), s.pong...)
	}
	return r
}

// begin parses the panel shade preamble of a first fragment.
func (s *LedState) begin(c *proto.Cursor) error {
	head, err := proto.ParseShadeHead(c)
	if err != nil {
		if errors.Is(err, proto.ErrUnsupported) {
			log.Info().Err(err).Msg("unsupported descriptor")
		}
		return err
	}
	if head.HasPong {
		if len(head.Pong) > PongDataMax {
			log.Warn().Int("len", len(head.Pong)).Int("max", PongDataMax).Msg("pong data too long, dropping")
		} else {
			s.pong = append(s.pongScratch[:0], head.Pong...)
			s.hasPong = true
		}
	}
	s.pixelCount = int(head.PixelCount)
	if head.Palette != nil {
		copy(s.palette[:], head.Palette)
		s.hasPalette = true
	}
	s.writing = true
	return nil
}

// writeDirect copies RGB triples starting at the current write offset.
func (s *LedState) writeDirect(payload []byte) {
	if s.lastWrite >= len(s.leds) {
		return
	}
	copy(s.leds[s.lastWrite:], payload)
}

// writeIndexed expands 1 bit per pixel, MSB first, through the 2 color palette.
// The write offset counts input bytes, so byte i covers pixels (off+i)*8 ...
func (s *LedState) writeIndexed(payload []byte) {
	c0 := proto.PaletteColor(s.palette[:], 0)
	c1 := proto.PaletteColor(s.palette[:], 1)
	for i, b := range payload {
		for bit := 0; bit < 8; bit++ {
			idx := ((s.lastWrite+i)*8 + bit) * 3
			if idx+3 > len(s.leds) {
				return
			}
			if b&(0x80>>bit) != 0 {
				copy(s.leds[idx:idx+3], c1)
			} else {
				copy(s.leds[idx:idx+3], c0)
			}
		}
	}
}
