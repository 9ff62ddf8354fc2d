package proto

import (
	"fmt"
	"strconv"
)

// MessageType is the one-byte discriminant leading the first fragment of a message.
type MessageType byte

const (
	BrainHello MessageType = iota
	BrainPanelShade
	MapperHello
	BrainIDRequest
	BrainMapping
	Ping
	UseFirmware
)

func (t MessageType) String() string {
	switch t {
	case BrainHello:
		return "BrainHello"
	case BrainPanelShade:
		return "BrainPanelShade"
	case MapperHello:
		return "MapperHello"
	case BrainIDRequest:
		return "BrainIdRequest"
	case BrainMapping:
		return "BrainMapping"
	case Ping:
		return "Ping"
	case UseFirmware:
		return "UseFirmware"
	}
	return "MessageType(" + strconv.Itoa(int(t)) + ")"
}

// Descriptor is the [shader type, encoding] pair of a panel shade.
type Descriptor [2]byte

var (
	DescriptorDirectRGB = Descriptor{1, 1}
	DescriptorIndexed2  = Descriptor{1, 2}
)

// PaletteSize is two ARGB colors. Alpha is carried but ignored.
const PaletteSize = 2 * 4

// PaletteColor returns the RGB bytes of entry i (0 or 1) of an indexed-2 palette.
func PaletteColor(palette []byte, i int) []byte {
	return palette[i*4+1 : i*4+4]
}

// Hello announces a brain to the controller.
type Hello struct {
	BrainID         string
	PanelName       *string
	FirmwareVersion *string
	IDFVersion      *string
}

func (m Hello) Encode() []byte {
	return NewWriter(64).
		Byte(byte(BrainHello)).
		Str(m.BrainID).
		OptStr(m.PanelName).
		OptStr(m.FirmwareVersion).
		OptStr(m.IDFVersion).
		Bytes()
}

// ParseHello decodes a hello body (the bytes after the type byte).
func ParseHello(body []byte) (Hello, error) {
	var (
		m   Hello
		err error
	)
	c := NewCursor(body)
	if m.BrainID, err = c.Str(); err != nil {
		return Hello{}, fmt.Errorf("brain id: %w", err)
	}
	if m.PanelName, err = c.OptStr(); err != nil {
		return Hello{}, fmt.Errorf("panel name: %w", err)
	}
	if m.FirmwareVersion, err = c.OptStr(); err != nil {
		return Hello{}, fmt.Errorf("firmware version: %w", err)
	}
	if m.IDFVersion, err = c.OptStr(); err != nil {
		return Hello{}, fmt.Errorf("idf version: %w", err)
	}
	return m, nil
}

// IDRequest asks a brain to announce itself to the sender.
type IDRequest struct{}

func (IDRequest) Encode() []byte { return []byte{byte(BrainIDRequest)} }

// PanelShade carries pixel data for a panel. Pong is nil when no pong is requested.
type PanelShade struct {
	Pong       []byte
	Descriptor Descriptor
	PixelCount uint16
	Palette    []byte
	Pixels     []byte
}

func (m PanelShade) Encode() []byte {
	w := NewWriter(16 + len(m.Pong) + len(m.Palette) + len(m.Pixels))
	w.Byte(byte(BrainPanelShade)).Bool(m.Pong != nil)
	if m.Pong != nil {
		w.ByteArray(m.Pong)
	}
	w.ByteArray(m.Descriptor[:]).Uint16(m.PixelCount)
	if m.Descriptor == DescriptorIndexed2 {
		w.Raw(m.Palette)
	}
	return w.Raw(m.Pixels).Bytes()
}

// ShadeHead is everything of a panel shade that precedes the pixel payload.
type ShadeHead struct {
	HasPong    bool
	Pong       []byte
	Descriptor Descriptor
	PixelCount uint16
	Palette    []byte
}

// ParseShadeHead decodes a panel shade up to the pixel payload and leaves c
// positioned on the first pixel byte. Returned slices alias c's buffer.
func ParseShadeHead(c *Cursor) (ShadeHead, error) {
	var (
		h   ShadeHead
		err error
	)
	if h.HasPong, err = c.Bool(); err != nil {
		return ShadeHead{}, fmt.Errorf("pong flag: %w", err)
	}
	if h.HasPong {
		if h.Pong, err = c.Bytes(); err != nil {
			return ShadeHead{}, fmt.Errorf("pong data: %w", err)
		}
	}
	desc, err := c.Bytes()
	if err != nil {
		return ShadeHead{}, fmt.Errorf("descriptor: %w", err)
	}
	if len(desc) != len(h.Descriptor) {
		return ShadeHead{}, fmt.Errorf("descriptor % x: %w", desc, ErrUnsupported)
	}
	copy(h.Descriptor[:], desc)
	if h.PixelCount, err = c.Uint16(); err != nil {
		return ShadeHead{}, fmt.Errorf("pixel count: %w", err)
	}
	switch h.Descriptor {
	case DescriptorIndexed2:
		if h.Palette, err = c.Take(PaletteSize); err != nil {
			return ShadeHead{}, fmt.Errorf("palette: %w", err)
		}
	case DescriptorDirectRGB:
	default:
		return ShadeHead{}, fmt.Errorf("descriptor % x: %w", h.Descriptor[:], ErrUnsupported)
	}
	return h, nil
}

// PingMsg is a ping, or the pong answering one.
type PingMsg struct {
	Data   []byte
	IsPong bool
}

func (m PingMsg) Encode() []byte {
	return NewWriter(6 + len(m.Data)).
		Byte(byte(Ping)).
		ByteArray(m.Data).
		Bool(m.IsPong).
		Bytes()
}

func ParsePing(body []byte) (PingMsg, error) {
	c := NewCursor(body)
	data, err := c.Bytes()
	if err != nil {
		return PingMsg{}, fmt.Errorf("ping data: %w", err)
	}
	pong, err := c.Bool()
	if err != nil {
		return PingMsg{}, fmt.Errorf("pong flag: %w", err)
	}
	return PingMsg{Data: data, IsPong: pong}, nil
}

// URLMax caps the firmware URL a brain accepts.
const URLMax = 512

// FirmwareMsg points a brain at a firmware image to install.
type FirmwareMsg struct {
	URL string
}

func (m FirmwareMsg) Encode() []byte {
	return NewWriter(5 + len(m.URL)).Byte(byte(UseFirmware)).Str(m.URL).Bytes()
}

func ParseFirmware(body []byte) (FirmwareMsg, error) {
	url, err := NewCursor(body).Str()
	if err != nil {
		return FirmwareMsg{}, fmt.Errorf("firmware url: %w", err)
	}
	if url == "" {
		return FirmwareMsg{}, fmt.Errorf("empty firmware url: %w", ErrMalformed)
	}
	if len(url) > URLMax {
		return FirmwareMsg{}, fmt.Errorf("firmware url of %d bytes exceeds %d: %w", len(url), URLMax, ErrMalformed)
	}
	return FirmwareMsg{URL: url}, nil
}
