package proto

import (
	"encoding/binary"
	"fmt"
)

// Cursor walks a byte slice front to back. Every read is bounds checked and
// reports ErrTruncated or ErrMalformed rather than slicing out of range.
type Cursor struct {
	buf []byte
	off int
}

func NewCursor(b []byte) *Cursor { return &Cursor{buf: b} }

// Remaining is the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.off }

// Rest returns the unread bytes without copying and consumes them.
func (c *Cursor) Rest() []byte {
	r := c.buf[c.off:]
	c.off = len(c.buf)
	return r
}

// Take returns the next n bytes without copying.
func (c *Cursor) Take(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d: %w", n, ErrMalformed)
	}
	if n > c.Remaining() {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, c.off, c.Remaining(), ErrTruncated)
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *Cursor) Byte() (byte, error) {
	b, err := c.Take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) Bool() (bool, error) {
	b, err := c.Byte()
	return b != 0, err
}

func (c *Cursor) Uint16() (uint16, error) {
	b, err := c.Take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *Cursor) Int32() (int32, error) {
	b, err := c.Take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Bytes reads an int32 length prefix followed by that many bytes. A declared
// length larger than what is left is malformed, not merely truncated.
func (c *Cursor) Bytes() ([]byte, error) {
	n, err := c.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > c.Remaining() {
		return nil, fmt.Errorf("declared length %d with %d bytes left: %w", n, c.Remaining(), ErrMalformed)
	}
	return c.Take(int(n))
}

func (c *Cursor) Str() (string, error) {
	b, err := c.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// OptStr reads a presence flag followed by a string when the flag is set.
func (c *Cursor) OptStr() (*string, error) {
	ok, err := c.Bool()
	if err != nil || !ok {
		return nil, err
	}
	s, err := c.Str()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Writer is the append-only mirror of Cursor.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer { return &Writer{buf: make([]byte, 0, capacity)} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Byte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.Byte(1)
	}
	return w.Byte(0)
}

func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Int32(v int32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
	return w
}

func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// ByteArray writes an int32 length prefix and b.
func (w *Writer) ByteArray(b []byte) *Writer {
	return w.Int32(int32(len(b))).Raw(b)
}

func (w *Writer) Str(s string) *Writer {
	w.Int32(int32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *Writer) OptStr(s *string) *Writer {
	if s == nil {
		return w.Bool(false)
	}
	return w.Bool(true).Str(*s)
}
