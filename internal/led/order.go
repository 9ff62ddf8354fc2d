package led

import (
	"fmt"
	"strings"
)

// ColorOrder is the channel order a strip expects on the wire, e.g. "GRB" for WS2812.
type ColorOrder [3]byte

var (
	RGB = ColorOrder{'R', 'G', 'B'}
	GRB = ColorOrder{'G', 'R', 'B'}
)

// ParseColorOrder accepts any permutation of R, G and B.
func ParseColorOrder(s string) (ColorOrder, error) {
	s = strings.ToUpper(s)
	if len(s) != 3 || !strings.ContainsRune(s, 'R') || !strings.ContainsRune(s, 'G') || !strings.ContainsRune(s, 'B') {
		return ColorOrder{}, fmt.Errorf("invalid color order %q", s)
	}
	return ColorOrder{s[0], s[1], s[2]}, nil
}

func (o ColorOrder) String() string { return string(o[:]) }

// Apply writes pixel (r, g, b) into dst[0:3] in strip order.
func (o ColorOrder) Apply(dst []byte, r, g, b byte) {
	for i, c := range o {
		switch c {
		case 'R':
			dst[i] = r
		case 'G':
			dst[i] = g
		case 'B':
			dst[i] = b
		}
	}
}
