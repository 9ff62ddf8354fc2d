package led

import (
	"image"
	"image/color"
	"sync"

	"periph.io/x/conn/v3/display"
	"periph.io/x/extra/devices/screen"
)

// Console renders the strip as a row of colored cells in an ANSI terminal.
type Console struct {
	mu     sync.Mutex
	drawer display.Drawer
	img    *image.NRGBA
}

func NewConsole(count int) *Console {
	return newConsole(screen.New(count), count)
}

func newConsole(d display.Drawer, count int) *Console {
	return &Console{drawer: d, img: image.NewNRGBA(image.Rect(0, 0, count, 1))}
}

func (c *Console) Write(rgb []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.img.Rect.Dx()
	for x := 0; x < w; x++ {
		var px color.NRGBA
		if i := x * 3; i+2 < len(rgb) {
			px = color.NRGBA{R: rgb[i], G: rgb[i+1], B: rgb[i+2], A: 0xff}
		} else {
			px = color.NRGBA{A: 0xff}
		}
		c.img.SetNRGBA(x, 0, px)
	}
	return c.drawer.Draw(c.drawer.Bounds(), c.img, image.Point{})
}

func (c *Console) Close() error {
	return c.drawer.Halt()
}
