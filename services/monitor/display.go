package monitor

import (
	"image/color"

	"rtk/hal"

	"tinygo.org/x/drivers"
)

// fbDisplay lets tinyterm and tinyfont draw into an RGB565 framebuffer.
type fbDisplay struct {
	fb hal.Framebuffer
}

var _ drivers.Displayer = (*fbDisplay)(nil)

func newFBDisplay(fb hal.Framebuffer) *fbDisplay {
	return &fbDisplay{fb: fb}
}

func (d *fbDisplay) Size() (x, y int16) {
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d *fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	hal.PutRGB565(d.fb, int(x), int(y), hal.RGB565(c))
}

func (d *fbDisplay) Display() error {
	return d.fb.Present()
}

func (d *fbDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	w, h := d.fb.Width(), d.fb.Height()
	x0 := clampInt(int(x), 0, w)
	y0 := clampInt(int(y), 0, h)
	x1 := clampInt(int(x)+int(width), 0, w)
	y1 := clampInt(int(y)+int(height), 0, h)

	p := hal.RGB565(c)
	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			hal.PutRGB565(d.fb, px, py, p)
		}
	}
	return nil
}

// ScrollUp shifts the picture up by lines rows and clears the rows
// uncovered at the bottom.
func (d *fbDisplay) ScrollUp(lines int16, bg color.RGBA) error {
	h := d.fb.Height()
	n := int(lines)
	if n <= 0 {
		return nil
	}
	if n >= h {
		return d.FillRectangle(0, 0, int16(d.fb.Width()), int16(h), bg)
	}
	buf := d.fb.Buffer()
	stride := d.fb.StrideBytes()
	copy(buf[:(h-n)*stride], buf[n*stride:h*stride])
	return d.FillRectangle(0, int16(h-n), int16(d.fb.Width()), int16(n), bg)
}

func (d *fbDisplay) SetScroll(line int16) {}

func (d *fbDisplay) SetRotation(rotation drivers.Rotation) error { return nil }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
