//go:build tinygo && bootdebug

package app

import (
	"image/color"
	"machine"
	"sync"
	"time"

	"rtk/hal"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

var (
	bootMu   sync.Mutex
	bootMsg  string
	bootOnce sync.Once
)

// bootStep records the boot stage, draws it and keeps repeating it on
// the logger and USB CDC so a hung boot can be caught without a UART.
func bootStep(h hal.HAL, msg string) {
	bootMu.Lock()
	bootMsg = msg
	bootMu.Unlock()
	bootOnce.Do(func() { go bootRepeat(h.Logger()) })

	disp := h.Display()
	if disp == nil {
		return
	}
	fb := disp.Framebuffer()
	if fb == nil {
		return
	}
	fb.ClearRGB(0, 0, 0)
	d := panicDisplay{fb: fb}
	fg := color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	tinyfont.WriteLine(d, &proggy.TinySZ8pt7b, 0, 10, "RTK boot", fg)
	tinyfont.WriteLine(d, &proggy.TinySZ8pt7b, 0, 22, msg, fg)
	_ = fb.Present()
}

func bootRepeat(l hal.Logger) {
	for {
		bootMu.Lock()
		line := "boot: " + bootMsg
		bootMu.Unlock()
		if l != nil {
			l.WriteLineString(line)
		}
		if usb := machine.USBCDC; usb != nil {
			_, _ = usb.Write([]byte(line + "\r\n"))
		}
		time.Sleep(250 * time.Millisecond)
	}
}
