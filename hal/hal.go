// Package hal is the boundary between the kernel demo system and the
// board it runs on: a line logger, a status LED, a framebuffer, a
// keyboard, raw NOR flash and a millisecond tick source.
package hal

import (
	"errors"

	"tinygo.org/x/tinyfs"
)

var (
	ErrNotImplemented = errors.New("hal: not implemented")

	// ErrFlashWriteRequiresErase is returned when a write would need to
	// turn a programmed 0 bit back into 1.
	ErrFlashWriteRequiresErase = errors.New("hal: flash write requires erase")

	ErrFlashRange = errors.New("hal: flash access out of range")
)

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// LED is a minimal output pin abstraction.
type LED interface {
	High()
	Low()
}

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp little-endian: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a pixel buffer plus a "present" hook that pushes it to
// the panel.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// KeyCode identifies a non-text key.
type KeyCode uint16

const (
	KeyUnknown KeyCode = iota
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
	KeyEnter
	KeyEscape
	KeyTab
	KeyF1
	KeyF2
	KeyF3
)

// KeyEvent is a keyboard event. Text keys carry Rune with Code unset.
type KeyEvent struct {
	Code  KeyCode
	Press bool
	Rune  rune
}

// Keyboard provides key events (best-effort on each platform).
type Keyboard interface {
	Events() <-chan KeyEvent
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// Input provides access to input devices (if available).
type Input interface {
	Keyboard() Keyboard
}

// Flash provides raw access to NOR flash.
//
// Erase sets whole erase blocks to 0xFF; writes can only clear bits.
type Flash interface {
	SizeBytes() uint32
	EraseBlockBytes() uint32
	ReadAt(p []byte, off uint32) (int, error)
	WriteAt(p []byte, off uint32) (int, error)
	Erase(off, size uint32) error
}

// Time provides the millisecond tick stream that drives the kernel
// tick interrupt. Sequence numbers start at 1 and skip ticks the
// consumer was too slow to take.
type Time interface {
	Ticks() <-chan uint64
}

// CardSlot is implemented by boards with a removable block device, such
// as an SD card socket. The card is configured on the first call.
type CardSlot interface {
	Card() (tinyfs.BlockDevice, error)
}

// HAL provides the only contact point between the system and the board.
type HAL interface {
	Logger() Logger
	LED() LED
	Display() Display
	Input() Input
	Flash() Flash
	Time() Time
}
