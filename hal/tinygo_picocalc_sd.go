//go:build tinygo && baremetal && picocalc

package hal

import (
	"fmt"
	"machine"

	"tinygo.org/x/drivers/sdcard"
	"tinygo.org/x/tinyfs"
)

var _ CardSlot = (*picoCalcHAL)(nil)

// Card configures the SD socket on SPI0 (GP16..GP19).
func (h *picoCalcHAL) Card() (tinyfs.BlockDevice, error) {
	if h.sd != nil {
		return h.sd, nil
	}
	sd := sdcard.New(machine.SPI0, machine.GP18, machine.GP19, machine.GP16, machine.GP17)
	if err := sd.Configure(); err != nil {
		return nil, fmt.Errorf("hal: sd card: %w", err)
	}
	h.sd = &sd
	return h.sd, nil
}
