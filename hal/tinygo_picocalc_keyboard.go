//go:build tinygo && baremetal && picocalc

package hal

import (
	"fmt"
	"machine"
	"time"
)

const (
	picoCalcKbdAddr uint16 = 0x1F
	picoCalcKbdCmd         = 0x09
)

const (
	picoCalcKeyEsc   byte = 0xB1
	picoCalcKeyF1    byte = 0x81
	picoCalcKeyF2    byte = 0x82
	picoCalcKeyF3    byte = 0x83
	picoCalcKeyIns   byte = 0xD1
	picoCalcKeyLeft  byte = 0xB4
	picoCalcKeyRight byte = 0xB7
	picoCalcKeyUp    byte = 0xB5
	picoCalcKeyDown  byte = 0xB6
)

type i2cKeyboard struct {
	i2c   *machine.I2C
	write [1]byte
	read  [2]byte
}

func initI2CKeyboard() (*i2cKeyboard, error) {
	write := [1]byte{picoCalcKbdCmd}

	// Prefer I2C1 (original PicoCalc wiring), but some TinyGo targets expose only I2C0.
	for _, bus := range []*machine.I2C{machine.I2C1, machine.I2C0} {
		if bus == nil {
			continue
		}
		for _, freq := range []uint32{100_000, 400_000} {
			if err := bus.Configure(machine.I2CConfig{
				SCL:       machine.GP7,
				SDA:       machine.GP6,
				Frequency: freq,
			}); err != nil {
				continue
			}

			k := &i2cKeyboard{i2c: bus, write: write}

			// Probe the device to ensure the selected I2C instance works.
			// On boot the keyboard MCU can be slow to respond, so retry briefly.
			const probeTries = 50
			for i := 0; i < probeTries; i++ {
				if err := k.i2c.Tx(picoCalcKbdAddr, k.write[:], k.read[:]); err == nil {
					return k, nil
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
	}

	return nil, fmt.Errorf("keyboard: I2C unavailable")
}

func (k *i2cKeyboard) readEvent() (KeyEvent, bool) {
	if err := k.i2c.Tx(picoCalcKbdAddr, k.write[:], k.read[:]); err != nil {
		return KeyEvent{}, false
	}
	if k.read[0] == 0 && k.read[1] == 0 {
		return KeyEvent{}, false
	}

	switch k.read[0] {
	case 0x01: // key down
		return k.translate(k.read[1], true)
	case 0x03: // key up
		return k.translate(k.read[1], false)
	default:
		// Held keys repeat nothing the monitor cares about.
		return KeyEvent{}, false
	}
}

func (k *i2cKeyboard) translate(code byte, press bool) (KeyEvent, bool) {
	if kc, ok := picoCalcSpecial[code]; ok {
		return KeyEvent{Code: kc, Press: press}, true
	}
	if !press {
		return KeyEvent{}, false
	}
	switch r := rune(code); r {
	case 0:
		return KeyEvent{}, false
	case '\r', '\n':
		return KeyEvent{Code: KeyEnter, Press: true}, true
	default:
		return KeyEvent{Press: true, Rune: r}, true
	}
}

var picoCalcSpecial = map[byte]KeyCode{
	picoCalcKeyEsc:   KeyEscape,
	picoCalcKeyLeft:  KeyLeft,
	picoCalcKeyRight: KeyRight,
	picoCalcKeyUp:    KeyUp,
	picoCalcKeyDown:  KeyDown,
	picoCalcKeyF1:    KeyF1,
	picoCalcKeyF2:    KeyF2,
	picoCalcKeyF3:    KeyF3,
	picoCalcKeyIns:   KeyTab,
}
