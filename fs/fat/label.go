package fat

import (
	"encoding/binary"
	"fmt"
	"strings"

	"tinygo.org/x/tinyfs"
)

const (
	labelLen      = 11
	bootSignature = 0xAA55
	extBootSig    = 0x29
)

// labelOffset returns where the volume label lives in the boot sector.
func labelOffset(boot []byte) (int, error) {
	if binary.LittleEndian.Uint16(boot[510:]) != bootSignature {
		return 0, ErrNoFilesystem
	}
	off := 43
	if binary.LittleEndian.Uint16(boot[22:]) == 0 { // FAT32 keeps its FAT size elsewhere
		off = 71
	}
	if boot[off-5] != extBootSig {
		return 0, fmt.Errorf("%w: no extended boot record", ErrInvalid)
	}
	return off, nil
}

func readLabel(dev tinyfs.BlockDevice) (string, error) {
	boot := make([]byte, SectorSize)
	if _, err := dev.ReadAt(boot, 0); err != nil {
		return "", err
	}
	off, err := labelOffset(boot)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(boot[off:off+labelLen]), " "), nil
}

func writeLabel(dev tinyfs.BlockDevice, label string) error {
	if len(label) > labelLen {
		return fmt.Errorf("%w: volume label %q longer than %d", ErrInvalid, label, labelLen)
	}
	boot := make([]byte, SectorSize)
	if _, err := dev.ReadAt(boot, 0); err != nil {
		return err
	}
	off, err := labelOffset(boot)
	if err != nil {
		return err
	}
	field := boot[off : off+labelLen]
	for i := range field {
		field[i] = ' '
	}
	copy(field, strings.ToUpper(label))
	_, err = dev.WriteAt(boot, 0)
	return err
}
