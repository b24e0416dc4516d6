package norflash

import (
	"errors"
	"fmt"

	"rtk/kernel"

	"tinygo.org/x/tinyfs"
)

// ErrUnbound is returned by a Device used before Bind.
var ErrUnbound = errors.New("norflash: device not bound to a thread")

// Device exposes a Volume as a tinyfs.BlockDevice with 512-byte blocks.
//
// The block device interface carries no caller, so the device acts on
// behalf of the thread last passed to Bind. The file system driving it
// must bind the calling thread before each operation.
type Device struct {
	v   *Volume
	ctx *kernel.Context
	buf []byte
}

var _ tinyfs.BlockDevice = (*Device)(nil)

// Device returns a block device view of v.
func (v *Volume) Device() *Device {
	return &Device{v: v, buf: make([]byte, SectorSize)}
}

// Bind makes ctx the caller of subsequent operations.
func (d *Device) Bind(ctx *kernel.Context) { d.ctx = ctx }

func (d *Device) Size() int64           { return d.v.FormatSize() }
func (d *Device) WriteBlockSize() int64 { return SectorSize }
func (d *Device) EraseBlockSize() int64 { return SectorSize }

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if d.ctx == nil {
		return 0, ErrUnbound
	}
	if off < 0 || off+int64(len(p)) > d.Size() {
		return 0, fmt.Errorf("norflash: read %d bytes at %d: %w", len(p), off, ErrSector)
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		sector, within := uint32(pos/SectorSize), int(pos%SectorSize)
		if within == 0 && len(p)-n >= SectorSize {
			if err := d.readSector(sector, p[n:n+SectorSize]); err != nil {
				return n, err
			}
			n += SectorSize
			continue
		}
		if err := d.readSector(sector, d.buf); err != nil {
			return n, err
		}
		n += copy(p[n:], d.buf[within:])
	}
	return n, nil
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if d.ctx == nil {
		return 0, ErrUnbound
	}
	if off < 0 || off+int64(len(p)) > d.Size() {
		return 0, fmt.Errorf("norflash: write %d bytes at %d: %w", len(p), off, ErrSector)
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		sector, within := uint32(pos/SectorSize), int(pos%SectorSize)
		if within == 0 && len(p)-n >= SectorSize {
			if err := d.v.WriteSector(d.ctx, sector, p[n:n+SectorSize]); err != nil {
				return n, err
			}
			n += SectorSize
			continue
		}
		if err := d.readSector(sector, d.buf); err != nil {
			return n, err
		}
		c := copy(d.buf[within:], p[n:])
		if err := d.v.WriteSector(d.ctx, sector, d.buf); err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

// EraseBlocks releases the given sectors.
func (d *Device) EraseBlocks(start, count int64) error {
	if d.ctx == nil {
		return ErrUnbound
	}
	for s := start; s < start+count; s++ {
		err := d.v.ReleaseSector(d.ctx, uint32(s))
		if err != nil && !errors.Is(err, ErrSectorNotFound) {
			return err
		}
	}
	return nil
}

func (d *Device) readSector(sector uint32, p []byte) error {
	err := d.v.ReadSector(d.ctx, sector, p)
	if errors.Is(err, ErrSectorNotFound) {
		return nil
	}
	return err
}
