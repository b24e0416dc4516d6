// Package norflash is a flash translation layer that presents NOR flash as
// an array of 512-byte logical sectors.
//
// Sectors are written out of place: a rewrite programs a free physical
// sector and retires the old one, so no erase is needed on the write
// path. Retired sectors are reclaimed a block at a time by moving the
// remaining live sectors elsewhere and erasing the block. Every state
// change only clears bits, which lets Open recover the map after an
// interrupted write or reclaim.
//
// A Volume is shared between threads through a priority inheriting
// kernel mutex; its methods must be called from thread context.
package norflash

import (
	"encoding/binary"
	"errors"
	"fmt"

	"rtk/hal"
	"rtk/kernel"
)

var (
	// ErrGeometry reports a flash or Config the layer cannot be laid out on.
	ErrGeometry = errors.New("norflash: unsupported geometry")
	// ErrSector reports a logical sector beyond the volume.
	ErrSector = errors.New("norflash: logical sector out of range")
	// ErrSectorNotFound reports a logical sector that was never written
	// or has been released.
	ErrSectorNotFound = errors.New("norflash: sector not found")
	// ErrNoSectors reports that no block could be reclaimed for a write.
	ErrNoSectors = errors.New("norflash: no free sectors")
	// ErrBuffer reports a buffer that is not exactly one sector.
	ErrBuffer = errors.New("norflash: buffer is not one sector")
	// ErrCorrupt reports block metadata that contradicts itself.
	ErrCorrupt = errors.New("norflash: corrupt metadata")
	// ErrClosed reports use of a closed volume.
	ErrClosed = errors.New("norflash: closed")
)

// Config selects the part of the flash the volume occupies.
type Config struct {
	// SectorsPerBlock is the block size in sectors, including the metadata
	// sector. The block must be a whole number of erase blocks. Zero uses
	// one erase block.
	SectorsPerBlock int

	// BaseOffset is where the first block starts. It must be erase block
	// aligned.
	BaseOffset uint32

	// Blocks limits the number of blocks. Zero uses the rest of the flash.
	Blocks int
}

// Stats describes the volume's activity and wear.
type Stats struct {
	Reads    uint32
	Writes   uint32
	Releases uint32
	Reclaims uint32
	Moves    uint32
	Erases   uint32

	Free     int
	Obsolete int
	Mapped   int

	MinErase uint32
	MaxErase uint32
}

// Volume is an open translation layer.
type Volume struct {
	flash hal.Flash
	mu    *kernel.Mutex
	geo   geometry

	// Per physical sector, indexed by block*usable+sector.
	maps []uint32

	// Per block.
	erases   []uint32
	free     []int
	obsolete []int

	// sectors maps a logical sector to its physical sector, -1 if unmapped.
	sectors   []int32
	freeTotal int
	cursor    int

	scratch []byte
	closed  bool
	stats   Stats
}

// Open mounts the flash translation layer. Blocks that were never
// formatted, or whose erase was interrupted, are erased and take the
// highest erase count found. ctx may be the system context.
func Open(ctx *kernel.Context, flash hal.Flash, cfg Config) (*Volume, error) {
	if flash == nil {
		return nil, errors.New("norflash: nil flash")
	}
	geo, err := layout(flash, cfg)
	if err != nil {
		return nil, err
	}
	mu, err := ctx.Kernel().CreateMutex(ctx, "norflash", true)
	if err != nil {
		return nil, fmt.Errorf("norflash: create mutex: %w", err)
	}

	slots := geo.blocks * geo.usable
	v := &Volume{
		flash:    flash,
		mu:       mu,
		geo:      geo,
		maps:     make([]uint32, slots),
		erases:   make([]uint32, geo.blocks),
		free:     make([]int, geo.blocks),
		obsolete: make([]int, geo.blocks),
		sectors:  make([]int32, (geo.blocks-2)*geo.usable),
		scratch:  make([]byte, SectorSize),
	}
	for i := range v.sectors {
		v.sectors[i] = -1
	}
	if err := v.mount(); err != nil {
		_ = mu.Delete(ctx)
		return nil, err
	}
	return v, nil
}

func layout(flash hal.Flash, cfg Config) (geometry, error) {
	eraseBytes := flash.EraseBlockBytes()
	spb := cfg.SectorsPerBlock
	if spb == 0 && eraseBytes >= SectorSize {
		spb = int(eraseBytes / SectorSize)
	}
	if spb < MinSectorsPerBlock || spb > MaxSectorsPerBlock {
		return geometry{}, fmt.Errorf("%w: %d sectors per block", ErrGeometry, spb)
	}
	blockBytes := uint32(spb) * SectorSize
	if eraseBytes == 0 || blockBytes%eraseBytes != 0 || cfg.BaseOffset%eraseBytes != 0 {
		return geometry{}, fmt.Errorf("%w: block %d bytes, erase block %d bytes, base %#x",
			ErrGeometry, blockBytes, eraseBytes, cfg.BaseOffset)
	}
	size := flash.SizeBytes()
	if cfg.BaseOffset >= size {
		return geometry{}, fmt.Errorf("%w: base %#x beyond flash", ErrGeometry, cfg.BaseOffset)
	}
	blocks := int((size - cfg.BaseOffset) / blockBytes)
	if cfg.Blocks > 0 {
		if cfg.Blocks > blocks {
			return geometry{}, fmt.Errorf("%w: %d blocks requested, %d available", ErrGeometry, cfg.Blocks, blocks)
		}
		blocks = cfg.Blocks
	}
	if blocks < 3 {
		return geometry{}, fmt.Errorf("%w: need 3 blocks, have %d", ErrGeometry, blocks)
	}
	g := newGeometry(cfg.BaseOffset, spb, blocks)
	if !g.fits() {
		return geometry{}, fmt.Errorf("%w: metadata does not fit", ErrGeometry)
	}
	return g, nil
}

// Sectors returns the number of logical sectors. One block is held back
// for reclaiming and one more as room for retired sectors.
func (v *Volume) Sectors() uint32 { return uint32(len(v.sectors)) }

// FormatSize returns the logical capacity in bytes, the size a file
// system on top should be formatted with.
func (v *Volume) FormatSize() int64 { return int64(len(v.sectors)) * SectorSize }

func (v *Volume) lock(ctx *kernel.Context) error {
	if v.closed {
		return ErrClosed
	}
	if err := v.mu.Lock(ctx, kernel.WaitForever); err != nil {
		return fmt.Errorf("norflash: lock: %w", err)
	}
	if v.closed {
		_ = v.mu.Unlock(ctx)
		return ErrClosed
	}
	return nil
}

// ReadSector copies a logical sector into buf. A sector that holds no
// data reads as erased flash and reports ErrSectorNotFound.
func (v *Volume) ReadSector(ctx *kernel.Context, logical uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return ErrBuffer
	}
	if err := v.lock(ctx); err != nil {
		return err
	}
	defer v.mu.Unlock(ctx)

	if logical >= uint32(len(v.sectors)) {
		return fmt.Errorf("%w: %d", ErrSector, logical)
	}
	v.stats.Reads++
	slot := v.sectors[logical]
	if slot < 0 {
		for i := range buf {
			buf[i] = 0xFF
		}
		return ErrSectorNotFound
	}
	b, s := v.split(int(slot))
	return v.read(buf, v.geo.sectorAddr(b, s))
}

// WriteSector stores data as the new content of a logical sector.
func (v *Volume) WriteSector(ctx *kernel.Context, logical uint32, data []byte) error {
	if len(data) != SectorSize {
		return ErrBuffer
	}
	if err := v.lock(ctx); err != nil {
		return err
	}
	defer v.mu.Unlock(ctx)

	if logical >= uint32(len(v.sectors)) {
		return fmt.Errorf("%w: %d", ErrSector, logical)
	}
	for v.freeTotal <= v.geo.usable {
		b := v.victim()
		if b < 0 {
			return ErrNoSectors
		}
		if err := v.reclaim(b); err != nil {
			return err
		}
	}
	v.stats.Writes++
	return v.place(logical, data, -1)
}

// ReleaseSector tells the layer a logical sector no longer holds data, so
// the next reclaim need not move it.
func (v *Volume) ReleaseSector(ctx *kernel.Context, logical uint32) error {
	if err := v.lock(ctx); err != nil {
		return err
	}
	defer v.mu.Unlock(ctx)

	if logical >= uint32(len(v.sectors)) {
		return fmt.Errorf("%w: %d", ErrSector, logical)
	}
	slot := v.sectors[logical]
	if slot < 0 {
		return ErrSectorNotFound
	}
	if err := v.retire(int(slot)); err != nil {
		return err
	}
	v.sectors[logical] = -1
	v.stats.Releases++
	return nil
}

// Defragment reclaims up to n blocks holding retired sectors, or all of
// them when n is not positive. It returns the number of blocks erased.
func (v *Volume) Defragment(ctx *kernel.Context, n int) (int, error) {
	if err := v.lock(ctx); err != nil {
		return 0, err
	}
	defer v.mu.Unlock(ctx)

	done := 0
	for n <= 0 || done < n {
		b := v.victim()
		if b < 0 {
			break
		}
		if err := v.reclaim(b); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Stats returns counters and the current sector accounting.
func (v *Volume) Stats(ctx *kernel.Context) (Stats, error) {
	if err := v.lock(ctx); err != nil {
		return Stats{}, err
	}
	defer v.mu.Unlock(ctx)

	st := v.stats
	st.Free = v.freeTotal
	for b := range v.erases {
		st.Obsolete += v.obsolete[b]
		if b == 0 || v.erases[b] < st.MinErase {
			st.MinErase = v.erases[b]
		}
		if v.erases[b] > st.MaxErase {
			st.MaxErase = v.erases[b]
		}
	}
	for _, slot := range v.sectors {
		if slot >= 0 {
			st.Mapped++
		}
	}
	return st, nil
}

// Close unmounts the volume. Data is already on flash; Close only retires
// the volume's mutex.
func (v *Volume) Close(ctx *kernel.Context) error {
	if err := v.lock(ctx); err != nil {
		return err
	}
	v.closed = true
	_ = v.mu.Unlock(ctx)
	return v.mu.Delete(ctx)
}

func (v *Volume) split(slot int) (block, sector int) {
	return slot / v.geo.usable, slot % v.geo.usable
}

// mount rebuilds the sector map from the block metadata.
func (v *Volume) mount() error {
	g := v.geo
	meta := make([]byte, SectorSize)
	var pending, incomplete []int
	var maxErase uint32

	for b := 0; b < g.blocks; b++ {
		if err := v.read(meta, g.blockAddr(b)); err != nil {
			return err
		}
		ec := word(meta, metaEraseCount)
		if ec == erased {
			pending = append(pending, b)
			continue
		}
		v.erases[b] = ec
		if ec > maxErase {
			maxErase = ec
		}
		lo, hi := word(meta, metaMinLogical), word(meta, metaMaxLogical)
		for s := 0; s < g.usable; s++ {
			slot := b*g.usable + s
			m := word(meta, metaBitmap+g.bitmapLen+s)
			taken := word(meta, metaBitmap+s/32)&(1<<uint(s%32)) == 0
			v.maps[slot] = m
			st, logical := decodeMapping(m)
			switch {
			case st == slotFree && taken:
				// Allocated, but the mapping never made it to flash.
				if err := v.retire(slot); err != nil {
					return err
				}
			case st == slotFree, st == slotObsolete:
			case logical >= uint32(len(v.sectors)):
				if err := v.retire(slot); err != nil {
					return err
				}
			case lo != erased && (logical < lo || logical > hi):
				return fmt.Errorf("%w: block %d maps sector %d outside [%d,%d]", ErrCorrupt, b, logical, lo, hi)
			case st == slotIncomplete:
				incomplete = append(incomplete, slot)
			case v.sectors[logical] >= 0:
				if err := v.retire(slot); err != nil {
					return err
				}
			default:
				v.sectors[logical] = int32(slot)
			}
		}
	}

	// An incomplete mapping whose predecessor is still live is a write
	// that never finished; otherwise only the final flag is missing.
	for _, slot := range incomplete {
		_, logical := decodeMapping(v.maps[slot])
		if v.sectors[logical] >= 0 {
			if err := v.retire(slot); err != nil {
				return err
			}
			continue
		}
		if err := v.clearMapping(slot, mapIncomplete); err != nil {
			return err
		}
		v.sectors[logical] = int32(slot)
	}

	for _, b := range pending {
		if err := v.eraseBlock(b, maxErase); err != nil {
			return err
		}
	}

	v.cursor = 0
	v.freeTotal = 0
	for b := 0; b < g.blocks; b++ {
		v.free[b], v.obsolete[b] = 0, 0
		for s := 0; s < g.usable; s++ {
			switch st, _ := decodeMapping(v.maps[b*g.usable+s]); st {
			case slotFree:
				v.free[b]++
			case slotObsolete:
				v.obsolete[b]++
			}
		}
		v.freeTotal += v.free[b]
	}
	return nil
}

// victim picks the block to reclaim: the one with the most retired
// sectors, the least worn on a tie, skipping blocks whose live sectors
// would not fit elsewhere. It returns -1 if there is none.
func (v *Volume) victim() int {
	best := -1
	for b := range v.erases {
		if v.obsolete[b] == 0 {
			continue
		}
		live := v.geo.usable - v.free[b] - v.obsolete[b]
		if live > v.freeTotal-v.free[b] {
			continue
		}
		switch {
		case best < 0, v.obsolete[b] > v.obsolete[best]:
			best = b
		case v.obsolete[b] == v.obsolete[best] && v.erases[b] < v.erases[best]:
			best = b
		}
	}
	return best
}

// reclaim moves the live sectors out of block b and erases it.
func (v *Volume) reclaim(b int) error {
	for s := 0; s < v.geo.usable; s++ {
		st, logical := decodeMapping(v.maps[b*v.geo.usable+s])
		if st != slotLive {
			continue
		}
		if err := v.read(v.scratch, v.geo.sectorAddr(b, s)); err != nil {
			return err
		}
		if err := v.place(logical, v.scratch, b); err != nil {
			return err
		}
		v.stats.Moves++
	}
	if err := v.eraseBlock(b, v.erases[b]+1); err != nil {
		return err
	}
	v.stats.Reclaims++
	return nil
}

// place writes data to a fresh physical sector outside block exclude and
// makes it the mapping of logical.
func (v *Volume) place(logical uint32, data []byte, exclude int) error {
	slot, err := v.allocate(exclude)
	if err != nil {
		return err
	}
	b, s := v.split(slot)
	m := pendingMapping(logical)
	if err := v.program(v.geo.mappingAddr(b, s), m); err != nil {
		return err
	}
	v.maps[slot] = m
	if _, err := v.flash.WriteAt(data, v.geo.sectorAddr(b, s)); err != nil {
		return fmt.Errorf("norflash: write sector: %w", err)
	}
	if old := v.sectors[logical]; old >= 0 {
		if err := v.retire(int(old)); err != nil {
			return err
		}
	}
	if err := v.clearMapping(slot, mapIncomplete); err != nil {
		return err
	}
	v.sectors[logical] = int32(slot)
	if v.free[b] == 0 {
		return v.seal(b)
	}
	return nil
}

func (v *Volume) allocate(exclude int) (int, error) {
	for i := 0; i < v.geo.blocks; i++ {
		b := (v.cursor + i) % v.geo.blocks
		if b == exclude || v.free[b] == 0 {
			continue
		}
		for s := 0; s < v.geo.usable; s++ {
			slot := b*v.geo.usable + s
			if v.maps[slot] != mapFree {
				continue
			}
			addr, bit := v.geo.bitmapAddr(b, s)
			if err := v.clearBits(addr, bit); err != nil {
				return -1, err
			}
			v.free[b]--
			v.freeTotal--
			v.cursor = b
			return slot, nil
		}
	}
	return -1, ErrNoSectors
}

// retire marks a physical sector obsolete.
func (v *Volume) retire(slot int) error {
	if err := v.clearMapping(slot, mapValid|mapLive); err != nil {
		return err
	}
	b, _ := v.split(slot)
	v.obsolete[b]++
	return nil
}

// seal records the logical range of a full block.
func (v *Volume) seal(b int) error {
	lo, hi := erased, uint32(0)
	for s := 0; s < v.geo.usable; s++ {
		st, logical := decodeMapping(v.maps[b*v.geo.usable+s])
		if st != slotLive && st != slotIncomplete {
			continue
		}
		lo = min(lo, logical)
		hi = max(hi, logical)
	}
	if lo == erased {
		return nil
	}
	if err := v.program(v.geo.metaWordAddr(b, metaMinLogical), lo); err != nil {
		return err
	}
	return v.program(v.geo.metaWordAddr(b, metaMaxLogical), hi)
}

func (v *Volume) eraseBlock(b int, count uint32) error {
	if err := v.flash.Erase(v.geo.blockAddr(b), v.geo.blockBytes); err != nil {
		return fmt.Errorf("norflash: erase block %d: %w", b, err)
	}
	v.stats.Erases++
	if err := v.program(v.geo.metaWordAddr(b, metaEraseCount), count); err != nil {
		return err
	}
	v.erases[b] = count
	for s := 0; s < v.geo.usable; s++ {
		v.maps[b*v.geo.usable+s] = mapFree
	}
	v.freeTotal += v.geo.usable - v.free[b]
	v.free[b] = v.geo.usable
	v.obsolete[b] = 0
	if v.cursor == b {
		v.cursor = (b + 1) % v.geo.blocks
	}
	return nil
}

func (v *Volume) clearMapping(slot int, mask uint32) error {
	b, s := v.split(slot)
	m := v.maps[slot] &^ mask
	if err := v.program(v.geo.mappingAddr(b, s), m); err != nil {
		return err
	}
	v.maps[slot] = m
	return nil
}

// clearBits clears mask in the word at addr, leaving its other bits as
// they are on flash.
func (v *Volume) clearBits(addr, mask uint32) error {
	var w [4]byte
	if err := v.read(w[:], addr); err != nil {
		return err
	}
	return v.program(addr, binary.LittleEndian.Uint32(w[:])&^mask)
}

func (v *Volume) program(addr, val uint32) error {
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], val)
	if _, err := v.flash.WriteAt(w[:], addr); err != nil {
		return fmt.Errorf("norflash: program %#x: %w", addr, err)
	}
	return nil
}

func (v *Volume) read(p []byte, addr uint32) error {
	n, err := v.flash.ReadAt(p, addr)
	if err != nil {
		return fmt.Errorf("norflash: read %#x: %w", addr, err)
	}
	if n != len(p) {
		return fmt.Errorf("norflash: short read at %#x: %d of %d", addr, n, len(p))
	}
	return nil
}
