package hal

import (
	"fmt"
	"sync"
)

// MemoryFlash is a NOR flash simulated in RAM. It enforces the erase
// before write rule of real parts.
type MemoryFlash struct {
	mu    sync.Mutex
	mem   []byte
	block uint32

	erases []uint32
}

// NewMemoryFlash returns an erased flash of size bytes with eraseBlock
// sized erase blocks. size is rounded down to whole blocks.
func NewMemoryFlash(size, eraseBlock uint32) *MemoryFlash {
	if eraseBlock == 0 {
		eraseBlock = 4096
	}
	size -= size % eraseBlock
	f := &MemoryFlash{
		mem:    make([]byte, size),
		block:  eraseBlock,
		erases: make([]uint32, size/eraseBlock),
	}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

// NewMemoryFlashFrom wraps an existing image, for example one produced by
// cmd/mkflash.
func NewMemoryFlashFrom(image []byte, eraseBlock uint32) *MemoryFlash {
	f := NewMemoryFlash(uint32(len(image)), eraseBlock)
	copy(f.mem, image)
	return f
}

func (f *MemoryFlash) SizeBytes() uint32       { return uint32(len(f.mem)) }
func (f *MemoryFlash) EraseBlockBytes() uint32 { return f.block }

// Bytes returns the backing image.
func (f *MemoryFlash) Bytes() []byte { return f.mem }

// EraseCount returns how often the erase block holding off was erased.
func (f *MemoryFlash) EraseCount(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erases[off/f.block]
}

func (f *MemoryFlash) ReadAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= uint32(len(f.mem)) {
		return 0, fmt.Errorf("flash read at %d: %w", off, ErrFlashRange)
	}
	return copy(p, f.mem[off:]), nil
}

func (f *MemoryFlash) WriteAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= uint32(len(f.mem)) {
		return 0, fmt.Errorf("flash write at %d: %w", off, ErrFlashRange)
	}
	dst := f.mem[off:]
	if len(p) > len(dst) {
		p = p[:len(dst)]
	}
	if err := checkProgram(dst[:len(p)], p); err != nil {
		return 0, fmt.Errorf("flash write at %d: %w", off, err)
	}
	for i := range p {
		dst[i] &= p[i]
	}
	return len(p), nil
}

func (f *MemoryFlash) Erase(off, size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := checkErase(off, size, f.block, uint32(len(f.mem))); err != nil {
		return err
	}
	for i := off; i < off+size; i++ {
		f.mem[i] = 0xFF
	}
	for b := off / f.block; b < (off+size)/f.block; b++ {
		f.erases[b]++
	}
	return nil
}

// checkProgram reports whether programming p over cur needs an erase.
func checkProgram(cur, p []byte) error {
	for i := range p {
		if cur[i]&p[i] != p[i] {
			return ErrFlashWriteRequiresErase
		}
	}
	return nil
}

func checkErase(off, size, block, total uint32) error {
	if off%block != 0 || size%block != 0 || off+size > total || off+size < off {
		return fmt.Errorf("flash erase off=%d size=%d: %w", off, size, ErrFlashRange)
	}
	return nil
}
