package kernel

import (
	"encoding/binary"
	"math/bits"
	"unsafe"
)

// Pool is a memory pool that can back thread stacks and queue storage.
// It is implemented by *BytePool and *BlockPool.
type Pool interface {
	Name() string

	// take and give run with the kernel lock held; give serves waiters.
	take(size int) ([]byte, error)
	give(buf []byte) error

	allocate(ctx *Context, size int, timeout Ticks) ([]byte, error)
	release(ctx *Context, buf []byte) error
}

const (
	ptrSize = bits.UintSize / 8

	// byte pool chunk header: next chunk offset, then owner mark.
	chunkHeader = 2 * ptrSize

	freeMark  = 0x7FFFEEEE
	ownerMark = 0x5EED0000
)

func getWord(b []byte, off int) int {
	if ptrSize == 8 {
		return int(binary.LittleEndian.Uint64(b[off:]))
	}
	return int(binary.LittleEndian.Uint32(b[off:]))
}

func putWord(b []byte, off, v int) {
	if ptrSize == 8 {
		binary.LittleEndian.PutUint64(b[off:], uint64(v))
		return
	}
	binary.LittleEndian.PutUint32(b[off:], uint32(v))
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

// offsetIn returns the offset of buf's first byte inside mem.
func offsetIn(mem, buf []byte) (int, bool) {
	if len(buf) == 0 || len(mem) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if p < base || p >= base+uintptr(len(mem)) {
		return 0, false
	}
	return int(p - base), true
}

func (k *Kernel) newPoolMark() int {
	k.nextPoolID++
	return ownerMark | int(k.nextPoolID&0xFFFF)
}

// MinimumPoolSize returns the smallest byte pool that can hold one
// allocation of each of sizes at the same time.
func MinimumPoolSize(sizes ...int) int {
	n := chunkHeader
	for _, s := range sizes {
		n += roundUp(s, ptrSize) + chunkHeader
	}
	return max(n, bytePoolMin)
}

// Allocation is memory borrowed from a pool until Free.
type Allocation struct {
	pool  Pool
	Bytes []byte
}

// Allocate borrows size bytes from p, waiting up to timeout.
func Allocate(ctx *Context, p Pool, size int, timeout Ticks) (*Allocation, error) {
	if p == nil {
		return nil, ErrPool
	}
	b, err := p.allocate(ctx, size, timeout)
	if err != nil {
		return nil, err
	}
	return &Allocation{pool: p, Bytes: b}, nil
}

// Free returns the memory to its pool. A second Free reports ErrPtr.
func (a *Allocation) Free(ctx *Context) error {
	if a == nil || a.Bytes == nil {
		return ErrPtr
	}
	err := a.pool.release(ctx, a.Bytes)
	if err == nil {
		a.Bytes = nil
	}
	return err
}
