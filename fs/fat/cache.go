package fat

import (
	"fmt"
	"sort"

	"rtk/kernel"

	"tinygo.org/x/tinyfs"
)

type cacheEntry struct {
	sector int64
	buf    []byte
	dirty  bool
	used   uint64
}

// cache is a write-back sector cache in front of a block device. It
// implements tinyfs.BlockDevice itself so the FAT driver sits on top of
// it unchanged.
type cache struct {
	dev  tinyfs.BlockDevice
	pool *kernel.BlockPool
	ctx  *kernel.Context

	entries []*cacheEntry
	clock   uint64
	stats   Stats
}

var _ tinyfs.BlockDevice = (*cache)(nil)

func newCache(dev tinyfs.BlockDevice, pool *kernel.BlockPool) *cache {
	return &cache{dev: dev, pool: pool}
}

// Bind sets the thread the cache and the device below it act for.
func (c *cache) Bind(ctx *kernel.Context) {
	c.ctx = ctx
	if b, ok := c.dev.(binder); ok {
		b.Bind(ctx)
	}
}

func (c *cache) Size() int64           { return c.dev.Size() }
func (c *cache) WriteBlockSize() int64 { return SectorSize }
func (c *cache) EraseBlockSize() int64 { return c.dev.EraseBlockSize() }

func (c *cache) ReadAt(p []byte, off int64) (int, error) {
	if off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return 0, fmt.Errorf("read %d bytes at %d: %w", len(p), off, ErrUnaligned)
	}
	for n := 0; n < len(p); n += SectorSize {
		e, err := c.lookup((off+int64(n))/SectorSize, true)
		if err != nil {
			return n, err
		}
		copy(p[n:], e.buf)
	}
	return len(p), nil
}

func (c *cache) WriteAt(p []byte, off int64) (int, error) {
	if off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return 0, fmt.Errorf("write %d bytes at %d: %w", len(p), off, ErrUnaligned)
	}
	for n := 0; n < len(p); n += SectorSize {
		e, err := c.lookup((off+int64(n))/SectorSize, false)
		if err != nil {
			return n, err
		}
		copy(e.buf, p[n:n+SectorSize])
		e.dirty = true
	}
	return len(p), nil
}

// EraseBlocks drops cached sectors in the erased range, then erases.
func (c *cache) EraseBlocks(start, count int64) error {
	size := c.dev.EraseBlockSize()
	lo, hi := start*size/SectorSize, (start+count)*size/SectorSize
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.sector >= lo && e.sector < hi {
			if err := c.pool.Release(c.ctx, e.buf); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	return c.dev.EraseBlocks(start, count)
}

// lookup returns the entry for sector, loading it from the device when
// load is set.
func (c *cache) lookup(sector int64, load bool) (*cacheEntry, error) {
	c.clock++
	for _, e := range c.entries {
		if e.sector == sector {
			e.used = c.clock
			c.stats.Hits++
			return e, nil
		}
	}
	c.stats.Misses++

	var e *cacheEntry
	if buf, err := c.pool.Allocate(c.ctx, kernel.NoWait); err == nil {
		e = &cacheEntry{buf: buf[:SectorSize]}
		c.entries = append(c.entries, e)
	} else {
		if len(c.entries) == 0 {
			return nil, fmt.Errorf("fat: cache buffer: %w", err)
		}
		e = c.entries[0]
		for _, x := range c.entries[1:] {
			if x.used < e.used {
				e = x
			}
		}
		if err := c.writeBack(e); err != nil {
			return nil, err
		}
	}
	e.sector, e.used, e.dirty = sector, c.clock, false
	if load {
		if _, err := c.dev.ReadAt(e.buf, sector*SectorSize); err != nil {
			e.sector = -1
			return nil, err
		}
	}
	return e, nil
}

func (c *cache) writeBack(e *cacheEntry) error {
	if !e.dirty {
		return nil
	}
	if _, err := c.dev.WriteAt(e.buf, e.sector*SectorSize); err != nil {
		return err
	}
	e.dirty = false
	c.stats.Writebacks++
	return nil
}

// flush writes every dirty sector in ascending order.
func (c *cache) flush() error {
	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].sector < c.entries[j].sector })
	for _, e := range c.entries {
		if err := c.writeBack(e); err != nil {
			return err
		}
	}
	c.stats.Flushes++
	return nil
}

// release returns every buffer to the pool without writing it back.
func (c *cache) release() {
	for _, e := range c.entries {
		_ = c.pool.Release(c.ctx, e.buf)
	}
	c.entries = nil
}

// limited shrinks a device to its first size bytes.
type limited struct {
	tinyfs.BlockDevice
	size int64
}

func (l *limited) Size() int64 { return l.size }
