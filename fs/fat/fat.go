// Package fat provides FAT media on top of a block device.
//
// A Media serialises its callers with a priority inheriting kernel mutex
// and keeps a small write-back sector cache whose buffers come from a
// kernel block pool. Cached writes reach the device on Flush, on Close,
// when a buffer is evicted, and periodically when a flush period is
// configured.
//
// All operations block, so they must be called from kernel threads.
package fat

import (
	"errors"

	"rtk/kernel"
)

var (
	ErrNotFound     = errors.New("fat: not found")
	ErrExists       = errors.New("fat: already exists")
	ErrNotEmpty     = errors.New("fat: not empty or in use")
	ErrNotDir       = errors.New("fat: not a directory")
	ErrIsDir        = errors.New("fat: is a directory")
	ErrInvalid      = errors.New("fat: invalid")
	ErrNoSpace      = errors.New("fat: no space")
	ErrNoFilesystem = errors.New("fat: no file system")
	ErrClosed       = errors.New("fat: media closed")
	ErrUnaligned    = errors.New("fat: unaligned sector access")

	// ErrUnsupported is returned on builds without the FAT driver.
	ErrUnsupported = errors.New("fat: requires cgo or tinygo")
)

// SectorSize is the sector size the media is formatted with.
const SectorSize = 512

// Config tunes a Media.
type Config struct {
	// CacheSectors is the number of cached sectors. Zero selects 8.
	CacheSectors int

	// FlushPeriod, when non-zero, starts a thread that flushes the cache
	// this often.
	FlushPeriod kernel.Ticks

	// Pool provides the flush thread's stack.
	Pool kernel.Pool

	// FlushPriority is the flush thread's priority. Zero selects
	// kernel.LowestPriority-1.
	FlushPriority uint
}

func (c Config) withDefaults() Config {
	if c.CacheSectors <= 0 {
		c.CacheSectors = 8
	}
	if c.FlushPriority == 0 {
		c.FlushPriority = kernel.LowestPriority - 1
	}
	return c
}

// Info describes a directory entry.
type Info struct {
	Name string
	Size int64
	Dir  bool
}

// Stats reports cache activity.
type Stats struct {
	Hits       uint32
	Misses     uint32
	Writebacks uint32
	Flushes    uint32
}

// binder is implemented by block devices that act on behalf of a thread,
// such as a norflash.Device.
type binder interface {
	Bind(ctx *kernel.Context)
}

const (
	evFlush uint32 = 1 << iota
	evStop
)
