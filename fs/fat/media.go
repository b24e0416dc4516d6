//go:build cgo || tinygo

package fat

import (
	"errors"
	"fmt"
	"io"
	"os"

	"rtk/kernel"

	"tinygo.org/x/tinyfs"
	"tinygo.org/x/tinyfs/fatfs"
)

// Media is a mounted FAT volume.
type Media struct {
	mu     *kernel.Mutex
	pool   *kernel.BlockPool
	cache  *cache
	fat    *fatfs.FATFS
	closed bool

	timer   *kernel.Timer
	events  *kernel.EventFlags
	flusher *kernel.Thread
}

// Format writes an empty FAT file system with the given volume label to
// the first size bytes of dev, or all of it when size is zero.
func Format(ctx *kernel.Context, dev tinyfs.BlockDevice, volume string, size int64) error {
	if b, ok := dev.(binder); ok {
		b.Bind(ctx)
	}
	if size > 0 && size < dev.Size() {
		dev = &limited{BlockDevice: dev, size: size}
	}
	fs := fatfs.New(dev).Configure(&fatfs.Config{SectorSize: fatfs.SectorSize})
	if err := fs.Format(); err != nil {
		return mapFatErr("format", err)
	}
	return writeLabel(dev, volume)
}

// Open mounts the FAT file system on dev. Media without a file system is
// not formatted implicitly; Open reports ErrNoFilesystem.
func Open(ctx *kernel.Context, dev tinyfs.BlockDevice, cfg Config) (*Media, error) {
	cfg = cfg.withDefaults()
	if cfg.FlushPeriod != 0 && cfg.Pool == nil {
		return nil, fmt.Errorf("%w: flush period without a stack pool", ErrInvalid)
	}
	k := ctx.Kernel()
	m := &Media{}
	var err error
	if m.mu, err = k.CreateMutex(ctx, "fat", true); err != nil {
		return nil, fmt.Errorf("fat: create mutex: %w", err)
	}
	mem := make([]byte, kernel.BlockPoolSize(SectorSize, cfg.CacheSectors))
	if m.pool, err = k.CreateBlockPool(ctx, "fat cache", SectorSize, mem); err != nil {
		m.teardown(ctx)
		return nil, fmt.Errorf("fat: create cache pool: %w", err)
	}
	m.cache = newCache(dev, m.pool)
	m.cache.Bind(ctx)
	m.fat = fatfs.New(m.cache).Configure(&fatfs.Config{SectorSize: fatfs.SectorSize})
	if err := m.fat.Mount(); err != nil {
		m.teardown(ctx)
		return nil, mapFatErr("mount", err)
	}
	if cfg.FlushPeriod != 0 {
		if err := m.startFlusher(ctx, cfg); err != nil {
			_ = m.fat.Unmount()
			m.teardown(ctx)
			return nil, err
		}
	}
	return m, nil
}

func (m *Media) startFlusher(ctx *kernel.Context, cfg Config) error {
	k := ctx.Kernel()
	var err error
	if m.events, err = k.CreateEventFlags(ctx, "fat flush"); err != nil {
		return fmt.Errorf("fat: create flush events: %w", err)
	}
	m.flusher, err = k.CreateThread(ctx, kernel.ThreadConfig{
		Name:      "fat flush",
		Entry:     m.flushLoop,
		Pool:      cfg.Pool,
		StackSize: kernel.DefaultStack,
		Priority:  cfg.FlushPriority,
	})
	if err != nil {
		return fmt.Errorf("fat: create flush thread: %w", err)
	}
	m.timer, err = k.CreateTimer(ctx, kernel.TimerConfig{
		Name:     "fat flush",
		Func:     func(ctx *kernel.Context, _ any) { _ = m.events.Set(ctx, evFlush, kernel.Or) },
		Timeout:  cfg.FlushPeriod,
		Type:     kernel.Periodic,
		Activate: true,
	})
	if err != nil {
		return fmt.Errorf("fat: create flush timer: %w", err)
	}
	return nil
}

func (m *Media) flushLoop(ctx *kernel.Context) {
	for {
		got, err := m.events.WaitAny(ctx, evFlush|evStop, true, kernel.WaitForever)
		if err != nil || got&evStop != 0 {
			return
		}
		_ = m.Flush(ctx)
	}
}

// teardown deletes whatever kernel objects the media created.
func (m *Media) teardown(ctx *kernel.Context) {
	if m.timer != nil {
		_ = m.timer.Delete(ctx)
	}
	if m.flusher != nil {
		_ = m.events.Set(ctx, evStop, kernel.Or)
		_ = m.flusher.Join(ctx)
		_ = m.flusher.Delete(ctx)
	}
	if m.events != nil {
		_ = m.events.Delete(ctx)
	}
	if m.cache != nil {
		m.cache.release()
	}
	if m.pool != nil {
		_ = m.pool.Delete(ctx)
	}
	if m.mu != nil {
		_ = m.mu.Delete(ctx)
	}
}

func (m *Media) enter(ctx *kernel.Context) error {
	if m.closed {
		return ErrClosed
	}
	if err := m.mu.Lock(ctx, kernel.WaitForever); err != nil {
		return fmt.Errorf("fat: lock: %w", err)
	}
	if m.closed {
		_ = m.mu.Unlock(ctx)
		return ErrClosed
	}
	m.cache.Bind(ctx)
	return nil
}

func (m *Media) leave(ctx *kernel.Context) {
	_ = m.mu.Unlock(ctx)
}

// Flush writes cached sectors to the device.
func (m *Media) Flush(ctx *kernel.Context) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.leave(ctx)
	return m.cache.flush()
}

// Close flushes and unmounts the media and stops its flush thread.
func (m *Media) Close(ctx *kernel.Context) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	err := m.cache.flush()
	if uerr := m.fat.Unmount(); err == nil && uerr != nil {
		err = mapFatErr("unmount", uerr)
	}
	m.closed = true
	m.leave(ctx)
	m.teardown(ctx)
	return err
}

// Stats returns cache counters.
func (m *Media) Stats(ctx *kernel.Context) (Stats, error) {
	if err := m.enter(ctx); err != nil {
		return Stats{}, err
	}
	defer m.leave(ctx)
	return m.cache.stats, nil
}

// Volume returns the volume label.
func (m *Media) Volume(ctx *kernel.Context) (string, error) {
	if err := m.enter(ctx); err != nil {
		return "", err
	}
	defer m.leave(ctx)
	return readLabel(m.cache)
}

// CreateDir makes one directory; the parent must exist.
func (m *Media) CreateDir(ctx *kernel.Context, path string) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.leave(ctx)
	return mapFatErr("mkdir", m.fat.Mkdir(path, 0o777))
}

// DeleteDir removes an empty directory.
func (m *Media) DeleteDir(ctx *kernel.Context, path string) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.leave(ctx)
	fi, err := m.fat.Stat(path)
	if err != nil {
		return mapFatErr("stat", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("fat: delete dir %q: %w", path, ErrNotDir)
	}
	return mapFatErr("remove", m.fat.Remove(path))
}

// Rename renames a file or directory.
func (m *Media) Rename(ctx *kernel.Context, oldPath, newPath string) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.leave(ctx)
	return mapFatErr("rename", m.fat.Rename(oldPath, newPath))
}

// CreateFile creates an empty file. It fails with ErrExists if path is
// taken.
func (m *Media) CreateFile(ctx *kernel.Context, path string) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.leave(ctx)
	if _, err := m.fat.Stat(path); err == nil {
		return fmt.Errorf("fat: create %q: %w", path, ErrExists)
	}
	f, err := m.fat.OpenFile(path, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return mapFatErr("create", err)
	}
	return mapFatErr("close", f.Close())
}

// DeleteFile removes a file.
func (m *Media) DeleteFile(ctx *kernel.Context, path string) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.leave(ctx)
	fi, err := m.fat.Stat(path)
	if err != nil {
		return mapFatErr("stat", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("fat: delete file %q: %w", path, ErrIsDir)
	}
	return mapFatErr("remove", m.fat.Remove(path))
}

// WriteFile replaces the content of path with data, or appends data when
// appending is set. The file is created if needed.
func (m *Media) WriteFile(ctx *kernel.Context, path string, data []byte, appending bool) (int, error) {
	if err := m.enter(ctx); err != nil {
		return 0, err
	}
	defer m.leave(ctx)

	flags := os.O_WRONLY | os.O_CREATE
	if appending {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := m.fat.OpenFile(path, flags)
	if err != nil {
		return 0, mapFatErr("open writer", err)
	}
	n, err := f.Write(data)
	cerr := f.Close()
	switch {
	case err != nil:
		return n, mapFatErr("write", err)
	case cerr != nil:
		return n, mapFatErr("close", cerr)
	case n < len(data):
		return n, fmt.Errorf("fat: write %q: %w", path, ErrNoSpace)
	}
	return n, nil
}

// ReadFile reads from path at off into p. eof reports that the end of the
// file was reached.
func (m *Media) ReadFile(ctx *kernel.Context, path string, p []byte, off int64) (n int, eof bool, err error) {
	if err := m.enter(ctx); err != nil {
		return 0, false, err
	}
	defer m.leave(ctx)

	f, err := m.fat.OpenFile(path, os.O_RDONLY)
	if err != nil {
		return 0, false, mapFatErr("open", err)
	}
	defer func() { _ = f.Close() }()
	if f.IsDir() {
		return 0, false, fmt.Errorf("fat: read %q: %w", path, ErrIsDir)
	}

	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, false, mapFatErr("seek", err)
	}
	if len(p) == 0 {
		return 0, false, nil
	}
	n, err = f.Read(p)
	if err == nil {
		return n, n < len(p), nil
	}
	if errors.Is(err, io.EOF) {
		return n, true, nil
	}
	return n, false, mapFatErr("read", err)
}

// Stat describes the file or directory at path.
func (m *Media) Stat(ctx *kernel.Context, path string) (Info, error) {
	if err := m.enter(ctx); err != nil {
		return Info{}, err
	}
	defer m.leave(ctx)
	fi, err := m.fat.Stat(path)
	if err != nil {
		return Info{}, mapFatErr("stat", err)
	}
	return Info{Name: fi.Name(), Size: fi.Size(), Dir: fi.IsDir()}, nil
}

// ListDir calls fn for each entry of the directory at path until fn
// returns false.
func (m *Media) ListDir(ctx *kernel.Context, path string, fn func(Info) bool) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.leave(ctx)

	f, err := m.fat.OpenFile(path, os.O_RDONLY)
	if err != nil {
		return mapFatErr("open dir", err)
	}
	defer func() { _ = f.Close() }()
	if !f.IsDir() {
		return fmt.Errorf("fat: list %q: %w", path, ErrNotDir)
	}

	entries, err := f.Readdir(0)
	if err != nil {
		return mapFatErr("readdir", err)
	}
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		if !fn(Info{Name: name, Size: e.Size(), Dir: e.IsDir()}) {
			return nil
		}
	}
	return nil
}

func mapFatErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var fr fatfs.FileResult
	if errors.As(err, &fr) {
		switch fr {
		case fatfs.FileResultNoFile, fatfs.FileResultNoPath:
			return fmt.Errorf("fat %s: %w", op, ErrNotFound)
		case fatfs.FileResultExist:
			return fmt.Errorf("fat %s: %w", op, ErrExists)
		case fatfs.FileResultDenied, fatfs.FileResultLocked:
			return fmt.Errorf("fat %s: %w", op, ErrNotEmpty)
		case fatfs.FileResultNoFilesystem:
			return fmt.Errorf("fat %s: %w", op, ErrNoFilesystem)
		case fatfs.FileResultInvalidName, fatfs.FileResultInvalidParameter:
			return fmt.Errorf("fat %s: %w", op, ErrInvalid)
		case fatfs.FileResultNotEnoughCore:
			return fmt.Errorf("fat %s: %w", op, ErrNoSpace)
		default:
			return fmt.Errorf("fat %s: %v", op, err)
		}
	}

	return fmt.Errorf("fat %s: %w", op, err)
}
