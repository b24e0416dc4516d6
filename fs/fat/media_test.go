//go:build cgo

package fat

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"testing"

	"rtk/fs/norflash"
	"rtk/hal"
	"rtk/kernel"
)

// newVolume opens a translation layer over flash. The tests use 256 KiB,
// comfortably above the smallest FAT volume.
func newVolume(ctx *kernel.Context, flash hal.Flash) (*norflash.Volume, error) {
	return norflash.Open(ctx, flash, norflash.Config{})
}

func formatted(ctx *kernel.Context, flash hal.Flash) (*norflash.Volume, error) {
	v, err := newVolume(ctx, flash)
	if err != nil {
		return nil, err
	}
	if err := Format(ctx, v.Device(), "rtk", 0); err != nil {
		return nil, fmt.Errorf("Format: %w", err)
	}
	return v, nil
}

func TestOpenUnformatted(t *testing.T) {
	flash := hal.NewMemoryFlash(64*4096, 4096)
	inThread(t, func(ctx *kernel.Context) error {
		v, err := newVolume(ctx, flash)
		if err != nil {
			return err
		}
		if _, err := Open(ctx, v.Device(), Config{}); !errors.Is(err, ErrNoFilesystem) {
			return fmt.Errorf("Open(blank) = %v, want ErrNoFilesystem", err)
		}
		return nil
	})
}

func TestMediaFiles(t *testing.T) {
	flash := hal.NewMemoryFlash(64*4096, 4096)
	inThread(t, func(ctx *kernel.Context) error {
		v, err := formatted(ctx, flash)
		if err != nil {
			return err
		}
		m, err := Open(ctx, v.Device(), Config{})
		if err != nil {
			return fmt.Errorf("Open: %w", err)
		}
		if got, err := m.Volume(ctx); err != nil || got != "RTK" {
			return fmt.Errorf("Volume() = %q, %v, want RTK", got, err)
		}

		if err := m.CreateDir(ctx, "/LOGS"); err != nil {
			return fmt.Errorf("CreateDir: %w", err)
		}
		if err := m.CreateDir(ctx, "/LOGS"); !errors.Is(err, ErrExists) {
			return fmt.Errorf("second CreateDir = %v, want ErrExists", err)
		}
		if err := m.CreateFile(ctx, "/LOGS/EMPTY.TXT"); err != nil {
			return fmt.Errorf("CreateFile: %w", err)
		}
		if err := m.CreateFile(ctx, "/LOGS/EMPTY.TXT"); !errors.Is(err, ErrExists) {
			return fmt.Errorf("second CreateFile = %v, want ErrExists", err)
		}

		if _, err := m.WriteFile(ctx, "/LOGS/BOOT.TXT", []byte("hello "), false); err != nil {
			return fmt.Errorf("WriteFile: %w", err)
		}
		if _, err := m.WriteFile(ctx, "/LOGS/BOOT.TXT", []byte("world"), true); err != nil {
			return fmt.Errorf("WriteFile(append): %w", err)
		}
		buf := make([]byte, 32)
		n, eof, err := m.ReadFile(ctx, "/LOGS/BOOT.TXT", buf, 0)
		if err != nil || !eof || string(buf[:n]) != "hello world" {
			return fmt.Errorf("ReadFile = %q, %v, %v", buf[:n], eof, err)
		}
		n, _, err = m.ReadFile(ctx, "/LOGS/BOOT.TXT", buf[:3], 6)
		if err != nil || string(buf[:n]) != "wor" {
			return fmt.Errorf("ReadFile(off 6) = %q, %v", buf[:n], err)
		}

		info, err := m.Stat(ctx, "/LOGS/BOOT.TXT")
		if err != nil || info.Size != 11 || info.Dir {
			return fmt.Errorf("Stat = %+v, %v", info, err)
		}
		if _, err := m.Stat(ctx, "/NOPE.TXT"); !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("Stat(missing) = %v, want ErrNotFound", err)
		}

		if err := m.Rename(ctx, "/LOGS/BOOT.TXT", "/LOGS/OLD.TXT"); err != nil {
			return fmt.Errorf("Rename: %w", err)
		}
		var names []string
		if err := m.ListDir(ctx, "/LOGS", func(i Info) bool {
			names = append(names, i.Name)
			return true
		}); err != nil {
			return fmt.Errorf("ListDir: %w", err)
		}
		sort.Strings(names)
		if fmt.Sprint(names) != "[EMPTY.TXT OLD.TXT]" {
			return fmt.Errorf("ListDir = %v", names)
		}

		if err := m.DeleteDir(ctx, "/LOGS/OLD.TXT"); !errors.Is(err, ErrNotDir) {
			return fmt.Errorf("DeleteDir(file) = %v, want ErrNotDir", err)
		}
		if err := m.DeleteFile(ctx, "/LOGS"); !errors.Is(err, ErrIsDir) {
			return fmt.Errorf("DeleteFile(dir) = %v, want ErrIsDir", err)
		}
		if err := m.DeleteDir(ctx, "/LOGS"); !errors.Is(err, ErrNotEmpty) {
			return fmt.Errorf("DeleteDir(non-empty) = %v, want ErrNotEmpty", err)
		}
		if err := m.DeleteFile(ctx, "/LOGS/EMPTY.TXT"); err != nil {
			return err
		}
		return m.Close(ctx)
	})
}

func TestMediaPersists(t *testing.T) {
	flash := hal.NewMemoryFlash(64*4096, 4096)
	data := bytes.Repeat([]byte("0123456789abcdef"), 200)
	inThread(t, func(ctx *kernel.Context) error {
		v, err := formatted(ctx, flash)
		if err != nil {
			return err
		}
		m, err := Open(ctx, v.Device(), Config{CacheSectors: 4})
		if err != nil {
			return err
		}
		if _, err := m.WriteFile(ctx, "/DATA.BIN", data, false); err != nil {
			return err
		}
		if err := m.Close(ctx); err != nil {
			return fmt.Errorf("Close: %w", err)
		}
		if err := m.Flush(ctx); !errors.Is(err, ErrClosed) {
			return fmt.Errorf("Flush after Close = %v, want ErrClosed", err)
		}
		if err := v.Close(ctx); err != nil {
			return err
		}

		v, err = newVolume(ctx, flash)
		if err != nil {
			return err
		}
		m, err = Open(ctx, v.Device(), Config{})
		if err != nil {
			return fmt.Errorf("reopen: %w", err)
		}
		got := make([]byte, len(data)+10)
		n, eof, err := m.ReadFile(ctx, "/DATA.BIN", got, 0)
		if err != nil || !eof || !bytes.Equal(got[:n], data) {
			return fmt.Errorf("ReadFile after remount = %d bytes, %v, %v", n, eof, err)
		}
		return m.Close(ctx)
	})
}

func TestPeriodicFlush(t *testing.T) {
	flash := hal.NewMemoryFlash(64*4096, 4096)
	inThread(t, func(ctx *kernel.Context) error {
		v, err := formatted(ctx, flash)
		if err != nil {
			return err
		}
		pool, err := ctx.Kernel().CreateBytePool(ctx, "flush", make([]byte, 4096))
		if err != nil {
			return err
		}
		m, err := Open(ctx, v.Device(), Config{FlushPeriod: 5, Pool: pool})
		if err != nil {
			return err
		}
		if _, err := m.WriteFile(ctx, "/A.TXT", []byte("a"), false); err != nil {
			return err
		}
		for i := 0; i < 100; i++ {
			st, err := m.Stats(ctx)
			if err != nil {
				return err
			}
			if st.Flushes > 0 {
				return m.Close(ctx)
			}
			if err := ctx.Sleep(5); err != nil {
				return err
			}
		}
		return errors.New("flush thread never ran")
	})
}

func TestOpenFlushNeedsPool(t *testing.T) {
	inThread(t, func(ctx *kernel.Context) error {
		if _, err := Open(ctx, newMemDev(4), Config{FlushPeriod: 10}); !errors.Is(err, ErrInvalid) {
			return fmt.Errorf("Open() = %v, want ErrInvalid", err)
		}
		return nil
	})
}
