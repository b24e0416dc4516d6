//go:build !tinygo

// Command mkflash builds a NOR flash image holding a FAT volume behind
// the flash translation layer, filled from a host directory. The image
// boots as the host flash (RTK_FLASH_PATH).
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rtk/fs/fat"
	"rtk/fs/norflash"
	"rtk/hal"
	"rtk/kernel"
)

const (
	defaultFlashPath = "rtk.flash"
	defaultFlashSize = 2 * 1024 * 1024
	defaultEraseSize = 4096

	chunkSize = 4096
)

type options struct {
	src       string
	out       string
	label     string
	flashSize uint32
	eraseSize uint32
}

func main() {
	var opt options
	var flashSize, eraseSize uint
	flag.StringVar(&opt.src, "src", "", "Source directory to import into the FAT volume.")
	flag.StringVar(&opt.out, "out", defaultFlashPath, "Output flash image path.")
	flag.StringVar(&opt.label, "label", "RTK", "Volume label.")
	flag.UintVar(&flashSize, "size", defaultFlashSize, "Flash image size (bytes).")
	flag.UintVar(&eraseSize, "erase", defaultEraseSize, "Erase block size (bytes).")
	flag.Parse()
	opt.flashSize, opt.eraseSize = uint32(flashSize), uint32(eraseSize)

	if opt.src == "" {
		fmt.Fprintln(os.Stderr, "error: -src is required")
		os.Exit(2)
	}
	if opt.out == "" {
		fmt.Fprintln(os.Stderr, "error: -out is required")
		os.Exit(2)
	}

	img, err := build(opt)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(opt.out, img, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// build returns the flash image for opt.
func build(opt options) ([]byte, error) {
	src := filepath.Clean(opt.src)
	st, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("stat src %q: %w", src, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("src %q is not a directory", src)
	}
	if opt.eraseSize == 0 || opt.flashSize == 0 || opt.flashSize%opt.eraseSize != 0 {
		return nil, fmt.Errorf("flash size %d is not a multiple of erase size %d", opt.flashSize, opt.eraseSize)
	}
	dirs, files, err := scan(src)
	if err != nil {
		return nil, err
	}

	flash := hal.NewMemoryFlash(opt.flashSize, opt.eraseSize)
	err = inKernel(func(ctx *kernel.Context) error {
		vol, err := norflash.Open(ctx, flash, norflash.Config{})
		if err != nil {
			return err
		}
		if err := fat.Format(ctx, vol.Device(), opt.label, 0); err != nil {
			return err
		}
		m, err := fat.Open(ctx, vol.Device(), fat.Config{})
		if err != nil {
			return err
		}
		for _, d := range dirs {
			if err := m.CreateDir(ctx, d); err != nil && !errors.Is(err, fat.ErrExists) {
				return fmt.Errorf("mkdir %q: %w", d, err)
			}
		}
		for _, f := range files {
			host := filepath.Join(src, filepath.FromSlash(strings.TrimPrefix(f, "/")))
			if err := copyFile(ctx, m, host, f); err != nil {
				return err
			}
		}
		if err := m.Close(ctx); err != nil {
			return err
		}
		return vol.Close(ctx)
	})
	if err != nil {
		return nil, err
	}
	return flash.Bytes(), nil
}

// scan lists the directories and regular files under src as volume
// paths, parents first.
func scan(src string) (dirs, files []string, err error) {
	err = filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src || entry.Type()&os.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		p := "/" + filepath.ToSlash(rel)
		switch {
		case entry.IsDir():
			dirs = append(dirs, p)
		case entry.Type().IsRegular():
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk src %q: %w", src, err)
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files, nil
}

func copyFile(ctx *kernel.Context, m *fat.Media, host, path string) error {
	data, err := os.ReadFile(host)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		if err := m.CreateFile(ctx, path); err != nil {
			return fmt.Errorf("create %q: %w", path, err)
		}
		return nil
	}
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		if _, err := m.WriteFile(ctx, path, data[off:end], off > 0); err != nil {
			return fmt.Errorf("write %q: %w", path, err)
		}
	}
	return nil
}

// inKernel runs fn as the only thread of a private kernel. Nothing it
// does waits on time, so the kernel is never ticked.
func inKernel(fn func(ctx *kernel.Context) error) error {
	k := kernel.New()
	defer k.Shutdown()
	pool, err := k.CreateBytePool(k.System(), "stacks", make([]byte, 16*1024))
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if _, err := k.CreateThread(k.System(), kernel.ThreadConfig{
		Name:      "mkflash",
		Entry:     func(ctx *kernel.Context) { done <- fn(ctx) },
		Pool:      pool,
		StackSize: 4 * kernel.DefaultStack,
		Priority:  kernel.DefaultPriority,
	}); err != nil {
		return err
	}
	if err := k.Start(); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-time.After(time.Minute):
		return errors.New("image build timed out")
	}
}
