//go:build !tinygo

package hal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	hostFlashDefaultPath      = "rtk.flash"
	hostFlashDefaultSizeBytes = 2 * 1024 * 1024
	hostFlashEraseBlockBytes  = 4096
)

// hostFlash is a NOR flash image kept in a file.
type hostFlash struct {
	mu     sync.Mutex
	f      *os.File
	size   uint32
	erased [hostFlashEraseBlockBytes]byte
}

func newHostFlash() (*hostFlash, error) {
	path := os.Getenv("RTK_FLASH_PATH")
	if path == "" {
		path = hostFlashDefaultPath
	}
	return openHostFlash(path, hostFlashDefaultSizeBytes)
}

// openHostFlash opens or creates the image at path. A new image is
// created erased with size bytes.
func openHostFlash(path string, size uint32) (*hostFlash, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash image: %w", err)
	}
	hf := &hostFlash{f: f, size: size}
	for i := range hf.erased {
		hf.erased[i] = 0xFF
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat flash image: %w", err)
	}
	switch {
	case st.Size() > int64(^uint32(0)):
		_ = f.Close()
		return nil, fmt.Errorf("flash image %s: too large", path)
	case st.Size() > 0:
		hf.size = uint32(st.Size()) / hostFlashEraseBlockBytes * hostFlashEraseBlockBytes
	default:
		for off := uint32(0); off < size; off += hostFlashEraseBlockBytes {
			if _, err := f.WriteAt(hf.erased[:], int64(off)); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("create flash image: %w", err)
			}
		}
	}
	return hf, nil
}

func (f *hostFlash) SizeBytes() uint32 { return f.size }
func (f *hostFlash) EraseBlockBytes() uint32 {
	return hostFlashEraseBlockBytes
}

func (f *hostFlash) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}

func (f *hostFlash) ReadAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= f.size {
		return 0, fmt.Errorf("flash read at %d: %w", off, ErrFlashRange)
	}
	maxN := int(f.size - off)
	if len(p) > maxN {
		p = p[:maxN]
	}
	n, err := f.f.ReadAt(p, int64(off))
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (f *hostFlash) WriteAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= f.size {
		return 0, fmt.Errorf("flash write at %d: %w", off, ErrFlashRange)
	}
	maxN := int(f.size - off)
	if len(p) > maxN {
		p = p[:maxN]
	}

	buf := make([]byte, len(p))
	if _, err := f.f.ReadAt(buf, int64(off)); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("flash read before write at %d: %w", off, err)
	}
	if err := checkProgram(buf, p); err != nil {
		return 0, fmt.Errorf("flash write at %d: %w", off, err)
	}
	return f.f.WriteAt(p, int64(off))
}

func (f *hostFlash) Erase(off, size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size == 0 {
		return nil
	}
	if err := checkErase(off, size, hostFlashEraseBlockBytes, f.size); err != nil {
		return err
	}
	for size > 0 {
		if _, err := f.f.WriteAt(f.erased[:], int64(off)); err != nil {
			return fmt.Errorf("flash erase block at %d: %w", off, err)
		}
		off += hostFlashEraseBlockBytes
		size -= hostFlashEraseBlockBytes
	}
	return nil
}
