//go:build !cgo && !tinygo

package fat

import (
	"rtk/kernel"

	"tinygo.org/x/tinyfs"
)

// Media is unavailable without the FAT driver; every operation fails.
type Media struct{}

func Format(*kernel.Context, tinyfs.BlockDevice, string, int64) error { return ErrUnsupported }

func Open(*kernel.Context, tinyfs.BlockDevice, Config) (*Media, error) {
	return nil, ErrUnsupported
}

func (m *Media) Flush(*kernel.Context) error                  { return ErrUnsupported }
func (m *Media) Close(*kernel.Context) error                  { return nil }
func (m *Media) Stats(*kernel.Context) (Stats, error)         { return Stats{}, ErrUnsupported }
func (m *Media) Volume(*kernel.Context) (string, error)       { return "", ErrUnsupported }
func (m *Media) CreateDir(*kernel.Context, string) error      { return ErrUnsupported }
func (m *Media) DeleteDir(*kernel.Context, string) error      { return ErrUnsupported }
func (m *Media) Rename(*kernel.Context, string, string) error { return ErrUnsupported }
func (m *Media) CreateFile(*kernel.Context, string) error     { return ErrUnsupported }
func (m *Media) DeleteFile(*kernel.Context, string) error     { return ErrUnsupported }
func (m *Media) Stat(*kernel.Context, string) (Info, error)   { return Info{}, ErrUnsupported }

func (m *Media) WriteFile(*kernel.Context, string, []byte, bool) (int, error) {
	return 0, ErrUnsupported
}

func (m *Media) ReadFile(*kernel.Context, string, []byte, int64) (int, bool, error) {
	return 0, false, ErrUnsupported
}

func (m *Media) ListDir(*kernel.Context, string, func(Info) bool) error { return ErrUnsupported }
