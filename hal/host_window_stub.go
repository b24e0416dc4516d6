//go:build !tinygo && !cgo

package hal

import "errors"

// RunWindow is unavailable without cgo; use -headless.
func RunWindow(_ func(h HAL) func() error) error {
	return errors.New("hal: window mode requires cgo (build with CGO_ENABLED=1 or run -headless)")
}
