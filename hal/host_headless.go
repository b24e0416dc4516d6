//go:build !tinygo

package hal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

var errStopped = errors.New("hal: tick limit reached")

// HeadlessConfig controls the no-window host runner.
type HeadlessConfig struct {
	Enabled bool
	Hz      int

	// Ticks stops the runner after that many kernel ticks (0 = never).
	Ticks uint64
}

// RunHeadless runs the system without opening a window. newApp builds
// the system on the HAL and returns its per-frame step function.
func RunHeadless(ctx context.Context, newApp func(HAL) func() error, cfg HeadlessConfig) error {
	if cfg.Hz <= 0 {
		cfg.Hz = 60
	}
	d := time.Second / time.Duration(cfg.Hz)
	if d <= 0 {
		return fmt.Errorf("invalid headless hz: %d", cfg.Hz)
	}

	h := newHost(os.Stdout)
	step := newApp(h)

	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan struct{}, 1)

	// Clock: sample wall time into kernel ticks.
	g.Go(func() error {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
				h.t.step(1)
				select {
				case frames <- struct{}{}:
				default:
				}
				if cfg.Ticks > 0 && h.t.seq >= cfg.Ticks {
					return errStopped
				}
			}
		}
	})

	// Frame loop: run the system's step function once per clock period.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-frames:
				if step == nil {
					continue
				}
				if err := step(); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if err == errStopped {
		return nil
	}
	return err
}
