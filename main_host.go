//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"rtk/app"
	"rtk/hal"
)

func main() {
	var cfg hal.HeadlessConfig
	var appCfg app.Config
	flag.BoolVar(&cfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&cfg.Hz, "hz", 60, "Frame rate in headless mode.")
	flag.Uint64Var(&cfg.Ticks, "ticks", 0, "Stop after N ticks in headless mode (0 = run forever).")
	flag.BoolVar(&appCfg.NoMonitor, "no-monitor", false, "Do not start the display monitor.")
	flag.BoolVar(&appCfg.NoStorage, "no-storage", false, "Do not mount the flash volume.")
	flag.BoolVar(&appCfg.NoDemo, "no-demo", false, "Do not start the demo threads.")
	flag.Parse()

	if cfg.Enabled {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err := hal.RunHeadless(ctx, func(h hal.HAL) func() error {
			return app.NewWithConfig(h, appCfg)
		}, cfg)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, app.ErrPanicked):
			os.Exit(2)
		default:
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// The window keeps showing the panic screen instead of closing.
	if err := hal.RunWindow(func(h hal.HAL) func() error {
		step := app.NewWithConfig(h, appCfg)
		return func() error {
			if err := step(); !errors.Is(err, app.ErrPanicked) {
				return err
			}
			return nil
		}
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
