package app

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"rtk/fs/fat"
	"rtk/fs/norflash"
	"rtk/hal"
	"rtk/internal/buildinfo"
	"rtk/kernel"
	"rtk/services/logger"
	"rtk/services/monitor"
)

// Config selects the optional parts of the system.
type Config struct {
	// NoMonitor leaves the display alone.
	NoMonitor bool

	// NoStorage skips mounting the flash volume.
	NoStorage bool

	// NoDemo skips the producer and consumer demo threads.
	NoDemo bool
}

type system struct {
	h   hal.HAL
	cfg Config
	k   *kernel.Kernel

	pool *kernel.BytePool
	log  *logger.Service
	mon  atomic.Pointer[monitor.Service]

	vol   *norflash.Volume
	media *fat.Media
	card  *fat.Media

	produced atomic.Uint32
	consumed atomic.Uint32
}

// New initializes and starts the kernel with default config.
func New(h hal.HAL) func() error {
	return NewWithConfig(h, Config{})
}

// Run starts the kernel and blocks forever (TinyGo/native entrypoint).
func Run(h hal.HAL) {
	_ = New(h)
	select {}
}

// NewWithConfig boots the system on h and returns the per-frame step
// function for the host runners.
func NewWithConfig(h hal.HAL, cfg Config) func() error {
	s, err := newSystem(h, cfg)
	if err != nil {
		if l := h.Logger(); l != nil {
			l.WriteLineString("rtk: " + err.Error())
		}
		return func() error { return err }
	}
	return s.step
}

// RunWithConfig boots the system with cfg and blocks forever.
func RunWithConfig(h hal.HAL, cfg Config) {
	_ = NewWithConfig(h, cfg)
	select {}
}

func newSystem(h hal.HAL, cfg Config) (*system, error) {
	bootStep(h, "kernel")
	installPanicHandler(h)

	k := kernel.NewWithConfig(kernel.Config{
		Log: h.Logger(),
		StackError: func(ctx *kernel.Context, t *kernel.Thread) {
			if l := h.Logger(); l != nil {
				l.WriteLineString("rtk: stack overflow in " + t.Name())
			}
		},
	})
	s := &system{h: h, cfg: cfg, k: k}

	sys := k.System()
	var err error
	if s.pool, err = k.CreateBytePool(sys, "system", make([]byte, 96*1024)); err != nil {
		return nil, fmt.Errorf("system pool: %w", err)
	}
	if _, err = k.CreateThread(sys, kernel.ThreadConfig{
		Name:      "init",
		Entry:     s.initThread,
		Pool:      s.pool,
		StackSize: 2 * kernel.DefaultStack,
		Priority:  1,
	}); err != nil {
		return nil, fmt.Errorf("init thread: %w", err)
	}
	if err := k.Start(); err != nil {
		return nil, err
	}

	s.pumpTicks()
	s.pumpKeys()
	bootStep(h, "scheduler running")
	return s, nil
}

// step reports a panicked kernel to the host runner.
func (s *system) step() error {
	if kernel.InPanicMode() {
		return ErrPanicked
	}
	return nil
}

// ErrPanicked is returned by the step function once a thread panicked.
var ErrPanicked = errors.New("rtk: kernel panicked")

// pumpTicks feeds the board tick stream into the kernel tick interrupt,
// replaying ticks the pump fell behind on.
func (s *system) pumpTicks() {
	ht := s.h.Time()
	if ht == nil {
		return
	}
	ch := ht.Ticks()
	if ch == nil {
		return
	}
	go func() {
		var last uint64
		for seq := range ch {
			for ; last < seq; last++ {
				s.k.Tick()
			}
		}
	}()
}

// pumpKeys delivers keyboard events to the monitor as interrupts.
func (s *system) pumpKeys() {
	in := s.h.Input()
	if in == nil {
		return
	}
	kbd := in.Keyboard()
	if kbd == nil {
		return
	}
	ch := kbd.Events()
	if ch == nil {
		return
	}
	go func() {
		for ev := range ch {
			m := s.mon.Load()
			if m == nil {
				continue
			}
			s.k.Interrupt(func(ctx *kernel.Context) { m.KeyISR(ctx, ev) })
		}
	}()
}

func (s *system) initThread(ctx *kernel.Context) {
	k := ctx.Kernel()
	log, err := logger.Start(ctx, s.h.Logger(), logger.Config{Pool: s.pool})
	if err != nil {
		s.h.Logger().WriteLineString("rtk: " + err.Error())
		return
	}
	s.log = log
	log.Printf(ctx, "rtk %s: %d Hz tick", buildinfo.Short(), kernel.TickHz)

	if led := s.h.LED(); led != nil {
		on := false
		if _, err := k.CreateTimer(ctx, kernel.TimerConfig{
			Name: "heartbeat",
			Func: func(*kernel.Context, any) {
				if on = !on; on {
					led.High()
				} else {
					led.Low()
				}
			},
			Timeout:  kernel.TicksOf(500 * time.Millisecond),
			Type:     kernel.Periodic,
			Activate: true,
		}); err != nil {
			log.Errorf(ctx, "heartbeat: %v", err)
		}
	}

	if !s.cfg.NoStorage {
		if err := s.mountStorage(ctx); err != nil {
			log.Errorf(ctx, "storage: %v", err)
		}
	}
	if slot, ok := s.h.(hal.CardSlot); ok && !s.cfg.NoStorage {
		if err := s.mountCard(ctx, slot); err != nil {
			log.Errorf(ctx, "card: %v", err)
		}
	}
	if !s.cfg.NoDemo {
		if err := s.startDemo(ctx); err != nil {
			log.Errorf(ctx, "demo: %v", err)
		}
	}
	if !s.cfg.NoMonitor {
		if err := s.startMonitor(ctx); err != nil {
			log.Errorf(ctx, "monitor: %v", err)
		}
	}
	log.Printf(ctx, "boot done, %d threads", len(k.Threads()))
}

// mountStorage opens the flash volume, formatting a blank one, and
// appends a line to the boot log.
func (s *system) mountStorage(ctx *kernel.Context) error {
	flash := s.h.Flash()
	if flash == nil {
		return errors.New("no flash")
	}
	vol, err := norflash.Open(ctx, flash, norflash.Config{})
	if err != nil {
		return err
	}
	s.vol = vol

	cfg := fat.Config{FlushPeriod: kernel.TicksOf(2 * time.Second), Pool: s.pool}
	media, err := fat.Open(ctx, vol.Device(), cfg)
	if errors.Is(err, fat.ErrNoFilesystem) {
		s.log.Printf(ctx, "formatting %d KiB volume", vol.FormatSize()/1024)
		if err := fat.Format(ctx, vol.Device(), "RTK", 0); err != nil {
			return err
		}
		media, err = fat.Open(ctx, vol.Device(), cfg)
	}
	if err != nil {
		return err
	}
	s.media = media

	line := fmt.Sprintf("boot %s at tick %d\r\n", buildinfo.Short(), ctx.Now())
	if _, err := media.WriteFile(ctx, "/BOOT.LOG", []byte(line), true); err != nil {
		return err
	}
	info, err := media.Stat(ctx, "/BOOT.LOG")
	if err != nil {
		return err
	}
	s.log.Printf(ctx, "BOOT.LOG is %d bytes", info.Size)
	return nil
}

// mountCard mounts removable media as found. Cards are never formatted.
func (s *system) mountCard(ctx *kernel.Context, slot hal.CardSlot) error {
	dev, err := slot.Card()
	if err != nil {
		return err
	}
	m, err := fat.Open(ctx, dev, fat.Config{CacheSectors: 4})
	if err != nil {
		return err
	}
	s.card = m
	label, _ := m.Volume(ctx)
	s.log.Printf(ctx, "card %q mounted", label)
	return nil
}

type sample struct {
	Seq  uint32
	Tick uint32
}

// startDemo runs a producer and a consumer that talk through a mailbox.
func (s *system) startDemo(ctx *kernel.Context) error {
	k := ctx.Kernel()
	box, err := kernel.CreateMailbox[sample](ctx, "samples", 8, s.pool)
	if err != nil {
		return err
	}
	if _, err := k.CreateThread(ctx, kernel.ThreadConfig{
		Name:      "producer",
		Pool:      s.pool,
		StackSize: kernel.DefaultStack,
		Priority:  kernel.DefaultPriority,
		TimeSlice: kernel.DefaultTimeSlice,
		Entry: func(ctx *kernel.Context) {
			for seq := uint32(1); ; seq++ {
				if err := ctx.Sleep(kernel.TicksOf(250 * time.Millisecond)); err != nil {
					return
				}
				if err := box.Send(ctx, sample{Seq: seq, Tick: uint32(ctx.Now())}, kernel.NoWait); err != nil {
					continue
				}
				s.produced.Add(1)
			}
		},
	}); err != nil {
		return err
	}
	_, err = k.CreateThread(ctx, kernel.ThreadConfig{
		Name:      "consumer",
		Pool:      s.pool,
		StackSize: kernel.DefaultStack,
		Priority:  kernel.DefaultPriority + 1,
		Entry: func(ctx *kernel.Context) {
			for {
				m, err := box.Receive(ctx, kernel.WaitForever)
				if err != nil {
					return
				}
				if s.consumed.Add(1)%40 == 0 {
					s.log.Printf(ctx, "sample %d, %d ticks late", m.Seq, uint32(ctx.Now())-m.Tick)
				}
			}
		},
	})
	return err
}

func (s *system) startMonitor(ctx *kernel.Context) error {
	disp := s.h.Display()
	if disp == nil {
		return errors.New("no display")
	}
	fb := disp.Framebuffer()
	if fb == nil {
		return errors.New("no framebuffer")
	}
	m, err := monitor.Start(ctx, fb, monitor.Config{
		Pool: s.pool,
		Pages: []monitor.Page{
			{Title: "storage", Lines: s.storageLines},
			{Title: "system", Lines: s.systemLines},
		},
	})
	if err != nil {
		return err
	}
	s.mon.Store(m)
	return nil
}

func (s *system) storageLines(ctx *kernel.Context) []string {
	var lines []string
	switch {
	case s.vol == nil:
		lines = append(lines, "no flash volume")
	default:
		st, err := s.vol.Stats(ctx)
		if err != nil {
			lines = append(lines, "flash: "+err.Error())
			break
		}
		lines = append(lines,
			fmt.Sprintf("sectors %d mapped %d free %d obsolete %d", s.vol.Sectors(), st.Mapped, st.Free, st.Obsolete),
			fmt.Sprintf("reads %d writes %d releases %d", st.Reads, st.Writes, st.Releases),
			fmt.Sprintf("reclaims %d moves %d erases %d", st.Reclaims, st.Moves, st.Erases),
			fmt.Sprintf("erase count %d..%d", st.MinErase, st.MaxErase),
		)
	}
	if s.media != nil {
		lines = append(lines, mediaLines(ctx, "flash", s.media)...)
	}
	if s.card != nil {
		lines = append(lines, mediaLines(ctx, "card", s.card)...)
	}
	return lines
}

func mediaLines(ctx *kernel.Context, name string, m *fat.Media) []string {
	label, _ := m.Volume(ctx)
	st, err := m.Stats(ctx)
	if err != nil {
		return []string{name + ": " + err.Error()}
	}
	return []string{
		fmt.Sprintf("%s volume %q", name, label),
		fmt.Sprintf("  cache hits %d misses %d", st.Hits, st.Misses),
		fmt.Sprintf("  writebacks %d flushes %d", st.Writebacks, st.Flushes),
	}
}

func (s *system) systemLines(ctx *kernel.Context) []string {
	lines := []string{
		"build " + buildinfo.Long(),
		fmt.Sprintf("uptime %d ticks", ctx.Now()),
		fmt.Sprintf("pool %d of %d bytes free", s.pool.Available(), s.pool.Size()),
		fmt.Sprintf("samples %d sent %d received", s.produced.Load(), s.consumed.Load()),
	}
	if s.log != nil {
		lines = append(lines, fmt.Sprintf("log %d lines %d dropped", s.log.Written(), s.log.Dropped()))
	}
	return lines
}
