// Package monitor renders kernel state to a framebuffer.
//
// A periodic kernel timer wakes the monitor thread, which redraws the
// current page through a tinyterm terminal. Keyboard interrupts switch
// pages; the first page is always the thread table.
package monitor

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"rtk/hal"
	"rtk/kernel"

	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"
)

// Page is one screen of the monitor.
type Page struct {
	Title string

	// Lines produces the page body. It runs on the monitor thread.
	Lines func(ctx *kernel.Context) []string
}

// Config tunes the monitor.
type Config struct {
	// Period between redraws. Zero selects half a second.
	Period kernel.Ticks

	// Priority of the monitor thread. Zero selects kernel.LowestPriority-2.
	Priority uint

	// Pool provides the monitor thread's stack.
	Pool kernel.Pool

	// Pages follow the thread table.
	Pages []Page
}

const (
	evRefresh uint32 = 1 << iota
	evKey
	evStop
)

// Service is a running monitor.
type Service struct {
	fb    hal.Framebuffer
	d     *fbDisplay
	term  *tinyterm.Terminal
	pages []Page

	events *kernel.EventFlags
	timer  *kernel.Timer
	thread *kernel.Thread

	page   atomic.Int32
	frames atomic.Uint32
}

// Start creates the monitor thread and its refresh timer.
func Start(ctx *kernel.Context, fb hal.Framebuffer, cfg Config) (*Service, error) {
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return nil, errors.New("monitor: need an RGB565 framebuffer")
	}
	if cfg.Pool == nil {
		return nil, errors.New("monitor: nil pool")
	}
	if cfg.Period == 0 {
		cfg.Period = kernel.TicksOf(500 * time.Millisecond)
	}
	if cfg.Priority == 0 {
		cfg.Priority = kernel.LowestPriority - 2
	}

	s := &Service{fb: fb, d: newFBDisplay(fb)}
	s.pages = append([]Page{{Title: "threads", Lines: threadLines}}, cfg.Pages...)

	k := ctx.Kernel()
	var err error
	if s.events, err = k.CreateEventFlags(ctx, "monitor"); err != nil {
		return nil, fmt.Errorf("monitor: create events: %w", err)
	}
	s.thread, err = k.CreateThread(ctx, kernel.ThreadConfig{
		Name:      "monitor",
		Entry:     s.run,
		Pool:      cfg.Pool,
		StackSize: kernel.DefaultStack,
		Priority:  cfg.Priority,
	})
	if err != nil {
		_ = s.events.Delete(ctx)
		return nil, fmt.Errorf("monitor: create thread: %w", err)
	}
	s.timer, err = k.CreateTimer(ctx, kernel.TimerConfig{
		Name:     "monitor",
		Func:     func(ctx *kernel.Context, _ any) { _ = s.events.Set(ctx, evRefresh, kernel.Or) },
		Timeout:  cfg.Period,
		Type:     kernel.PeriodicImmediate,
		Activate: true,
	})
	if err != nil {
		_ = s.thread.Terminate(ctx)
		_ = s.thread.Delete(ctx)
		_ = s.events.Delete(ctx)
		return nil, fmt.Errorf("monitor: create timer: %w", err)
	}
	return s, nil
}

// KeyISR handles a key event from an interrupt handler. F1 to F3 and the
// digits select a page directly; Tab and the arrow keys step through
// them.
func (s *Service) KeyISR(ctx *kernel.Context, ev hal.KeyEvent) {
	if !ev.Press {
		return
	}
	n := int32(len(s.pages))
	cur := s.page.Load()
	next := cur
	switch {
	case ev.Code == hal.KeyF1, ev.Code == hal.KeyF2, ev.Code == hal.KeyF3:
		next = int32(ev.Code - hal.KeyF1)
	case ev.Code == hal.KeyTab, ev.Code == hal.KeyRight, ev.Code == hal.KeyDown:
		next = (cur + 1) % n
	case ev.Code == hal.KeyLeft, ev.Code == hal.KeyUp:
		next = (cur + n - 1) % n
	case ev.Rune >= '1' && ev.Rune <= '9':
		next = int32(ev.Rune - '1')
	}
	if next == cur || next >= n {
		return
	}
	s.page.Store(next)
	_ = s.events.Set(ctx, evKey, kernel.Or)
}

// Page returns the index of the page on screen.
func (s *Service) Page() int { return int(s.page.Load()) }

// Frames returns the number of redraws so far.
func (s *Service) Frames() uint32 { return s.frames.Load() }

func (s *Service) run(ctx *kernel.Context) {
	for {
		got, err := s.events.WaitAny(ctx, evRefresh|evKey|evStop, true, kernel.WaitForever)
		if err != nil || got&evStop != 0 {
			return
		}
		s.render(ctx)
	}
}

func (s *Service) render(ctx *kernel.Context) {
	idx := int(s.page.Load())
	p := s.pages[idx]

	s.fb.ClearRGB(0, 0, 0)
	s.term = tinyterm.NewTerminal(s.d)
	s.term.Configure(&tinyterm.Config{
		Font:              &proggy.TinySZ8pt7b,
		FontHeight:        10,
		FontOffset:        6,
		UseSoftwareScroll: true,
	})

	var b strings.Builder
	fmt.Fprintf(&b, "RTK %d/%d %s  t=%d\r\n", idx+1, len(s.pages), p.Title, ctx.Now())
	for _, line := range p.Lines(ctx) {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	_, _ = s.term.Write([]byte(b.String()))
	s.term.Display()
	s.frames.Add(1)
}

func threadLines(ctx *kernel.Context) []string {
	threads := ctx.Kernel().Threads()
	lines := make([]string, 0, len(threads)+1)
	lines = append(lines, "ID NAME         STATE     PR  RUNS STACK")
	for _, t := range threads {
		lines = append(lines, fmt.Sprintf("%2d %-12.12s %-9.9s %2d %5d %d/%d",
			t.ID, t.Name, t.State, t.Priority, t.RunCount, t.Stack.MaxUsed, t.Stack.Size))
	}
	return lines
}

// Stop ends the monitor thread and deletes its kernel objects. It must be
// called from a thread.
func (s *Service) Stop(ctx *kernel.Context) error {
	if err := s.timer.Delete(ctx); err != nil {
		return fmt.Errorf("monitor: delete timer: %w", err)
	}
	if err := s.events.Set(ctx, evStop, kernel.Or); err != nil {
		return fmt.Errorf("monitor: stop: %w", err)
	}
	if err := s.thread.Join(ctx); err != nil {
		return fmt.Errorf("monitor: join: %w", err)
	}
	if err := s.thread.Delete(ctx); err != nil {
		return fmt.Errorf("monitor: delete thread: %w", err)
	}
	return s.events.Delete(ctx)
}
