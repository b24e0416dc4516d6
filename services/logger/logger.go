// Package logger runs a kernel thread that drains log records from a
// mailbox into a hal.Logger, so threads never block on the log sink.
package logger

import (
	"errors"
	"fmt"
	"sync/atomic"

	"rtk/hal"
	"rtk/kernel"
)

// MaxLine is the longest line a record carries; longer lines are cut.
const MaxLine = 56

// Level is the severity of a record.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError

	levelStop Level = 0xFF
)

func (l Level) tag() byte {
	switch l {
	case LevelDebug:
		return 'D'
	case LevelInfo:
		return 'I'
	case LevelWarn:
		return 'W'
	case LevelError:
		return 'E'
	default:
		return '?'
	}
}

// record is one mailbox message: sixteen words.
type record struct {
	Tick  uint32
	Level Level
	Len   uint8
	_     [2]byte
	Text  [MaxLine]byte
}

// Config tunes the service.
type Config struct {
	// Capacity is the number of queued records. Zero selects 32.
	Capacity int

	// Priority of the logger thread. Zero selects kernel.LowestPriority.
	Priority uint

	// Pool provides the logger thread's stack and the mailbox storage.
	Pool kernel.Pool
}

// Service is a running logger thread.
type Service struct {
	out    hal.Logger
	box    *kernel.Mailbox[record]
	thread *kernel.Thread

	dropped atomic.Uint32
	written atomic.Uint32
}

// Start creates the mailbox and the logger thread.
func Start(ctx *kernel.Context, out hal.Logger, cfg Config) (*Service, error) {
	if out == nil {
		return nil, errors.New("logger: nil output")
	}
	if cfg.Pool == nil {
		return nil, errors.New("logger: nil pool")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 32
	}
	if cfg.Priority == 0 {
		cfg.Priority = kernel.LowestPriority
	}

	s := &Service{out: out}
	box, err := kernel.CreateMailbox[record](ctx, "log", cfg.Capacity, cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("logger: create mailbox: %w", err)
	}
	s.box = box
	s.thread, err = ctx.Kernel().CreateThread(ctx, kernel.ThreadConfig{
		Name:      "logger",
		Entry:     s.run,
		Pool:      cfg.Pool,
		StackSize: kernel.DefaultStack,
		Priority:  cfg.Priority,
	})
	if err != nil {
		_ = box.Delete(ctx)
		return nil, fmt.Errorf("logger: create thread: %w", err)
	}
	return s, nil
}

func (s *Service) run(ctx *kernel.Context) {
	line := make([]byte, 0, 16+MaxLine)
	for {
		r, err := s.box.Receive(ctx, kernel.WaitForever)
		if err != nil || r.Level == levelStop {
			return
		}
		line = append(line[:0], '[')
		line = fmt.Appendf(line, "%8d", r.Tick)
		line = append(line, ']', ' ', r.Level.tag(), ' ')
		line = append(line, r.Text[:r.Len]...)
		s.out.WriteLineBytes(line)
		s.written.Add(1)
	}
}

// Log queues a line, waiting up to timeout for room. Interrupt handlers
// and timer callbacks must pass kernel.NoWait. A record that cannot be
// queued is dropped and counted.
func (s *Service) Log(ctx *kernel.Context, level Level, line string, timeout kernel.Ticks) error {
	r := record{Tick: uint32(ctx.Now()), Level: level}
	r.Len = uint8(copy(r.Text[:], line))
	if err := s.box.Send(ctx, r, timeout); err != nil {
		s.dropped.Add(1)
		return err
	}
	return nil
}

// Printf formats and queues an info line. It never blocks.
func (s *Service) Printf(ctx *kernel.Context, format string, args ...any) {
	_ = s.Log(ctx, LevelInfo, fmt.Sprintf(format, args...), kernel.NoWait)
}

// Errorf formats and queues an error line. It never blocks.
func (s *Service) Errorf(ctx *kernel.Context, format string, args ...any) {
	_ = s.Log(ctx, LevelError, fmt.Sprintf(format, args...), kernel.NoWait)
}

// Dropped returns the number of records lost to a full mailbox.
func (s *Service) Dropped() uint32 { return s.dropped.Load() }

// Written returns the number of lines handed to the output.
func (s *Service) Written() uint32 { return s.written.Load() }

// Stop lets the thread drain what is queued, then ends it and releases
// the mailbox. It must be called from a thread.
func (s *Service) Stop(ctx *kernel.Context) error {
	if err := s.box.Send(ctx, record{Level: levelStop}, kernel.WaitForever); err != nil {
		return fmt.Errorf("logger: stop: %w", err)
	}
	if err := s.thread.Join(ctx); err != nil {
		return fmt.Errorf("logger: join: %w", err)
	}
	if err := s.thread.Delete(ctx); err != nil {
		return fmt.Errorf("logger: delete thread: %w", err)
	}
	return s.box.Delete(ctx)
}
