package kernel

import (
	"math"
	"time"
)

// Unbounded is the ceiling of a counting semaphore without a limit.
const Unbounded = math.MaxUint32

// SemaphoreNotify is called after units are released. It runs in a
// restricted context.
type SemaphoreNotify func(ctx *Context, s *Semaphore)

// Semaphore is a counting semaphore with an upper bound.
type Semaphore struct {
	k       *Kernel
	name    string
	count   uint32
	ceiling uint32
	notify  SemaphoreNotify

	waiters waitList
	deleted bool
}

// CreateSemaphore creates a semaphore holding initial units. A binary
// semaphore has ceiling 1.
func (k *Kernel) CreateSemaphore(ctx *Context, name string, initial, ceiling uint32) (*Semaphore, error) {
	if ceiling == 0 || initial > ceiling {
		return nil, ErrInvalidCeiling
	}
	if ctx == nil || ctx.k != k {
		return nil, ErrCaller
	}
	if _, err := ctx.enter(); err != nil {
		return nil, err
	}
	if !ctx.creating() {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	s := &Semaphore{k: k, name: name, count: initial, ceiling: ceiling}
	k.finish(ctx)
	return s, nil
}

// CreateBinarySemaphore creates a semaphore with ceiling 1.
func (k *Kernel) CreateBinarySemaphore(ctx *Context, name string, set bool) (*Semaphore, error) {
	var initial uint32
	if set {
		initial = 1
	}
	return k.CreateSemaphore(ctx, name, initial, 1)
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string { return s.name }

// Count returns the number of available units.
func (s *Semaphore) Count() uint32 {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.count
}

// Ceiling returns the maximum count.
func (s *Semaphore) Ceiling() uint32 { return s.ceiling }

func (s *Semaphore) begin(ctx *Context) (*Kernel, error) {
	k, err := ctx.enter()
	if err != nil {
		return nil, err
	}
	if s.deleted {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	return k, nil
}

// Acquire takes one unit, waiting up to timeout for a release.
func (s *Semaphore) Acquire(ctx *Context, timeout Ticks) error {
	k, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if ctx.waitsInISR(timeout) {
		k.mu.Unlock()
		return ErrCaller
	}
	if s.count > 0 {
		s.count--
		k.finish(ctx)
		return nil
	}
	if timeout == NoWait {
		k.mu.Unlock()
		return ErrNoInstance
	}
	if !ctx.canSuspend() {
		k.mu.Unlock()
		return ErrCaller
	}
	return k.suspend(ctx, &s.waiters, StateSemaphore, timeout, s, ErrNoInstance)
}

// TryAcquire takes one unit if one is available.
func (s *Semaphore) TryAcquire(ctx *Context) error {
	return s.Acquire(ctx, NoWait)
}

// AcquireFor is Acquire with a wall-clock timeout.
func (s *Semaphore) AcquireFor(ctx *Context, d time.Duration) error {
	return s.Acquire(ctx, TicksOf(d))
}

// AcquireUntil is Acquire with a deadline in kernel ticks.
func (s *Semaphore) AcquireUntil(ctx *Context, deadline uint64) error {
	return s.Acquire(ctx, s.k.TicksUntil(deadline))
}

// Release puts n units back. Each unit goes to the first waiter if there
// is one. Release stops at the ceiling and reports ErrCeilingExceeded;
// units placed before that stay placed.
func (s *Semaphore) Release(ctx *Context, n uint32) error {
	k, err := s.begin(ctx)
	if err != nil {
		return err
	}
	var put uint32
	for ; put < n; put++ {
		if w := s.waiters.front(); w != nil {
			k.resume(w, nil)
			continue
		}
		if s.count >= s.ceiling {
			err = ErrCeilingExceeded
			break
		}
		s.count++
	}
	var notify func(*Context)
	if fn := s.notify; fn != nil && put > 0 {
		notify = func(cb *Context) {
			for i := uint32(0); i < put; i++ {
				fn(cb, s)
			}
		}
	}
	k.notifyThen(ctx, notify)
	return err
}

// SetNotify installs fn as the release callback. Nil removes it.
func (s *Semaphore) SetNotify(ctx *Context, fn SemaphoreNotify) error {
	k, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.notify = fn
	k.finish(ctx)
	return nil
}

// Reset sets the count to n. Waiters are served first, as if n units
// were released.
func (s *Semaphore) Reset(ctx *Context, n uint32) error {
	if n > s.ceiling {
		return ErrInvalidCeiling
	}
	k, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.count = 0
	for ; n > 0; n-- {
		w := s.waiters.front()
		if w == nil {
			break
		}
		k.resume(w, nil)
	}
	s.count = n
	k.finish(ctx)
	return nil
}

// Prioritise moves the most urgent waiter to the front.
func (s *Semaphore) Prioritise(ctx *Context) error {
	k, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.waiters.prioritise()
	k.finish(ctx)
	return nil
}

// Delete wakes every waiter with ErrDeleted and retires the semaphore.
// Later operations report ErrCaller.
func (s *Semaphore) Delete(ctx *Context) error {
	k, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if !ctx.creating() {
		k.mu.Unlock()
		return ErrCaller
	}
	s.deleted = true
	wakeAll(k, &s.waiters, ErrDeleted)
	k.finish(ctx)
	return nil
}

func (s *Semaphore) waiterGone(*Kernel, *Thread) {}
