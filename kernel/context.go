package kernel

import (
	"runtime"
	"time"
)

type contextKind uint8

const (
	contextSystem contextKind = iota
	contextThread
	contextISR
	contextTimer
)

func (k contextKind) String() string {
	switch k {
	case contextThread:
		return "thread"
	case contextISR:
		return "isr"
	case contextTimer:
		return "timer"
	default:
		return "system"
	}
}

// Context identifies the caller of a kernel operation.
//
// Every thread receives its own Context as the argument of its entry
// function. Interrupt handlers and timer callbacks receive one from the
// kernel, and code outside any thread uses Kernel.System. A Context must
// only be used by the code it was handed to.
type Context struct {
	k    *Kernel
	t    *Thread
	kind contextKind

	// restricted contexts run notification and timer callbacks. They may
	// call non-blocking operations only.
	restricted bool
}

// Kernel returns the kernel the context belongs to.
func (c *Context) Kernel() *Kernel { return c.k }

// Thread returns the calling thread, or nil outside thread context.
func (c *Context) Thread() *Thread {
	if c.kind != contextThread {
		return nil
	}
	return c.t
}

// InISR reports whether the caller is an interrupt handler.
func (c *Context) InISR() bool { return c.kind == contextISR }

// String names the context for diagnostics.
func (c *Context) String() string {
	if c.t != nil && c.kind == contextThread {
		return "thread:" + c.t.name
	}
	return c.kind.String()
}

// callback derives the context handed to notification callbacks.
func (c *Context) callback() *Context {
	if c.restricted {
		return c
	}
	cc := *c
	cc.restricted = true
	return &cc
}

// enter validates c and takes the kernel lock. A thread that was
// suspended by an interrupt while it ran is switched out here first.
func (c *Context) enter() (*Kernel, error) {
	if c == nil || c.k == nil {
		return nil, ErrCaller
	}
	k := c.k
	for {
		k.mu.Lock()
		if k.state == stateStopped {
			k.mu.Unlock()
			if c.kind == contextThread && !c.restricted {
				runtime.Goexit()
			}
			return nil, ErrCaller
		}
		if c.t == nil {
			return k, nil
		}
		if k.running != c.t || (!c.restricted && c.t.state.finished()) {
			k.mu.Unlock()
			return nil, ErrCaller
		}
		if c.restricted || c.t.state != StateSuspended {
			return k, nil
		}
		k.leave(c.t)
	}
}

// canSuspend reports whether the caller may block. k.mu must be held.
func (c *Context) canSuspend() bool {
	if c.kind != contextThread || c.restricted {
		return false
	}
	return c.k.masker != c
}

// waitsInISR reports an interrupt handler asking to wait. Handlers may
// only use NoWait, whatever the state of the object.
func (c *Context) waitsInISR(timeout Ticks) bool {
	return c.kind == contextISR && timeout != NoWait
}

// creating reports whether objects may be created or deleted from c.
func (c *Context) creating() bool {
	return c.kind != contextISR
}

// Yield moves the calling thread behind its ready peers of equal priority.
func (c *Context) Yield() error {
	k, err := c.enter()
	if err != nil {
		return err
	}
	if !c.canSuspend() {
		k.mu.Unlock()
		return ErrCaller
	}
	t := c.t
	k.unclaim(t)
	k.readyRemove(t)
	k.readyInsert(t)
	t.sliceLeft = t.timeSlice
	k.leave(t)
	return nil
}

// Checkpoint is a preemption point: if a more urgent thread became ready
// while the caller was running, the caller is switched out here.
func (c *Context) Checkpoint() error {
	k, err := c.enter()
	if err != nil {
		return err
	}
	k.finish(c)
	return nil
}

// Sleep suspends the calling thread for n ticks.
func (c *Context) Sleep(n Ticks) error {
	k, err := c.enter()
	if err != nil {
		return err
	}
	if !c.canSuspend() {
		k.mu.Unlock()
		return ErrCaller
	}
	if n == NoWait {
		k.finish(c)
		return nil
	}
	return k.suspend(c, &k.sleepers, StateSleep, n, nil, nil)
}

// SleepFor is Sleep with a wall-clock duration.
func (c *Context) SleepFor(d time.Duration) error {
	return c.Sleep(TicksOf(d))
}

// SleepUntil suspends the calling thread until kernel tick deadline.
func (c *Context) SleepUntil(deadline uint64) error {
	if c == nil || c.k == nil {
		return ErrCaller
	}
	return c.Sleep(c.k.TicksUntil(deadline))
}

// InThread reports whether the caller is a thread.
func (c *Context) InThread() bool { return c.kind == contextThread }

// Now returns the kernel tick count.
func (c *Context) Now() uint64 { return c.k.Now() }

// Interrupt runs fn as a nested interrupt handler. It may only be called
// from interrupt context.
func (c *Context) Interrupt(fn func(ctx *Context)) error {
	if c == nil || c.kind != contextISR {
		return ErrCaller
	}
	k := c.k
	k.mu.Lock()
	k.isrNest++
	k.mu.Unlock()
	fn(&Context{k: k, kind: contextISR})
	k.mu.Lock()
	k.isrNest--
	k.mu.Unlock()
	return nil
}
