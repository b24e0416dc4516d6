package kernel

// InterruptState is the interrupt mask saved by DisableInterrupts.
type InterruptState uint8

const (
	interruptsEnabled InterruptState = iota
	interruptsMasked
)

// DisableInterrupts masks interrupt handlers and the tick for the caller
// and returns the previous mask. Nested calls are allowed; only the
// outermost RestoreInterrupts unmasks. While interrupts are masked the
// caller keeps the processor and must not block.
func (c *Context) DisableInterrupts() InterruptState {
	if c == nil || c.k == nil || c.kind == contextISR {
		return interruptsMasked
	}
	k := c.k
	k.mu.Lock()
	owned := k.masker == c
	k.mu.Unlock()
	if owned {
		return interruptsMasked
	}
	k.irq.Lock()
	k.mu.Lock()
	k.masker = c
	k.mu.Unlock()
	return interruptsEnabled
}

// RestoreInterrupts restores a mask returned by DisableInterrupts.
func (c *Context) RestoreInterrupts(s InterruptState) {
	if s == interruptsMasked || c == nil || c.k == nil {
		return
	}
	k := c.k
	k.mu.Lock()
	if k.masker != c {
		k.mu.Unlock()
		return
	}
	k.masker = nil
	k.mu.Unlock()
	k.irq.Unlock()

	// Wakeups made while masked take effect now.
	if c.kind == contextThread && !c.restricted {
		_ = c.Checkpoint()
	}
}

// CriticalSection is a scoped interrupt mask.
//
//	cs := kernel.EnterCritical(ctx)
//	defer cs.Exit()
type CriticalSection struct {
	c    *Context
	prev InterruptState
}

// EnterCritical masks interrupts until Exit.
func EnterCritical(c *Context) CriticalSection {
	return CriticalSection{c: c, prev: c.DisableInterrupts()}
}

// Exit restores the mask saved by EnterCritical.
func (cs CriticalSection) Exit() {
	cs.c.RestoreInterrupts(cs.prev)
}
