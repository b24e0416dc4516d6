package kernel

// FlagMode selects how a wait on an event flag group is satisfied and
// whether the requested flags are consumed.
type FlagMode uint8

const (
	// AnySet is satisfied when any requested flag is set.
	AnySet FlagMode = iota
	// AnySetClear is AnySet, clearing the requested flags on success.
	AnySetClear
	// AllSet is satisfied when every requested flag is set.
	AllSet
	// AllSetClear is AllSet, clearing the requested flags on success.
	AllSetClear
)

func (m FlagMode) all() bool   { return m == AllSet || m == AllSetClear }
func (m FlagMode) clear() bool { return m == AnySetClear || m == AllSetClear }

func (m FlagMode) satisfied(flags, mask uint32) bool {
	if m.all() {
		return flags&mask == mask
	}
	return flags&mask != 0
}

// SetOp selects how Set combines the given flags with the group.
type SetOp uint8

const (
	// Or sets the given flags.
	Or SetOp = iota
	// And keeps only the given flags.
	And
)

// EventFlagsNotify is called after flags are set. It runs in a restricted
// context.
type EventFlagsNotify func(ctx *Context, g *EventFlags)

// EventFlags is a group of 32 event flags.
type EventFlags struct {
	k      *Kernel
	name   string
	flags  uint32
	notify EventFlagsNotify

	waiters waitList
	deleted bool
}

// CreateEventFlags creates a group with all flags clear.
func (k *Kernel) CreateEventFlags(ctx *Context, name string) (*EventFlags, error) {
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
	g := &EventFlags{k: k, name: name}
	k.finish(ctx)
	return g, nil
}

// Name returns the group name.
func (g *EventFlags) Name() string { return g.name }

// Flags returns the current flags.
func (g *EventFlags) Flags() uint32 {
	g.k.mu.Lock()
	defer g.k.mu.Unlock()
	return g.flags
}

func (g *EventFlags) begin(ctx *Context) (*Kernel, error) {
	k, err := ctx.enter()
	if err != nil {
		return nil, err
	}
	if g.deleted {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	return k, nil
}

// Wait waits up to timeout for the flags in mask as selected by mode. It
// returns the whole group as it was when the wait was satisfied, before
// any clearing.
func (g *EventFlags) Wait(ctx *Context, mask uint32, mode FlagMode, timeout Ticks) (uint32, error) {
	if mode > AllSetClear {
		return 0, ErrOption
	}
	if mask == 0 {
		return 0, ErrOption
	}
	k, err := g.begin(ctx)
	if err != nil {
		return 0, err
	}
	if ctx.waitsInISR(timeout) {
		k.mu.Unlock()
		return 0, ErrCaller
	}
	if mode.satisfied(g.flags, mask) {
		observed := g.flags
		if mode.clear() {
			g.flags &^= mask
		}
		k.finish(ctx)
		return observed, nil
	}
	if timeout == NoWait {
		k.mu.Unlock()
		return 0, ErrNoEvents
	}
	if !ctx.canSuspend() {
		k.mu.Unlock()
		return 0, ErrCaller
	}
	t := ctx.t
	t.wait.mask = mask
	t.wait.mode = mode
	t.wait.observed = 0
	if err := k.suspend(ctx, &g.waiters, StateEventFlags, timeout, g, ErrNoEvents); err != nil {
		return 0, err
	}
	return t.wait.observed, nil
}

// WaitAny waits for any flag in mask, consuming them if clear is set.
func (g *EventFlags) WaitAny(ctx *Context, mask uint32, clear bool, timeout Ticks) (uint32, error) {
	mode := AnySet
	if clear {
		mode = AnySetClear
	}
	return g.Wait(ctx, mask, mode, timeout)
}

// WaitAll waits for every flag in mask, consuming them if clear is set.
func (g *EventFlags) WaitAll(ctx *Context, mask uint32, clear bool, timeout Ticks) (uint32, error) {
	mode := AllSet
	if clear {
		mode = AllSetClear
	}
	return g.Wait(ctx, mask, mode, timeout)
}

// Clear clears the flags in mask.
func (g *EventFlags) Clear(ctx *Context, mask uint32) error {
	return g.Set(ctx, ^mask, And)
}

// Set combines flags into the group with op. After an Or, waiters are
// checked in list order against the flags as they stand at that point,
// so an earlier waiter that clears flags can leave a later one waiting.
func (g *EventFlags) Set(ctx *Context, flags uint32, op SetOp) error {
	if op > And {
		return ErrOption
	}
	k, err := g.begin(ctx)
	if err != nil {
		return err
	}
	if op == And {
		g.flags &= flags
		k.finish(ctx)
		return nil
	}
	g.flags |= flags
	for _, w := range g.waiters.snapshot() {
		if !w.wait.mode.satisfied(g.flags, w.wait.mask) {
			continue
		}
		w.wait.observed = g.flags
		if w.wait.mode.clear() {
			g.flags &^= w.wait.mask
		}
		k.resume(w, nil)
	}
	var notify func(*Context)
	if fn := g.notify; fn != nil {
		notify = func(cb *Context) { fn(cb, g) }
	}
	k.notifyThen(ctx, notify)
	return nil
}

// SetNotify installs fn as the set callback. Nil removes it.
func (g *EventFlags) SetNotify(ctx *Context, fn EventFlagsNotify) error {
	k, err := g.begin(ctx)
	if err != nil {
		return err
	}
	g.notify = fn
	k.finish(ctx)
	return nil
}

// Prioritise moves the most urgent waiter to the front.
func (g *EventFlags) Prioritise(ctx *Context) error {
	k, err := g.begin(ctx)
	if err != nil {
		return err
	}
	g.waiters.prioritise()
	k.finish(ctx)
	return nil
}

// Delete wakes every waiter with ErrDeleted and retires the group.
func (g *EventFlags) Delete(ctx *Context) error {
	k, err := g.begin(ctx)
	if err != nil {
		return err
	}
	if !ctx.creating() {
		k.mu.Unlock()
		return ErrCaller
	}
	g.deleted = true
	wakeAll(k, &g.waiters, ErrDeleted)
	k.finish(ctx)
	return nil
}

func (g *EventFlags) waiterGone(*Kernel, *Thread) {}
