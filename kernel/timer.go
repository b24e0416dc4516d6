package kernel

// TimerType selects how a timer re-arms.
type TimerType uint8

const (
	// OneShot fires once, Timeout ticks after activation.
	OneShot TimerType = iota
	// Periodic fires every Timeout ticks, starting Timeout ticks after
	// activation.
	Periodic
	// PeriodicImmediate fires on the next tick and then every Timeout
	// ticks.
	PeriodicImmediate
)

// TimerFunc is a timer expiration callback. It runs on the timer thread
// in a restricted context: it must not call anything that can block.
type TimerFunc func(ctx *Context, arg any)

// TimerConfig describes a timer to create.
type TimerConfig struct {
	Name    string
	Func    TimerFunc
	Arg     any
	Timeout Ticks
	Type    TimerType

	// Activate arms the timer as part of creation.
	Activate bool
}

// Timer is an application timer driven by the kernel tick.
type Timer struct {
	k    *Kernel
	id   uint32
	name string
	fn   TimerFunc
	arg  any

	initial, reload Ticks
	pending         Ticks
	fired           uint32

	entry   timerEntry
	queued  bool
	qnext   *Timer
	deleted bool
}

func timerTicks(timeout Ticks, typ TimerType) (initial, reload Ticks, err error) {
	if timeout == NoWait || timeout == WaitForever {
		return 0, 0, ErrTick
	}
	switch typ {
	case OneShot:
		return timeout, 0, nil
	case Periodic:
		return timeout, timeout, nil
	case PeriodicImmediate:
		return 1, timeout, nil
	}
	return 0, 0, ErrOption
}

// CreateTimer creates a timer. Timers with a callback get IDs counting
// from 1; a timer without one has ID 0 and only counts expirations.
func (k *Kernel) CreateTimer(ctx *Context, cfg TimerConfig) (*Timer, error) {
	initial, reload, err := timerTicks(cfg.Timeout, cfg.Type)
	if err != nil {
		return nil, err
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
	tm := &Timer{
		k:       k,
		name:    cfg.Name,
		fn:      cfg.Func,
		arg:     cfg.Arg,
		initial: initial,
		reload:  reload,
		pending: initial,
	}
	tm.entry.timer = tm
	if tm.fn != nil {
		k.nextTimerID++
		tm.id = k.nextTimerID
	}
	if cfg.Activate {
		k.arm(&tm.entry, tm.pending)
	}
	k.finish(ctx)
	return tm, nil
}

// ID returns the timer number, or 0 for a timer without callback.
func (tm *Timer) ID() uint32 { return tm.id }

// Name returns the timer name.
func (tm *Timer) Name() string { return tm.name }

// Active reports whether the timer is armed.
func (tm *Timer) Active() bool {
	tm.k.mu.Lock()
	defer tm.k.mu.Unlock()
	return tm.entry.linked
}

// Remaining returns the ticks until the next expiration, or the ticks
// the timer will run for when activated.
func (tm *Timer) Remaining() Ticks {
	tm.k.mu.Lock()
	defer tm.k.mu.Unlock()
	if tm.entry.linked {
		return tm.k.remaining(&tm.entry)
	}
	return tm.pending
}

// Reload returns the reload interval, 0 for one-shot timers.
func (tm *Timer) Reload() Ticks {
	tm.k.mu.Lock()
	defer tm.k.mu.Unlock()
	return tm.reload
}

// Expirations returns how many times the timer has expired.
func (tm *Timer) Expirations() uint32 {
	tm.k.mu.Lock()
	defer tm.k.mu.Unlock()
	return tm.fired
}

func (tm *Timer) begin(ctx *Context) (*Kernel, error) {
	k, err := ctx.enter()
	if err != nil {
		return nil, err
	}
	if tm.deleted {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	return k, nil
}

// Activate arms the timer. An armed timer, or a one-shot timer that
// already fired, cannot be activated.
func (tm *Timer) Activate(ctx *Context) error {
	k, err := tm.begin(ctx)
	if err != nil {
		return err
	}
	if tm.entry.linked || tm.pending == 0 {
		k.mu.Unlock()
		return ErrActivate
	}
	k.arm(&tm.entry, tm.pending)
	k.finish(ctx)
	return nil
}

// Deactivate disarms the timer, keeping the remaining ticks for the next
// activation. A pending callback is dropped.
func (tm *Timer) Deactivate(ctx *Context) error {
	k, err := tm.begin(ctx)
	if err != nil {
		return err
	}
	k.deactivate(tm)
	k.finish(ctx)
	return nil
}

func (k *Kernel) deactivate(tm *Timer) {
	if tm.entry.linked {
		tm.pending = max(k.remaining(&tm.entry), 1)
		k.disarm(&tm.entry)
	}
	k.expired.remove(tm)
}

// Change disarms the timer and reprograms it with new initial and
// reload ticks. The timer stays inactive until activated.
func (tm *Timer) Change(ctx *Context, initial, reload Ticks) error {
	if initial == NoWait || initial == WaitForever || reload == WaitForever {
		return ErrTick
	}
	k, err := tm.begin(ctx)
	if err != nil {
		return err
	}
	k.deactivate(tm)
	tm.initial, tm.reload, tm.pending = initial, reload, initial
	k.finish(ctx)
	return nil
}

// Reset reprograms the timer with a new timeout and type and, if
// activate is set, arms it. The timer dispatcher never sees a half
// updated timer.
func (tm *Timer) Reset(ctx *Context, timeout Ticks, typ TimerType, activate bool) error {
	initial, reload, err := timerTicks(timeout, typ)
	if err != nil {
		return err
	}
	k, err := tm.begin(ctx)
	if err != nil {
		return err
	}
	k.deactivate(tm)
	tm.initial, tm.reload, tm.pending = initial, reload, initial
	if activate {
		k.arm(&tm.entry, tm.pending)
	}
	k.finish(ctx)
	return nil
}

// Delete disarms and retires the timer.
func (tm *Timer) Delete(ctx *Context) error {
	k, err := tm.begin(ctx)
	if err != nil {
		return err
	}
	if !ctx.creating() {
		k.mu.Unlock()
		return ErrCaller
	}
	k.deactivate(tm)
	tm.deleted = true
	k.finish(ctx)
	return nil
}
