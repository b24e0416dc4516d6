package kernel

import "runtime"

// ThreadState describes what a thread is doing.
type ThreadState uint8

const (
	StateReady ThreadState = iota
	StateRunning
	StateCompleted
	StateTerminated
	StateSuspended
	StateSleep
	StateQueue
	StateSemaphore
	StateEventFlags
	StateBlockMemory
	StateByteMemory
	StateMutex
	StateJoin
)

var stateNames = [...]string{
	StateReady:       "ready",
	StateRunning:     "running",
	StateCompleted:   "completed",
	StateTerminated:  "terminated",
	StateSuspended:   "suspended",
	StateSleep:       "sleep",
	StateQueue:       "queue",
	StateSemaphore:   "semaphore",
	StateEventFlags:  "event flags",
	StateBlockMemory: "block memory",
	StateByteMemory:  "byte memory",
	StateMutex:       "mutex",
	StateJoin:        "join",
}

func (s ThreadState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s ThreadState) finished() bool {
	return s == StateCompleted || s == StateTerminated
}

// Waiting reports whether s is a suspension on an object or a sleep.
func (s ThreadState) Waiting() bool {
	return s >= StateSleep
}

// ThreadNotify is called when a thread enters (entry is true) or leaves
// its entry function.
type ThreadNotify func(ctx *Context, t *Thread, entry bool)

// ThreadConfig describes a thread to create.
type ThreadConfig struct {
	Name  string
	Entry func(ctx *Context)

	// Pool provides the stack. It must be a *BytePool or a *BlockPool.
	Pool      Pool
	StackSize int

	Priority uint

	// Threshold, when HasThreshold is set, lets only threads more urgent
	// than it preempt this one. Values above Priority are capped.
	Threshold    uint
	HasThreshold bool

	// TimeSlice is the round-robin quantum among threads of equal
	// priority. NoTimeSlice disables round-robin.
	TimeSlice Ticks

	// DontStart creates the thread suspended; Resume starts it.
	DontStart bool

	Notify ThreadNotify
}

// Thread is a schedulable unit of execution.
type Thread struct {
	k    *Kernel
	id   uint32
	name string
	ctx  *Context

	entry  func(ctx *Context)
	notify ThreadNotify
	system bool

	state          ThreadState
	delayedSuspend bool
	deleted        bool

	basePriority  uint
	priority      uint
	userThreshold uint
	threshold     uint
	claimed       bool

	timeSlice Ticks
	sliceLeft Ticks
	runCount  uint32

	inReady              bool
	readyNext, readyPrev *Thread

	waitOn             *waitList
	waitNext, waitPrev *Thread
	wait               waitInfo
	timeout            timerEntry

	held    []*Mutex
	joiners waitList

	pool       Pool
	stack      []byte
	stackFault bool

	exec *execution
}

// ID returns the kernel-assigned thread number.
func (t *Thread) ID() uint32 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// State returns the current state of t.
func (t *Thread) State() ThreadState {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.k.stateOf(t)
}

func (k *Kernel) stateOf(t *Thread) ThreadState {
	if t == k.running && t.state == StateReady {
		return StateRunning
	}
	return t.state
}

// Priority returns the effective priority, which includes any boost
// inherited through mutexes.
func (t *Thread) Priority() uint {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.priority
}

// BasePriority returns the priority assigned by the application.
func (t *Thread) BasePriority() uint {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.basePriority
}

// Threshold returns the effective preemption threshold.
func (t *Thread) Threshold() uint {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.threshold
}

// CreateThread creates a thread and, unless cfg.DontStart is set, makes it
// ready. The stack is taken from cfg.Pool without waiting.
func (k *Kernel) CreateThread(ctx *Context, cfg ThreadConfig) (*Thread, error) {
	if cfg.Entry == nil {
		return nil, ErrThread
	}
	if cfg.Pool == nil {
		return nil, ErrPool
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStack
	}
	if cfg.StackSize < MinStack {
		return nil, ErrSize
	}
	if cfg.Priority >= MaxPriorities {
		return nil, ErrPriority
	}
	if !cfg.HasThreshold || cfg.Threshold > cfg.Priority {
		cfg.Threshold = cfg.Priority
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
	stack, err := cfg.Pool.take(cfg.StackSize)
	if err != nil {
		k.mu.Unlock()
		return nil, err
	}
	for i := range stack {
		stack[i] = stackFill
	}

	t := &Thread{
		k:             k,
		name:          cfg.Name,
		entry:         cfg.Entry,
		notify:        cfg.Notify,
		basePriority:  cfg.Priority,
		priority:      cfg.Priority,
		userThreshold: cfg.Threshold,
		threshold:     cfg.Threshold,
		timeSlice:     cfg.TimeSlice,
		pool:          cfg.Pool,
		stack:         stack,
	}
	t.ctx = &Context{k: k, t: t, kind: contextThread}
	t.timeout.thread = t
	k.register(t)
	k.spawn(t)
	if cfg.DontStart {
		t.state = StateSuspended
		k.suspended.pushBack(t)
	} else {
		t.state = StateReady
		k.readyInsert(t)
	}
	k.finish(ctx)
	return t, nil
}

func (k *Kernel) newSystemThread(name string, prio uint, entry func(ctx *Context)) *Thread {
	t := &Thread{
		k:             k,
		name:          name,
		entry:         entry,
		system:        true,
		basePriority:  prio,
		priority:      prio,
		userThreshold: prio,
		threshold:     prio,
	}
	t.ctx = &Context{k: k, t: t, kind: contextThread}
	t.timeout.thread = t
	k.register(t)
	k.spawn(t)
	t.state = StateSuspended
	k.timerIdle.pushBack(t)
	return t
}

func (k *Kernel) spawn(t *Thread) {
	ex := newExecution()
	t.exec = ex
	go t.shell(ex)
}

// shell is the goroutine body of one incarnation of t.
func (t *Thread) shell(ex *execution) {
	select {
	case <-ex.run:
	case <-ex.quit:
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.k.threadPanic(t, r)
		}
	}()
	if t.notify != nil {
		t.notify(t.ctx.callback(), t, true)
	}
	t.entry(t.ctx)
	t.k.exit(t, StateCompleted)
}

// exit retires the running thread t and hands the processor on. It runs
// on t's goroutine, which ends afterwards.
func (k *Kernel) exit(t *Thread, state ThreadState) {
	k.mu.Lock()
	if k.running != t || t.state.finished() {
		k.mu.Unlock()
		return
	}
	k.retire(t, state)
	notify := t.notify
	k.mu.Unlock()
	if notify != nil {
		notify(t.ctx.callback(), t, false)
	}
	k.mu.Lock()
	if k.running == t {
		k.stackFault(t)
		k.switchTo(k.pick())
	}
	k.mu.Unlock()
}

// retire moves t to a finished state, releasing what it owns and waking
// joiners. k.mu must be held.
func (k *Kernel) retire(t *Thread, state ThreadState) {
	switch {
	case t.inReady:
		k.readyRemove(t)
	case t.waitOn != nil:
		obj := t.wait.obj
		k.disarmTimeout(t)
		t.waitOn.remove(t)
		t.wait.obj = nil
		if obj != nil {
			obj.waiterGone(k, t)
		}
	}
	t.delayedSuspend = false
	t.state = state
	if k.masker == t.ctx {
		k.masker = nil
		k.irq.Unlock()
	}
	for len(t.held) > 0 {
		k.releaseMutex(t.held[len(t.held)-1])
	}
	for t.joiners.len() > 0 {
		k.resume(t.joiners.front(), nil)
	}
}

// Terminate stops t. A thread may terminate itself, in which case the
// call does not return.
func (t *Thread) Terminate(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if ctx.kind == contextISR || t.system {
		k.mu.Unlock()
		return ErrCaller
	}
	if t.deleted {
		k.mu.Unlock()
		return ErrThread
	}
	if t.state.finished() {
		k.mu.Unlock()
		return nil
	}
	self := ctx.t == t
	if t == k.running && !self {
		k.mu.Unlock()
		return ErrCaller
	}
	k.retire(t, StateTerminated)
	if !self {
		t.exec.stop()
	}
	notify := t.notify
	k.mu.Unlock()
	if notify != nil {
		notify(ctx.callback(), t, false)
	}
	k.mu.Lock()
	if self {
		k.stackFault(t)
		k.switchTo(k.pick())
		k.mu.Unlock()
		runtime.Goexit()
	}
	k.finish(ctx)
	return nil
}

// Suspend suspends t unconditionally. A thread waiting on an object is
// suspended as soon as its wait completes.
func (t *Thread) Suspend(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if t.deleted || t.system {
		k.mu.Unlock()
		return ErrThread
	}
	switch {
	case t.state.finished():
		k.mu.Unlock()
		return ErrSuspend
	case t.state == StateSuspended:
		k.mu.Unlock()
		return nil
	case t.state.Waiting():
		t.delayedSuspend = true
		k.mu.Unlock()
		return nil
	}
	if ctx.t == t && !ctx.canSuspend() {
		k.mu.Unlock()
		return ErrCaller
	}
	k.readyRemove(t)
	t.state = StateSuspended
	k.suspended.pushBack(t)
	k.finish(ctx)
	return nil
}

// Resume makes a suspended thread ready. Resuming a thread whose
// suspension is still pending behind a wait cancels the suspension and
// reports ErrSuspendLifted.
func (t *Thread) Resume(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if t.deleted {
		k.mu.Unlock()
		return ErrThread
	}
	if t.delayedSuspend {
		t.delayedSuspend = false
		k.mu.Unlock()
		return ErrSuspendLifted
	}
	if t.state != StateSuspended || t.waitOn != &k.suspended {
		k.mu.Unlock()
		return ErrResume
	}
	k.suspended.remove(t)
	t.state = StateReady
	k.readyInsert(t)
	k.finish(ctx)
	return nil
}

// Sleep suspends t, which must be the caller, for n ticks.
func (t *Thread) Sleep(ctx *Context, n Ticks) error {
	if ctx == nil || ctx.t != t {
		return ErrCaller
	}
	return ctx.Sleep(n)
}

// AbortWait ends the sleep or object wait of t with ErrWaitAborted.
func (t *Thread) AbortWait(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if t.deleted {
		k.mu.Unlock()
		return ErrThread
	}
	if !t.state.Waiting() || t.system {
		k.mu.Unlock()
		return ErrWaitAbort
	}
	k.cancelWait(t, ErrWaitAborted)
	k.finish(ctx)
	return nil
}

// SetPriority changes the base priority of t and returns the old one.
// The preemption threshold is reset to the new priority.
func (t *Thread) SetPriority(ctx *Context, prio uint) (uint, error) {
	if prio >= MaxPriorities {
		return 0, ErrPriority
	}
	k, err := ctx.enter()
	if err != nil {
		return 0, err
	}
	if t.deleted || t.system {
		k.mu.Unlock()
		return 0, ErrThread
	}
	old := t.basePriority
	t.basePriority = prio
	t.userThreshold = prio
	k.setEffectivePriority(t, k.inheritedPriority(t))
	if m, ok := t.wait.obj.(*Mutex); ok && t.state == StateMutex {
		k.updatePriority(m.owner)
	}
	k.finish(ctx)
	return old, nil
}

// SetThreshold changes the preemption threshold of t and returns the old
// value. Threads above the threshold still preempt t.
func (t *Thread) SetThreshold(ctx *Context, thresh uint) (uint, error) {
	if thresh >= MaxPriorities {
		return 0, ErrThresh
	}
	k, err := ctx.enter()
	if err != nil {
		return 0, err
	}
	if t.deleted || t.system {
		k.mu.Unlock()
		return 0, ErrThread
	}
	if thresh > t.basePriority {
		k.mu.Unlock()
		return 0, ErrThresh
	}
	old := t.userThreshold
	t.userThreshold = thresh
	k.refreshThreshold(t)
	if t == k.running {
		k.claim(t)
	}
	k.finish(ctx)
	return old, nil
}

// SetTimeSlice changes the round-robin quantum of t and returns the old
// value. NoTimeSlice disables round-robin.
func (t *Thread) SetTimeSlice(ctx *Context, slice Ticks) (Ticks, error) {
	k, err := ctx.enter()
	if err != nil {
		return 0, err
	}
	if t.deleted || t.system {
		k.mu.Unlock()
		return 0, ErrThread
	}
	old := t.timeSlice
	t.timeSlice = slice
	t.sliceLeft = slice
	k.finish(ctx)
	return old, nil
}

// Joinable reports whether ctx may Join t.
func (t *Thread) Joinable(ctx *Context) bool {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return !t.deleted && ctx != nil && ctx.k == t.k && ctx.t != t
}

// Join waits until t completes or is terminated.
func (t *Thread) Join(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if t.deleted {
		k.mu.Unlock()
		return ErrThread
	}
	if ctx.t == t {
		k.mu.Unlock()
		return ErrThread
	}
	if t.state.finished() {
		k.finish(ctx)
		return nil
	}
	if !ctx.canSuspend() {
		k.mu.Unlock()
		return ErrCaller
	}
	return k.suspend(ctx, &t.joiners, StateJoin, WaitForever, nil, nil)
}

// Restart resets a completed or terminated thread to its entry point and
// makes it ready again.
func (t *Thread) Restart(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if ctx.kind == contextISR {
		k.mu.Unlock()
		return ErrCaller
	}
	if t.deleted {
		k.mu.Unlock()
		return ErrThread
	}
	if !t.state.finished() {
		k.mu.Unlock()
		return ErrNotDone
	}
	t.priority = t.basePriority
	t.threshold = min(t.userThreshold, t.priority)
	t.sliceLeft = t.timeSlice
	t.stackFault = false
	for i := range t.stack {
		t.stack[i] = stackFill
	}
	t.exec.stop()
	k.spawn(t)
	t.state = StateReady
	k.readyInsert(t)
	k.finish(ctx)
	return nil
}

// Delete releases the stack of a completed or terminated thread. The
// Thread must not be used afterwards.
func (t *Thread) Delete(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if !ctx.creating() {
		k.mu.Unlock()
		return ErrCaller
	}
	if t.deleted {
		k.mu.Unlock()
		return ErrThread
	}
	if !t.state.finished() {
		k.mu.Unlock()
		return ErrDelete
	}
	t.deleted = true
	t.exec.stop()
	k.unregister(t)
	if t.pool != nil && t.stack != nil {
		_ = t.pool.give(t.stack)
		t.stack = nil
	}
	k.finish(ctx)
	return nil
}
