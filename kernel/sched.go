package kernel

import (
	"math/bits"
	"runtime"
)

// readyList holds the ready threads of one priority in FIFO order.
// The thread holding the processor stays linked in its list.
type readyList struct {
	head, tail *Thread
}

func (k *Kernel) readyInsert(t *Thread) {
	if t.inReady {
		return
	}
	l := &k.ready[t.priority]
	t.readyPrev = l.tail
	t.readyNext = nil
	if l.tail != nil {
		l.tail.readyNext = t
	} else {
		l.head = t
	}
	l.tail = t
	t.inReady = true
	k.readyBits |= 1 << t.priority
}

func (k *Kernel) readyInsertFront(t *Thread) {
	if t.inReady {
		return
	}
	l := &k.ready[t.priority]
	t.readyPrev = nil
	t.readyNext = l.head
	if l.head != nil {
		l.head.readyPrev = t
	} else {
		l.tail = t
	}
	l.head = t
	t.inReady = true
	k.readyBits |= 1 << t.priority
}

func (k *Kernel) readyRemove(t *Thread) {
	if !t.inReady {
		return
	}
	k.unclaim(t)
	l := &k.ready[t.priority]
	if t.readyPrev != nil {
		t.readyPrev.readyNext = t.readyNext
	} else {
		l.head = t.readyNext
	}
	if t.readyNext != nil {
		t.readyNext.readyPrev = t.readyPrev
	} else {
		l.tail = t.readyPrev
	}
	t.readyNext, t.readyPrev = nil, nil
	t.inReady = false
	if l.head == nil {
		k.readyBits &^= 1 << t.priority
	}
}

// peers reports whether another thread is ready at t's priority.
func (k *Kernel) peers(t *Thread) bool {
	l := &k.ready[t.priority]
	return l.head != nil && l.head != l.tail
}

func (k *Kernel) highestReady() *Thread {
	if k.readyBits == 0 {
		return nil
	}
	return k.ready[bits.TrailingZeros32(k.readyBits)].head
}

// claim records that t holds the processor with a preemption threshold
// more urgent than its priority. The claim survives preemption by a
// thread above the threshold and ends when t blocks, yields or rotates.
func (k *Kernel) claim(t *Thread) {
	if t.claimed || t.threshold >= t.priority {
		return
	}
	t.claimed = true
	k.claims = append(k.claims, t)
}

func (k *Kernel) unclaim(t *Thread) {
	if !t.claimed {
		return
	}
	t.claimed = false
	for i, c := range k.claims {
		if c == t {
			k.claims = append(k.claims[:i], k.claims[i+1:]...)
			return
		}
	}
}

// pick selects the thread that should hold the processor.
func (k *Kernel) pick() *Thread {
	best := k.highestReady()
	if best == nil {
		return nil
	}
	var held *Thread
	for _, c := range k.claims {
		if best.priority >= c.threshold && (held == nil || c.priority < held.priority) {
			held = c
		}
	}
	if held != nil {
		return held
	}
	return best
}

// switchTo hands the processor to next. k.mu must be held.
func (k *Kernel) switchTo(next *Thread) {
	k.running = next
	if next == nil {
		return
	}
	next.runCount++
	if next.sliceLeft == 0 {
		next.sliceLeft = next.timeSlice
	}
	k.claim(next)
	select {
	case next.exec.run <- struct{}{}:
	default:
	}
}

// dispatchIfIdle starts the most urgent ready thread when nothing runs.
// Switching away from a running thread happens only when that thread
// enters the kernel.
func (k *Kernel) dispatchIfIdle() {
	if k.state != stateRunning || k.running != nil || k.isrNest > 0 {
		return
	}
	if next := k.pick(); next != nil {
		k.switchTo(next)
	}
}

// leave releases k.mu on behalf of the running thread t and parks t if
// another thread should hold the processor.
func (k *Kernel) leave(t *Thread) {
	if k.masker == t.ctx && t.state == StateReady {
		k.mu.Unlock()
		return
	}
	next := k.pick()
	if next == t {
		k.mu.Unlock()
		return
	}
	if k.stackFault(t) {
		hook := k.stackErr
		k.mu.Unlock()
		hook(t.ctx.callback(), t)
		k.mu.Lock()
		if next = k.pick(); next == t {
			k.mu.Unlock()
			return
		}
	}
	ex := t.exec
	k.switchTo(next)
	k.mu.Unlock()
	ex.park()
}

// finish releases k.mu at the end of an operation invoked from c,
// giving the scheduler a chance to switch.
func (k *Kernel) finish(c *Context) {
	switch {
	case c.kind == contextThread && !c.restricted:
		k.leave(c.t)
	case c.kind == contextSystem:
		k.dispatchIfIdle()
		k.mu.Unlock()
	default:
		k.mu.Unlock()
	}
}

// notifyThen runs a notification callback outside the kernel lock and
// then finishes the operation.
func (k *Kernel) notifyThen(c *Context, fn func(cb *Context)) {
	if fn != nil {
		k.mu.Unlock()
		fn(c.callback())
		k.mu.Lock()
	}
	k.finish(c)
}

// block moves t from the ready list onto l. k.mu must be held.
func (k *Kernel) block(t *Thread, l *waitList, state ThreadState, timeout Ticks, obj waitObject, timeoutErr error) {
	t.wait.obj = obj
	t.wait.timeoutErr = timeoutErr
	t.wait.err = nil
	k.readyRemove(t)
	t.state = state
	l.pushBack(t)
	if timeout != WaitForever {
		k.armTimeout(t, timeout)
	}
}

// suspend blocks the thread of c on l and returns the wait result.
func (k *Kernel) suspend(c *Context, l *waitList, state ThreadState, timeout Ticks, obj waitObject, timeoutErr error) error {
	t := c.t
	k.block(t, l, state, timeout, obj, timeoutErr)
	k.leave(t)
	return t.wait.err
}

// resume ends the wait of t with err. The thread becomes ready, or
// suspended if a suspension was requested while it waited.
func (k *Kernel) resume(t *Thread, err error) {
	k.disarmTimeout(t)
	if t.waitOn != nil {
		t.waitOn.remove(t)
	}
	t.wait.err = err
	t.wait.obj = nil
	if t.delayedSuspend {
		t.delayedSuspend = false
		t.state = StateSuspended
		k.suspended.pushBack(t)
		return
	}
	t.state = StateReady
	k.readyInsert(t)
}

// cancelWait ends the wait of t without serving it.
func (k *Kernel) cancelWait(t *Thread, err error) {
	obj := t.wait.obj
	k.resume(t, err)
	if obj != nil {
		obj.waiterGone(k, t)
	}
}

// setEffectivePriority moves t to priority p, keeping its place at the
// head of the new list if it holds the processor.
func (k *Kernel) setEffectivePriority(t *Thread, p uint) {
	if !t.inReady {
		t.priority = p
		k.refreshThreshold(t)
		return
	}
	held := t.claimed || t == k.running
	k.readyRemove(t)
	t.priority = p
	k.refreshThreshold(t)
	if t == k.running {
		k.readyInsertFront(t)
	} else {
		k.readyInsert(t)
	}
	if held {
		k.claim(t)
	}
}

func (k *Kernel) refreshThreshold(t *Thread) {
	t.threshold = min(t.userThreshold, t.priority)
	if t.threshold >= t.priority {
		k.unclaim(t)
	}
}

type execution struct {
	run     chan struct{}
	quit    chan struct{}
	stopped bool
}

func newExecution() *execution {
	return &execution{
		run:  make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// stop makes the goroutine exit at its next park. k.mu must be held.
func (ex *execution) stop() {
	if ex.stopped {
		return
	}
	ex.stopped = true
	close(ex.quit)
}

func (ex *execution) park() {
	select {
	case <-ex.run:
	case <-ex.quit:
		runtime.Goexit()
	}
}
