package kernel

// timerEntry links a timeout or an application timer into the wheel.
type timerEntry struct {
	expires    uint64
	next, prev *timerEntry
	linked     bool

	thread *Thread
	timer  *Timer
}

func (e *timerEntry) init() {
	e.next, e.prev = e, e
}

// arm schedules e to expire delay ticks from now. delay must be > 0.
func (k *Kernel) arm(e *timerEntry, delay Ticks) {
	if e.linked {
		k.disarm(e)
	}
	e.expires = k.tick + uint64(delay)
	b := &k.wheel[e.expires&timerWheelMask]
	e.prev = b.prev
	e.next = b
	b.prev.next = e
	b.prev = e
	e.linked = true
}

func (k *Kernel) disarm(e *timerEntry) {
	if !e.linked {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next, e.prev = nil, nil
	e.linked = false
}

func (k *Kernel) armTimeout(t *Thread, n Ticks) {
	k.arm(&t.timeout, n)
}

func (k *Kernel) disarmTimeout(t *Thread) {
	k.disarm(&t.timeout)
}

// remaining returns the ticks left before e expires.
func (k *Kernel) remaining(e *timerEntry) Ticks {
	if !e.linked || e.expires <= k.tick {
		return 0
	}
	return Ticks(e.expires - k.tick)
}

// expire processes the wheel bucket of the current tick. Thread timeouts
// are handled here; timer callbacks are queued for the timer thread.
func (k *Kernel) expire() {
	b := &k.wheel[k.tick&timerWheelMask]
	for e := b.next; e != b; {
		next := e.next
		if e.expires <= k.tick {
			k.disarm(e)
			switch {
			case e.thread != nil:
				k.cancelWait(e.thread, e.thread.wait.timeoutErr)
			case e.timer != nil:
				k.timerFired(e.timer)
			}
		}
		e = next
	}
}

func (k *Kernel) timerFired(tm *Timer) {
	if tm.reload > 0 {
		k.arm(&tm.entry, tm.reload)
		tm.pending = tm.reload
	} else {
		tm.pending = 0
	}
	tm.fired++
	if tm.fn == nil || tm.queued {
		return
	}
	k.expired.push(tm)
	if th := k.timerThread; th.waitOn == &k.timerIdle {
		k.resume(th, nil)
	}
}

// timerQueue is the FIFO of expired timers waiting for their callback.
type timerQueue struct {
	head, tail *Timer
}

func (q *timerQueue) push(tm *Timer) {
	tm.queued = true
	tm.qnext = nil
	if q.tail != nil {
		q.tail.qnext = tm
	} else {
		q.head = tm
	}
	q.tail = tm
}

func (q *timerQueue) pop() *Timer {
	tm := q.head
	if tm == nil {
		return nil
	}
	q.head = tm.qnext
	if q.head == nil {
		q.tail = nil
	}
	tm.qnext = nil
	tm.queued = false
	return tm
}

func (q *timerQueue) remove(tm *Timer) {
	if !tm.queued {
		return
	}
	var prev *Timer
	for x := q.head; x != nil; prev, x = x, x.qnext {
		if x != tm {
			continue
		}
		if prev != nil {
			prev.qnext = x.qnext
		} else {
			q.head = x.qnext
		}
		if q.tail == x {
			q.tail = prev
		}
		break
	}
	tm.qnext = nil
	tm.queued = false
}

// timerMain is the body of the timer thread. Callbacks run in a
// restricted timer context.
func (k *Kernel) timerMain(ctx *Context) {
	cb := &Context{k: k, t: ctx.t, kind: contextTimer, restricted: true}
	for {
		k.mu.Lock()
		if k.state == stateStopped {
			k.mu.Unlock()
			return
		}
		tm := k.expired.pop()
		if tm == nil {
			k.block(ctx.t, &k.timerIdle, StateSuspended, WaitForever, nil, nil)
			k.leave(ctx.t)
			continue
		}
		k.firing = tm
		fn, arg := tm.fn, tm.arg
		k.mu.Unlock()

		k.runTimer(cb, tm, fn, arg)

		k.mu.Lock()
		k.firing = nil
		k.leave(ctx.t)
	}
}

func (k *Kernel) runTimer(cb *Context, tm *Timer, fn TimerFunc, arg any) {
	defer func() {
		if r := recover(); r != nil {
			k.timerPanic(tm, r)
		}
	}()
	fn(cb, arg)
}
