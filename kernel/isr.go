package kernel

// Interrupt runs fn as an interrupt handler. Handlers are serialised with
// each other, with the tick and with critical sections. Threads woken by
// the handler run when it returns if the processor is idle; otherwise the
// running thread is switched out at its next kernel call.
func (k *Kernel) Interrupt(fn func(ctx *Context)) {
	k.irq.Lock()
	defer k.irq.Unlock()
	k.enterISR()
	fn(&Context{k: k, kind: contextISR})
	k.exitISR()
}

func (k *Kernel) enterISR() {
	k.mu.Lock()
	k.isrNest++
	k.mu.Unlock()
}

func (k *Kernel) exitISR() {
	k.mu.Lock()
	k.isrNest--
	k.dispatchIfIdle()
	k.mu.Unlock()
}

// Tick advances kernel time by one tick. It expires timeouts and timers
// and rotates time-sliced threads. Board code calls it from the periodic
// timer interrupt.
func (k *Kernel) Tick() {
	k.irq.Lock()
	defer k.irq.Unlock()
	k.enterISR()
	k.mu.Lock()
	if k.state == stateRunning {
		k.tick++
		k.expire()
		k.slice()
	}
	k.mu.Unlock()
	k.exitISR()
}

// slice charges one tick to the running thread's quantum and rotates it
// behind its peers when the quantum runs out.
func (k *Kernel) slice() {
	t := k.running
	if t == nil || t.timeSlice == NoTimeSlice || t.state != StateReady {
		return
	}
	if t.threshold < t.priority {
		return
	}
	if t.sliceLeft > 0 {
		t.sliceLeft--
	}
	if t.sliceLeft > 0 {
		return
	}
	t.sliceLeft = t.timeSlice
	if !k.peers(t) {
		return
	}
	k.readyRemove(t)
	k.readyInsert(t)
}
