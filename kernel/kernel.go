// Package kernel is a preemptive real-time microkernel: fixed-priority
// scheduling with preemption thresholds and time slicing, semaphores,
// priority-inheriting mutexes, event flags, message queues, tick-driven
// timers and memory pools.
//
// Every operation takes the caller's *Context. Operations that can block
// accept a timeout in ticks; NoWait never blocks and WaitForever never
// times out. Failures are reported as kernel Error values.
package kernel

import (
	"fmt"
	"sync"
)

type kernelState uint8

const (
	stateInit kernelState = iota
	stateRunning
	stateStopped
)

// Kernel is one instance of the scheduler and everything it owns.
//
// Threads are goroutines, but only the thread the scheduler picked holds
// the processor: every other thread is parked waiting for its turn.
type Kernel struct {
	// irq is the interrupt line. Interrupt handlers, the tick and
	// critical sections hold it.
	irq sync.Mutex

	mu        sync.Mutex
	state     kernelState
	running   *Thread
	ready     [MaxPriorities]readyList
	readyBits uint32
	claims    []*Thread

	masker  *Context
	isrNest int

	tick  uint64
	wheel [timerWheelSize]timerEntry

	threads   []*Thread
	sleepers  waitList
	suspended waitList

	timerThread *Thread
	timerIdle   waitList
	expired     timerQueue
	firing      *Timer

	nextThreadID uint32
	nextTimerID  uint32
	nextPoolID   uint32

	log      Logger
	stackErr func(ctx *Context, t *Thread)

	sys *Context
}

// New returns a kernel with the default configuration.
func New() *Kernel {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a kernel configured by cfg. The kernel does not
// schedule anything until Start.
func NewWithConfig(cfg Config) *Kernel {
	k := &Kernel{
		log:      cfg.Log,
		stackErr: cfg.StackError,
	}
	for i := range k.wheel {
		k.wheel[i].init()
	}
	k.sys = &Context{k: k, kind: contextSystem}
	k.timerThread = k.newSystemThread("System Timer Thread", TimerThreadPriority, k.timerMain)
	return k
}

// System returns the context used by code that is not a thread, timer
// or interrupt handler: initialisation and host-side drivers.
func (k *Kernel) System() *Context { return k.sys }

// Start begins scheduling. Threads created before Start with AutoStart
// become eligible to run immediately.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != stateInit {
		return ErrStart
	}
	k.state = stateRunning
	k.dispatchIfIdle()
	return nil
}

// Shutdown stops the kernel and unwinds every parked thread goroutine.
// A thread that is running when Shutdown is called exits at its next
// kernel call. Shutdown is meant for hosted runs and tests.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == stateStopped {
		return
	}
	k.state = stateStopped
	for _, t := range k.threads {
		if t.exec != nil {
			t.exec.stop()
		}
	}
	k.running = nil
}

// Running reports whether Start has been called and Shutdown has not.
func (k *Kernel) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state == stateRunning
}

// Idle reports whether no thread holds the processor.
func (k *Kernel) Idle() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running == nil
}

// Now returns the number of ticks since the kernel was created.
func (k *Kernel) Now() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick
}

// Current returns the thread holding the processor, or nil when idle.
func (k *Kernel) Current() *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// ThreadInfo is a point-in-time description of a thread.
type ThreadInfo struct {
	ID           uint32
	Name         string
	State        ThreadState
	Priority     uint
	BasePriority uint
	Threshold    uint
	TimeSlice    Ticks
	RunCount     uint32
	System       bool
	Stack        StackInfo
}

// Threads returns a snapshot of every thread that has not been deleted,
// in creation order.
func (k *Kernel) Threads() []ThreadInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]ThreadInfo, 0, len(k.threads))
	for _, t := range k.threads {
		out = append(out, ThreadInfo{
			ID:           t.id,
			Name:         t.name,
			State:        k.stateOf(t),
			Priority:     t.priority,
			BasePriority: t.basePriority,
			Threshold:    t.threshold,
			TimeSlice:    t.timeSlice,
			RunCount:     t.runCount,
			System:       t.system,
			Stack:        t.stackInfo(),
		})
	}
	return out
}

func (k *Kernel) logf(format string, args ...any) {
	if k.log == nil {
		return
	}
	k.log.WriteLineString(fmt.Sprintf(format, args...))
}

func (k *Kernel) register(t *Thread) {
	k.nextThreadID++
	t.id = k.nextThreadID
	k.threads = append(k.threads, t)
}

func (k *Kernel) unregister(t *Thread) {
	for i, x := range k.threads {
		if x == t {
			copy(k.threads[i:], k.threads[i+1:])
			k.threads[len(k.threads)-1] = nil
			k.threads = k.threads[:len(k.threads)-1]
			return
		}
	}
}
