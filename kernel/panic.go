package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PanicInfo contains details about a panic recovered from a thread or a
// timer callback.
type PanicInfo struct {
	ThreadID uint32
	Thread   string
	Value    any
	Stack    []byte
}

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether a thread has panicked.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide panic handler.
//
// The handler is invoked at most once (on the first panic). It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

func triggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = captureStack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}

// threadPanic terminates t after its entry function panicked. It runs in
// a deferred call on t's goroutine.
func (k *Kernel) threadPanic(t *Thread, v any) {
	k.logf("kernel: thread %q panicked: %v", t.name, v)
	triggerPanic(PanicInfo{ThreadID: t.id, Thread: t.name, Value: v})
	k.exit(t, StateTerminated)
}

func (k *Kernel) timerPanic(tm *Timer, v any) {
	k.logf("kernel: timer %q panicked: %v", tm.name, v)
	triggerPanic(PanicInfo{ThreadID: k.timerThread.id, Thread: k.timerThread.name, Value: fmt.Errorf("timer %s: %v", tm.name, v)})
}
