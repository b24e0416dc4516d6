package kernel

import (
	"sync"
	"testing"
	"time"
)

func newTestKernel(t *testing.T) (*Kernel, *BytePool) {
	t.Helper()
	k := New()
	t.Cleanup(k.Shutdown)
	pool, err := k.CreateBytePool(k.System(), "stacks", make([]byte, 128*1024))
	if err != nil {
		t.Fatalf("CreateBytePool: %v", err)
	}
	return k, pool
}

func spawn(t *testing.T, k *Kernel, pool Pool, name string, prio uint, entry func(ctx *Context)) *Thread {
	t.Helper()
	th, err := k.CreateThread(k.System(), ThreadConfig{
		Name:      name,
		Entry:     entry,
		Pool:      pool,
		StackSize: MinStack,
		Priority:  prio,
	})
	if err != nil {
		t.Fatalf("CreateThread(%s): %v", name, err)
	}
	return th
}

func start(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	settle(t, k)
}

// settle waits until every thread is blocked or finished.
func settle(t *testing.T, k *Kernel) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !k.Idle() {
		if time.Now().After(deadline) {
			cur := k.Current()
			t.Fatalf("kernel did not go idle; running %q", cur.Name())
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// advance delivers n ticks, letting threads run after each one.
func advance(t *testing.T, k *Kernel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		k.Tick()
		settle(t, k)
	}
}

func wantState(t *testing.T, th *Thread, want ThreadState) {
	t.Helper()
	if got := th.State(); got != want {
		t.Fatalf("%s state = %v, want %v", th.Name(), got, want)
	}
}

// capturePanics re-arms the one-shot panic handler for a test and returns
// a function reporting the captured panic, if any.
func capturePanics(t *testing.T) func() *PanicInfo {
	t.Helper()
	var mu sync.Mutex
	var got *PanicInfo
	panicOnce = sync.Once{}
	panicActive.Store(false)
	SetPanicHandler(func(info PanicInfo) {
		mu.Lock()
		got = &info
		mu.Unlock()
	})
	t.Cleanup(func() {
		SetPanicHandler(func(PanicInfo) {})
		panicOnce = sync.Once{}
		panicActive.Store(false)
	})
	return func() *PanicInfo {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}
