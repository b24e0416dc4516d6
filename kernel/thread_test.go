package kernel

import (
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestPreemptionThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold uint
		want      []string
	}{
		{"plain", 20, []string{"L1", "M", "L2", "H", "L3"}},
		{"threshold", 10, []string{"L1", "L2", "H", "L3", "M"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, pool := newTestKernel(t)
			sys := k.System()
			var order []string
			record := func(s string) func(*Context) {
				return func(*Context) { order = append(order, s) }
			}
			mid, _ := k.CreateThread(sys, ThreadConfig{Name: "mid", Entry: record("M"), Pool: pool, StackSize: MinStack, Priority: 15, DontStart: true})
			high, _ := k.CreateThread(sys, ThreadConfig{Name: "high", Entry: record("H"), Pool: pool, StackSize: MinStack, Priority: 5, DontStart: true})
			_, err := k.CreateThread(sys, ThreadConfig{
				Name: "low",
				Entry: func(ctx *Context) {
					order = append(order, "L1")
					_ = mid.Resume(ctx)
					order = append(order, "L2")
					_ = high.Resume(ctx)
					order = append(order, "L3")
				},
				Pool:         pool,
				StackSize:    MinStack,
				Priority:     20,
				Threshold:    tt.threshold,
				HasThreshold: true,
			})
			if err != nil {
				t.Fatalf("CreateThread: %v", err)
			}
			start(t, k)
			if !slices.Equal(order, tt.want) {
				t.Fatalf("order = %v, want %v", order, tt.want)
			}
		})
	}
}

func TestThresholdValidation(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	th := spawn(t, k, pool, "w", 12, func(ctx *Context) { _ = ctx.Sleep(WaitForever) })

	if _, err := th.SetThreshold(sys, 13); err != ErrThresh {
		t.Fatalf("SetThreshold above priority = %v, want %v", err, ErrThresh)
	}
	old, err := th.SetThreshold(sys, 4)
	if err != nil || old != 12 {
		t.Fatalf("SetThreshold = %d, %v; want 12, nil", old, err)
	}
	if got := th.Threshold(); got != 4 {
		t.Fatalf("threshold = %d, want 4", got)
	}
	if old, _ := th.SetPriority(sys, 9); old != 12 {
		t.Fatalf("SetPriority old = %d, want 12", old)
	}
	if got := th.Threshold(); got != 9 {
		t.Fatalf("threshold after SetPriority = %d, want 9", got)
	}
	if _, err := th.SetPriority(sys, MaxPriorities); err != ErrPriority {
		t.Fatalf("SetPriority out of range = %v, want %v", err, ErrPriority)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func TestTimeSliceRotation(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	var stop atomic.Bool
	spin := func(ctx *Context) {
		for !stop.Load() {
			_ = ctx.Checkpoint()
		}
	}
	a, _ := k.CreateThread(sys, ThreadConfig{Name: "a", Entry: spin, Pool: pool, StackSize: MinStack, Priority: 10, TimeSlice: 5})
	b, _ := k.CreateThread(sys, ThreadConfig{Name: "b", Entry: spin, Pool: pool, StackSize: MinStack, Priority: 10, TimeSlice: 5})
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "a to run", func() bool { return k.Current() == a })

	for i := 0; i < 4; i++ {
		k.Tick()
	}
	if cur := k.Current(); cur != a {
		t.Fatalf("running %q before the slice ran out", cur.Name())
	}
	k.Tick()
	waitFor(t, "b to run", func() bool { return k.Current() == b })
	for i := 0; i < 5; i++ {
		k.Tick()
	}
	waitFor(t, "a to run again", func() bool { return k.Current() == a })

	stop.Store(true)
	settle(t, k)
	wantState(t, a, StateCompleted)
	wantState(t, b, StateCompleted)
}

func TestYieldRoundRobin(t *testing.T) {
	k, pool := newTestKernel(t)
	var order []string
	worker := func(name string) func(*Context) {
		return func(ctx *Context) {
			for i := 0; i < 2; i++ {
				order = append(order, name)
				_ = ctx.Yield()
			}
		}
	}
	spawn(t, k, pool, "a", 10, worker("a"))
	spawn(t, k, pool, "b", 10, worker("b"))
	start(t, k)
	if want := []string{"a", "b", "a", "b"}; !slices.Equal(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestSuspendResume(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	var count atomic.Int32
	w := spawn(t, k, pool, "w", 10, func(ctx *Context) {
		for {
			count.Add(1)
			_ = ctx.Sleep(1)
		}
	})
	start(t, k)
	wantState(t, w, StateSleep)

	// A waiting thread is suspended once its wait ends.
	if err := w.Suspend(sys); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := w.Resume(sys); err != ErrSuspendLifted {
		t.Fatalf("Resume pending suspension = %v, want %v", err, ErrSuspendLifted)
	}
	if err := w.Suspend(sys); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	advance(t, k, 1)
	wantState(t, w, StateSuspended)
	n := count.Load()
	advance(t, k, 5)
	if got := count.Load(); got != n {
		t.Fatalf("suspended thread ran: count %d -> %d", n, got)
	}
	if err := w.Suspend(sys); err != nil {
		t.Fatalf("Suspend suspended thread = %v, want nil", err)
	}

	if err := w.Resume(sys); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	settle(t, k)
	if got := count.Load(); got != n+1 {
		t.Fatalf("count = %d, want %d", got, n+1)
	}
	if err := w.Resume(sys); err != ErrResume {
		t.Fatalf("Resume running thread = %v, want %v", err, ErrResume)
	}
}

func TestCreateSuspendedThread(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	ran := false
	th, _ := k.CreateThread(sys, ThreadConfig{
		Name:      "later",
		Entry:     func(*Context) { ran = true },
		Pool:      pool,
		StackSize: MinStack,
		Priority:  10,
		DontStart: true,
	})
	start(t, k)
	if ran {
		t.Fatal("DontStart thread ran")
	}
	_ = th.Resume(sys)
	settle(t, k)
	if !ran {
		t.Fatal("resumed thread did not run")
	}
	if err := th.Suspend(sys); err != ErrSuspend {
		t.Fatalf("Suspend completed = %v, want %v", err, ErrSuspend)
	}
}

func TestAbortWait(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	sem, _ := k.CreateSemaphore(sys, "s", 0, Unbounded)

	var waitErr error
	w := spawn(t, k, pool, "w", 10, func(ctx *Context) {
		waitErr = sem.Acquire(ctx, WaitForever)
	})
	start(t, k)
	if err := w.AbortWait(sys); err != nil {
		t.Fatalf("AbortWait: %v", err)
	}
	settle(t, k)
	if waitErr != ErrWaitAborted {
		t.Fatalf("Acquire = %v, want %v", waitErr, ErrWaitAborted)
	}
	if err := w.AbortWait(sys); err != ErrWaitAbort {
		t.Fatalf("AbortWait completed = %v, want %v", err, ErrWaitAbort)
	}
	_ = sem.Release(sys, 1)
	if n := sem.Count(); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestJoin(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	sem, _ := k.CreateSemaphore(sys, "s", 0, Unbounded)

	worker := spawn(t, k, pool, "worker", 10, func(ctx *Context) {
		_ = sem.Acquire(ctx, WaitForever)
	})
	var joinErr, selfErr error = ErrWait, ErrWait
	selfJoinable := true
	joiner := spawn(t, k, pool, "joiner", 12, func(ctx *Context) {
		selfJoinable = ctx.Thread().Joinable(ctx)
		selfErr = ctx.Thread().Join(ctx)
		joinErr = worker.Join(ctx)
	})
	start(t, k)
	wantState(t, joiner, StateJoin)

	_ = sem.Release(sys, 1)
	settle(t, k)
	if selfErr != ErrThread || selfJoinable {
		t.Fatalf("self Join = %v, Joinable %v; want %v, false", selfErr, selfJoinable, ErrThread)
	}
	if !worker.Joinable(sys) {
		t.Fatal("worker not joinable")
	}
	if joinErr != nil {
		t.Fatalf("Join = %v, want nil", joinErr)
	}
	if err := worker.Join(sys); err != nil {
		t.Fatalf("Join finished thread = %v, want nil", err)
	}
}

func TestRestartAndDelete(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	runs := 0
	var gate *Semaphore
	gate, _ = k.CreateSemaphore(sys, "gate", 0, Unbounded)
	th := spawn(t, k, pool, "w", 10, func(ctx *Context) {
		runs++
		_ = gate.Acquire(ctx, WaitForever)
	})
	start(t, k)

	if err := th.Restart(sys); err != ErrNotDone {
		t.Fatalf("Restart waiting = %v, want %v", err, ErrNotDone)
	}
	if err := th.Delete(sys); err != ErrDelete {
		t.Fatalf("Delete waiting = %v, want %v", err, ErrDelete)
	}
	_ = gate.Release(sys, 1)
	settle(t, k)
	wantState(t, th, StateCompleted)

	if err := th.Restart(sys); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	settle(t, k)
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
	wantState(t, th, StateSemaphore)

	if err := th.Terminate(sys); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	wantState(t, th, StateTerminated)
	if n := len(k.Threads()); n != 2 {
		t.Fatalf("threads = %d, want 2", n)
	}

	before := pool.Available()
	if err := th.Delete(sys); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if pool.Available() <= before {
		t.Fatal("stack was not returned to the pool")
	}
	if n := len(k.Threads()); n != 1 {
		t.Fatalf("threads after delete = %d, want 1", n)
	}
	if err := th.Resume(sys); err != ErrThread {
		t.Fatalf("Resume deleted = %v, want %v", err, ErrThread)
	}
}

func TestTerminateSelf(t *testing.T) {
	k, pool := newTestKernel(t)
	reached := false
	th := spawn(t, k, pool, "w", 10, func(ctx *Context) {
		_ = ctx.Thread().Terminate(ctx)
		reached = true
	})
	start(t, k)
	if reached {
		t.Fatal("code after self-terminate ran")
	}
	wantState(t, th, StateTerminated)
}

func TestTerminateSystemThread(t *testing.T) {
	k, _ := newTestKernel(t)
	if err := k.timerThread.Terminate(k.System()); err != ErrCaller {
		t.Fatalf("Terminate timer thread = %v, want %v", err, ErrCaller)
	}
}

func TestTerminateReleasesJoiners(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	target := spawn(t, k, pool, "target", 10, func(ctx *Context) { _ = ctx.Sleep(WaitForever) })
	var joinErr error = ErrWait
	spawn(t, k, pool, "joiner", 10, func(ctx *Context) { joinErr = target.Join(ctx) })
	start(t, k)

	_ = target.Terminate(sys)
	settle(t, k)
	if joinErr != nil {
		t.Fatalf("Join = %v, want nil", joinErr)
	}
}

func TestThreadNotify(t *testing.T) {
	k, pool := newTestKernel(t)
	var events []bool
	var restricted bool
	_, _ = k.CreateThread(k.System(), ThreadConfig{
		Name:      "w",
		Entry:     func(*Context) {},
		Pool:      pool,
		StackSize: MinStack,
		Priority:  10,
		Notify: func(ctx *Context, _ *Thread, entry bool) {
			events = append(events, entry)
			restricted = ctx.Sleep(1) == ErrCaller
		},
	})
	start(t, k)
	if !slices.Equal(events, []bool{true, false}) {
		t.Fatalf("notify events = %v, want [true false]", events)
	}
	if !restricted {
		t.Fatal("notify callback was allowed to block")
	}
}

func TestStackErrorNotify(t *testing.T) {
	k, pool := newTestKernel(t)
	var faulted atomic.Pointer[Thread]
	var calls atomic.Int32
	err := k.SetStackErrorNotify(k.System(), func(_ *Context, th *Thread) {
		calls.Add(1)
		faulted.Store(th)
	})
	if err != nil {
		t.Fatalf("SetStackErrorNotify: %v", err)
	}

	var fromThread error
	th := spawn(t, k, pool, "smasher", 10, func(ctx *Context) {
		fromThread = k.SetStackErrorNotify(ctx, nil)
		ctx.Stack()[0] = 0
		_ = ctx.Sleep(1)
		_ = ctx.Sleep(1)
	})
	start(t, k)
	advance(t, k, 2)

	if fromThread != ErrNotDone {
		t.Fatalf("SetStackErrorNotify from thread = %v, want %v", fromThread, ErrNotDone)
	}
	if faulted.Load() != th {
		t.Fatal("stack error handler did not see the smashing thread")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler calls = %d, want 1", n)
	}
	info, err := th.StackInfo()
	if err != nil {
		t.Fatalf("StackInfo: %v", err)
	}
	if info.Size != MinStack || info.MaxUsed != MinStack {
		t.Fatalf("stack info = %+v, want fully used %d", info, MinStack)
	}
}

func TestThreadPanic(t *testing.T) {
	k, pool := newTestKernel(t)
	panics := capturePanics(t)
	th := spawn(t, k, pool, "boom", 10, func(*Context) { panic("boom") })
	after := false
	spawn(t, k, pool, "after", 11, func(*Context) { after = true })
	start(t, k)

	got := panics()
	if got == nil || got.Thread != "boom" || got.Value != "boom" || got.ThreadID != th.ID() {
		t.Fatalf("panic info = %+v", got)
	}
	if !InPanicMode() {
		t.Fatal("not in panic mode")
	}
	wantState(t, th, StateTerminated)
	if !after {
		t.Fatal("scheduler stopped after a thread panicked")
	}
}

func TestThreadsSnapshot(t *testing.T) {
	k, pool := newTestKernel(t)
	spawn(t, k, pool, "idle", 30, func(ctx *Context) { _ = ctx.Sleep(WaitForever) })
	start(t, k)

	infos := k.Threads()
	if len(infos) != 2 {
		t.Fatalf("threads = %d, want 2", len(infos))
	}
	if !infos[0].System || infos[0].Priority != TimerThreadPriority {
		t.Fatalf("first thread = %+v, want the timer thread", infos[0])
	}
	if infos[1].Name != "idle" || infos[1].State != StateSleep || infos[1].RunCount != 1 {
		t.Fatalf("second thread = %+v", infos[1])
	}
}
