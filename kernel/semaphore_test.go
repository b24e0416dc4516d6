package kernel

import (
	"errors"
	"testing"
)

func TestSemaphorePingPong(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	s, err := k.CreateSemaphore(sys, "s", 1, 1)
	if err != nil {
		t.Fatalf("CreateSemaphore: %v", err)
	}

	counter := 0
	player := func(ctx *Context) {
		for i := 0; i < 1000; i++ {
			if err := s.Acquire(ctx, WaitForever); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			counter++
			if err := s.Release(ctx, 1); err != nil {
				t.Errorf("Release: %v", err)
				return
			}
			_ = ctx.Yield()
		}
	}
	a := spawn(t, k, pool, "a", 10, player)
	b := spawn(t, k, pool, "b", 10, player)
	start(t, k)

	if counter != 2000 {
		t.Fatalf("counter = %d, want 2000", counter)
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	wantState(t, a, StateCompleted)
	wantState(t, b, StateCompleted)
}

func TestSemaphoreTimeout(t *testing.T) {
	k, pool := newTestKernel(t)
	s, _ := k.CreateSemaphore(k.System(), "empty", 0, Unbounded)

	var got error
	var began, ended uint64
	th := spawn(t, k, pool, "waiter", 10, func(ctx *Context) {
		began = ctx.Now()
		got = s.Acquire(ctx, 100)
		ended = ctx.Now()
	})
	start(t, k)

	advance(t, k, 99)
	wantState(t, th, StateSemaphore)
	advance(t, k, 2)

	if !errors.Is(got, ErrNoInstance) {
		t.Fatalf("Acquire = %v, want %v", got, ErrNoInstance)
	}
	if d := ended - began; d < 100 || d > 101 {
		t.Fatalf("timed out after %d ticks, want [100, 101]", d)
	}
}

func TestSemaphoreDeleteWakesWaiters(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	s, _ := k.CreateSemaphore(sys, "s", 0, 4)

	results := make([]error, 3)
	for i := range results {
		i := i
		spawn(t, k, pool, "w", 10, func(ctx *Context) {
			results[i] = s.Acquire(ctx, WaitForever)
		})
	}
	start(t, k)

	if err := s.Delete(sys); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	settle(t, k)

	for i, err := range results {
		if err != ErrDeleted {
			t.Fatalf("waiter %d = %v, want %v", i, err, ErrDeleted)
		}
	}
	if err := s.Acquire(sys, NoWait); err != ErrCaller {
		t.Fatalf("Acquire after delete = %v, want %v", err, ErrCaller)
	}
	if err := s.Release(sys, 1); err != ErrCaller {
		t.Fatalf("Release after delete = %v, want %v", err, ErrCaller)
	}
}

func TestSemaphoreCeiling(t *testing.T) {
	k, _ := newTestKernel(t)
	sys := k.System()

	if _, err := k.CreateSemaphore(sys, "bad", 0, 0); err != ErrInvalidCeiling {
		t.Fatalf("ceiling 0 = %v, want %v", err, ErrInvalidCeiling)
	}
	s, _ := k.CreateSemaphore(sys, "s", 1, 3)
	if err := s.Release(sys, 5); err != ErrCeilingExceeded {
		t.Fatalf("Release(5) = %v, want %v", err, ErrCeilingExceeded)
	}
	if got := s.Count(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if err := s.Acquire(sys, NoWait); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if err := s.Acquire(sys, NoWait); err != ErrNoInstance {
		t.Fatalf("Acquire empty = %v, want %v", err, ErrNoInstance)
	}
	if err := s.Acquire(sys, 10); err != ErrCaller {
		t.Fatalf("blocking Acquire outside a thread = %v, want %v", err, ErrCaller)
	}
}

func TestSemaphorePrioritise(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	s, _ := k.CreateSemaphore(sys, "s", 0, Unbounded)

	var order []string
	waiter := func(name string) func(ctx *Context) {
		return func(ctx *Context) {
			if err := s.Acquire(ctx, WaitForever); err == nil {
				order = append(order, name)
			}
		}
	}
	start(t, k)
	spawn(t, k, pool, "low", 20, waiter("low"))
	settle(t, k)
	spawn(t, k, pool, "mid", 15, waiter("mid"))
	settle(t, k)
	spawn(t, k, pool, "high", 5, waiter("high"))
	settle(t, k)

	if err := s.Prioritise(sys); err != nil {
		t.Fatalf("Prioritise: %v", err)
	}
	if err := s.Release(sys, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	settle(t, k)
	if len(order) != 1 || order[0] != "high" {
		t.Fatalf("order = %v, want [high]", order)
	}
}

func TestSemaphoreReleaseFromISR(t *testing.T) {
	k, pool := newTestKernel(t)
	s, _ := k.CreateSemaphore(k.System(), "irq", 0, 1)

	notified := 0
	if err := s.SetNotify(k.System(), func(ctx *Context, _ *Semaphore) {
		notified++
		if err := s.Acquire(ctx, 5); err != ErrCaller {
			t.Errorf("blocking call from notify = %v, want %v", err, ErrCaller)
		}
	}); err != nil {
		t.Fatalf("SetNotify: %v", err)
	}

	woke := false
	spawn(t, k, pool, "handler", 10, func(ctx *Context) {
		if err := s.Acquire(ctx, WaitForever); err == nil {
			woke = true
		}
	})
	start(t, k)

	k.Interrupt(func(ctx *Context) {
		if !ctx.InISR() {
			t.Errorf("expected interrupt context")
		}
		if err := s.Release(ctx, 1); err != nil {
			t.Errorf("Release from ISR: %v", err)
		}
		if err := s.Acquire(ctx, WaitForever); err != ErrCaller {
			t.Errorf("blocking Acquire from ISR = %v, want %v", err, ErrCaller)
		}
	})
	settle(t, k)

	if !woke {
		t.Fatal("expected handler thread to wake")
	}
	if notified != 1 {
		t.Fatalf("notified = %d, want 1", notified)
	}
}

func TestSemaphoreReset(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	s, _ := k.CreateSemaphore(sys, "s", 0, 8)

	woke := 0
	for i := 0; i < 2; i++ {
		spawn(t, k, pool, "w", 10, func(ctx *Context) {
			if s.Acquire(ctx, WaitForever) == nil {
				woke++
			}
		})
	}
	start(t, k)

	if err := s.Reset(sys, 5); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	settle(t, k)
	if woke != 2 {
		t.Fatalf("woke = %d, want 2", woke)
	}
	if got := s.Count(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	if err := s.Reset(sys, 9); err != ErrInvalidCeiling {
		t.Fatalf("Reset above ceiling = %v, want %v", err, ErrInvalidCeiling)
	}
}

func TestWaitingCallsFromISR(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	s, _ := k.CreateSemaphore(sys, "s", 1, 1)
	q, _ := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 1, Capacity: 2, Pool: pool})
	_ = q.Send(sys, make([]byte, WordSize), NoWait)
	g, _ := k.CreateEventFlags(sys, "g")
	_ = g.Set(sys, 1, Or)
	bp, _ := k.CreateBlockPool(sys, "blocks", 32, make([]byte, BlockPoolSize(32, 2)))

	errs := map[string]error{}
	k.Interrupt(func(ctx *Context) {
		errs["Acquire"] = s.Acquire(ctx, 100)
		errs["Send"] = q.Send(ctx, make([]byte, WordSize), 5)
		errs["Receive"] = q.Receive(ctx, make([]byte, WordSize), 5)
		_, errs["Wait"] = g.Wait(ctx, 1, AnySet, 5)
		_, errs["Allocate"] = bp.Allocate(ctx, 5)
	})
	for op, err := range errs {
		if err != ErrCaller {
			t.Errorf("%s from ISR with timeout = %v, want %v", op, err, ErrCaller)
		}
	}
	if n := s.Count(); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	k.Interrupt(func(ctx *Context) {
		errs["TryAcquire"] = s.TryAcquire(ctx)
		_, errs["Allocate"] = bp.Allocate(ctx, NoWait)
	})
	if errs["TryAcquire"] != nil || errs["Allocate"] != nil {
		t.Fatalf("NoWait from ISR = %v, %v", errs["TryAcquire"], errs["Allocate"])
	}
}
