package kernel

import "testing"

func TestMutexPriorityInheritance(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	m, _ := k.CreateMutex(sys, "m", true)
	gate, _ := k.CreateSemaphore(sys, "gate", 0, 1)

	var boosted, restored uint
	var t3 *Thread
	spawn(t, k, pool, "t1", 5, func(ctx *Context) {
		if err := gate.Acquire(ctx, WaitForever); err != nil {
			t.Errorf("gate: %v", err)
			return
		}
		if err := m.Lock(ctx, WaitForever); err != nil {
			t.Errorf("t1 Lock: %v", err)
			return
		}
		restored = t3.Priority()
		_ = m.Unlock(ctx)
	})
	spawn(t, k, pool, "t2", 10, func(ctx *Context) {
		_ = ctx.Sleep(WaitForever)
	})
	t3 = spawn(t, k, pool, "t3", 20, func(ctx *Context) {
		if err := m.Lock(ctx, WaitForever); err != nil {
			t.Errorf("t3 Lock: %v", err)
			return
		}
		_ = gate.Release(ctx, 1)
		boosted = ctx.Thread().Priority()
		if err := m.Unlock(ctx); err != nil {
			t.Errorf("t3 Unlock: %v", err)
		}
	})
	start(t, k)

	if boosted != 5 {
		t.Fatalf("t3 priority while t1 waits = %d, want 5", boosted)
	}
	if restored != 20 {
		t.Fatalf("t3 priority after unlock = %d, want 20", restored)
	}
	if owner, depth := m.Owner(); owner != nil || depth != 0 {
		t.Fatalf("owner = %v depth = %d, want unowned", owner, depth)
	}
}

func TestMutexInheritanceChain(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	m1, _ := k.CreateMutex(sys, "m1", true)
	m2, _ := k.CreateMutex(sys, "m2", true)
	go1, _ := k.CreateSemaphore(sys, "go1", 0, 1)
	go2, _ := k.CreateSemaphore(sys, "go2", 0, 1)

	var chained uint
	var low *Thread
	spawn(t, k, pool, "high", 5, func(ctx *Context) {
		_ = go2.Acquire(ctx, WaitForever)
		_ = m2.Lock(ctx, WaitForever)
		_ = m2.Unlock(ctx)
	})
	spawn(t, k, pool, "mid", 10, func(ctx *Context) {
		_ = go1.Acquire(ctx, WaitForever)
		_ = m2.Lock(ctx, WaitForever)
		_ = go2.Release(ctx, 1)
		_ = m1.Lock(ctx, WaitForever)
		_ = m1.Unlock(ctx)
		_ = m2.Unlock(ctx)
	})
	low = spawn(t, k, pool, "low", 20, func(ctx *Context) {
		_ = m1.Lock(ctx, WaitForever)
		_ = go1.Release(ctx, 1)
		chained = low.Priority()
		_ = m1.Unlock(ctx)
	})
	start(t, k)

	if chained != 5 {
		t.Fatalf("low priority through chain = %d, want 5", chained)
	}
	if p := low.Priority(); p != 20 {
		t.Fatalf("low priority after run = %d, want 20", p)
	}
}

func TestMutexRecursive(t *testing.T) {
	k, pool := newTestKernel(t)
	m, _ := k.CreateMutex(k.System(), "m", false)
	other, _ := k.CreateSemaphore(k.System(), "other", 0, 1)

	var otherErr error
	spawn(t, k, pool, "owner", 10, func(ctx *Context) {
		for i := 0; i < 3; i++ {
			if err := m.Lock(ctx, NoWait); err != nil {
				t.Errorf("Lock %d: %v", i, err)
			}
		}
		if _, depth := m.Owner(); depth != 3 {
			t.Errorf("depth = %d, want 3", depth)
		}
		_ = other.Release(ctx, 1)
		for i := 0; i < 3; i++ {
			if err := m.Unlock(ctx); err != nil {
				t.Errorf("Unlock %d: %v", i, err)
			}
		}
		if err := m.Unlock(ctx); err != ErrNotOwned {
			t.Errorf("extra Unlock = %v, want %v", err, ErrNotOwned)
		}
	})
	spawn(t, k, pool, "intruder", 11, func(ctx *Context) {
		_ = other.Acquire(ctx, WaitForever)
		otherErr = m.Unlock(ctx)
	})
	start(t, k)

	if otherErr != ErrNotOwned {
		t.Fatalf("non-owner Unlock = %v, want %v", otherErr, ErrNotOwned)
	}
	if owner, _ := m.Owner(); owner != nil {
		t.Fatalf("owner = %s, want none", owner.Name())
	}
}

func TestMutexTimeoutDropsBoost(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	m, _ := k.CreateMutex(sys, "m", true)
	gate, _ := k.CreateSemaphore(sys, "gate", 0, 1)

	var lockErr error
	spawn(t, k, pool, "impatient", 5, func(ctx *Context) {
		_ = gate.Acquire(ctx, WaitForever)
		lockErr = m.Lock(ctx, 10)
	})
	holder := spawn(t, k, pool, "holder", 20, func(ctx *Context) {
		_ = m.Lock(ctx, WaitForever)
		_ = gate.Release(ctx, 1)
		_ = ctx.Sleep(WaitForever)
	})
	start(t, k)

	if p := holder.Priority(); p != 5 {
		t.Fatalf("holder priority = %d, want 5", p)
	}
	advance(t, k, 10)
	if lockErr != ErrNotAvailable {
		t.Fatalf("Lock = %v, want %v", lockErr, ErrNotAvailable)
	}
	if p := holder.Priority(); p != 20 {
		t.Fatalf("holder priority after timeout = %d, want 20", p)
	}
}

func TestMutexReleasedOnTerminate(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	m, _ := k.CreateMutex(sys, "m", true)

	holder := spawn(t, k, pool, "holder", 20, func(ctx *Context) {
		_ = m.Lock(ctx, WaitForever)
		_ = ctx.Sleep(WaitForever)
	})
	var got error
	start(t, k)
	waiter := spawn(t, k, pool, "waiter", 10, func(ctx *Context) {
		got = m.Lock(ctx, WaitForever)
		_ = ctx.Sleep(WaitForever)
	})
	settle(t, k)
	wantState(t, waiter, StateMutex)

	if err := holder.Terminate(sys); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	settle(t, k)

	if got != nil {
		t.Fatalf("waiter Lock = %v, want nil", got)
	}
	if owner, _ := m.Owner(); owner != waiter {
		t.Fatalf("owner = %v, want waiter", owner)
	}
	wantState(t, holder, StateTerminated)
}

func TestMutexFromISR(t *testing.T) {
	k, _ := newTestKernel(t)
	m, _ := k.CreateMutex(k.System(), "m", false)
	k.Interrupt(func(ctx *Context) {
		if err := m.Lock(ctx, NoWait); err != ErrCaller {
			t.Errorf("Lock from ISR = %v, want %v", err, ErrCaller)
		}
	})
}

func TestMutexWaiterPriorityChangeMovesBoost(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	m, _ := k.CreateMutex(sys, "m", true)

	holder := spawn(t, k, pool, "holder", 20, func(ctx *Context) {
		_ = m.Lock(ctx, WaitForever)
		_ = ctx.Sleep(WaitForever)
	})
	start(t, k)
	waiter := spawn(t, k, pool, "waiter", 10, func(ctx *Context) {
		_ = m.Lock(ctx, WaitForever)
		_ = ctx.Sleep(WaitForever)
	})
	settle(t, k)
	wantState(t, waiter, StateMutex)
	if p := holder.Priority(); p != 10 {
		t.Fatalf("holder priority = %d, want 10", p)
	}

	if _, err := waiter.SetPriority(sys, 3); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	settle(t, k)
	if p := holder.Priority(); p != 3 {
		t.Fatalf("holder priority after raising waiter = %d, want 3", p)
	}

	if _, err := waiter.SetPriority(sys, 15); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	settle(t, k)
	if p := holder.Priority(); p != 15 {
		t.Fatalf("holder priority after lowering waiter = %d, want 15", p)
	}
}

func TestMutexDeleteWakesWaitersAndDropsBoost(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	m, _ := k.CreateMutex(sys, "m", true)

	holder := spawn(t, k, pool, "holder", 20, func(ctx *Context) {
		_ = m.Lock(ctx, WaitForever)
		_ = ctx.Sleep(WaitForever)
	})
	start(t, k)
	results := []error{ErrWait, ErrWait}
	for i, prio := range []uint{10, 12} {
		i := i
		spawn(t, k, pool, "waiter", prio, func(ctx *Context) {
			results[i] = m.Lock(ctx, WaitForever)
		})
	}
	settle(t, k)
	if p := holder.Priority(); p != 10 {
		t.Fatalf("holder priority = %d, want 10", p)
	}

	if err := m.Delete(sys); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	settle(t, k)
	for i, err := range results {
		if err != ErrDeleted {
			t.Fatalf("waiter %d Lock = %v, want %v", i, err, ErrDeleted)
		}
	}
	if p := holder.Priority(); p != 20 {
		t.Fatalf("holder priority after delete = %d, want 20", p)
	}
	if owner, _ := m.Owner(); owner != nil {
		t.Fatalf("owner = %s, want none", owner.Name())
	}
	if err := m.Delete(sys); err != ErrCaller {
		t.Fatalf("second Delete = %v, want %v", err, ErrCaller)
	}
}
