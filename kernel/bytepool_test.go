package kernel

import "testing"

func TestBytePoolSplitAndCoalesce(t *testing.T) {
	k, _ := newTestKernel(t)
	sys := k.System()
	p, err := k.CreateBytePool(sys, "heap", make([]byte, 1024))
	if err != nil {
		t.Fatalf("CreateBytePool: %v", err)
	}
	initial := p.Available()
	if want := 1024 - 2*chunkHeader; initial != want {
		t.Fatalf("available = %d, want %d", initial, want)
	}

	a, err := p.Allocate(sys, 96, NoWait)
	if err != nil {
		t.Fatalf("Allocate a: %v", err)
	}
	b, _ := p.Allocate(sys, 96, NoWait)
	c, _ := p.Allocate(sys, 96, NoWait)
	if len(a) != 96 || len(b) != 96 || len(c) != 96 {
		t.Fatalf("lengths = %d %d %d, want 96", len(a), len(b), len(c))
	}
	if got, want := p.Available(), initial-3*(96+chunkHeader); got != want {
		t.Fatalf("available = %d, want %d", got, want)
	}
	if n := p.Fragments(); n != 5 {
		t.Fatalf("fragments = %d, want 5", n)
	}

	for _, buf := range [][]byte{a, c, b} {
		if err := p.Release(sys, buf); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if got := p.Available(); got != initial {
		t.Fatalf("available after release = %d, want %d", got, initial)
	}
	if n := p.Fragments(); n != 2 {
		t.Fatalf("fragments after release = %d, want 2", n)
	}
}

func TestBytePoolRejectsBadPointers(t *testing.T) {
	k, _ := newTestKernel(t)
	sys := k.System()
	p, _ := k.CreateBytePool(sys, "heap", make([]byte, 512))

	a, _ := p.Allocate(sys, 64, NoWait)
	if err := p.Release(sys, a[8:]); err != ErrPtr {
		t.Fatalf("interior Release = %v, want %v", err, ErrPtr)
	}
	if err := p.Release(sys, make([]byte, 64)); err != ErrPtr {
		t.Fatalf("foreign Release = %v, want %v", err, ErrPtr)
	}
	if err := p.Release(sys, a); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release(sys, a); err != ErrPtr {
		t.Fatalf("double Release = %v, want %v", err, ErrPtr)
	}
	if _, err := p.Allocate(sys, 4096, NoWait); err != ErrSize {
		t.Fatalf("oversized Allocate = %v, want %v", err, ErrSize)
	}
	if _, err := k.CreateBytePool(sys, "tiny", make([]byte, bytePoolMin-1)); err != ErrSize {
		t.Fatalf("tiny pool = %v, want %v", err, ErrSize)
	}
}

func TestBytePoolMinimumSize(t *testing.T) {
	k, _ := newTestKernel(t)
	sys := k.System()
	size := MinimumPoolSize(96, 96)
	p, err := k.CreateBytePool(sys, "exact", make([]byte, size))
	if err != nil {
		t.Fatalf("CreateBytePool(%d): %v", size, err)
	}
	if _, err := p.Allocate(sys, 96, NoWait); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, err := p.Allocate(sys, 96, NoWait); err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if _, err := p.Allocate(sys, 8, NoWait); err != ErrNoMemory {
		t.Fatalf("third Allocate = %v, want %v", err, ErrNoMemory)
	}
}

func TestBytePoolWaiterServedOnRelease(t *testing.T) {
	k, stacks := newTestKernel(t)
	sys := k.System()
	p, _ := k.CreateBytePool(sys, "heap", make([]byte, MinimumPoolSize(200)))
	held, _ := p.Allocate(sys, 200, NoWait)

	var got []byte
	var allocErr error = ErrWait
	spawn(t, k, stacks, "waiter", 10, func(ctx *Context) {
		got, allocErr = p.Allocate(ctx, 64, WaitForever)
	})
	var timeoutErr error = ErrWait
	spawn(t, k, stacks, "impatient", 11, func(ctx *Context) {
		_, timeoutErr = p.Allocate(ctx, 64, 3)
	})
	start(t, k)

	advance(t, k, 3)
	if timeoutErr != ErrNoMemory {
		t.Fatalf("timed out Allocate = %v, want %v", timeoutErr, ErrNoMemory)
	}
	if err := p.Release(sys, held); err != nil {
		t.Fatalf("Release: %v", err)
	}
	settle(t, k)
	if allocErr != nil || len(got) != 64 {
		t.Fatalf("waiter got %d bytes, %v", len(got), allocErr)
	}
}

func TestBytePoolFromISR(t *testing.T) {
	k, _ := newTestKernel(t)
	p, _ := k.CreateBytePool(k.System(), "heap", make([]byte, 256))
	var err error
	k.Interrupt(func(ctx *Context) {
		_, err = p.Allocate(ctx, 8, NoWait)
	})
	if err != ErrCaller {
		t.Fatalf("Allocate from ISR = %v, want %v", err, ErrCaller)
	}
}

func TestAllocationFree(t *testing.T) {
	k, _ := newTestKernel(t)
	sys := k.System()
	p, _ := k.CreateBytePool(sys, "heap", make([]byte, 256))
	before := p.Available()

	a, err := Allocate(sys, p, 40, NoWait)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Free(sys); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Free(sys); err != ErrPtr {
		t.Fatalf("second Free = %v, want %v", err, ErrPtr)
	}
	if got := p.Available(); got != before {
		t.Fatalf("available = %d, want %d", got, before)
	}
}
