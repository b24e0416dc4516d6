package kernel

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func msg(v uint32) []byte {
	b := make([]byte, WordSize)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestQueueFullSenderUnblockedByReceiver(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	q, err := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 1, Capacity: 4, Pool: pool})
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	for i := uint32(1); i <= 4; i++ {
		if err := q.Send(sys, msg(i), NoWait); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := q.Send(sys, msg(9), NoWait); err != ErrQueueFull {
		t.Fatalf("Send full = %v, want %v", err, ErrQueueFull)
	}

	var sendErr error = ErrWait
	start(t, k)
	spawn(t, k, pool, "sender", 10, func(ctx *Context) {
		sendErr = q.Send(ctx, msg(5), WaitForever)
	})
	settle(t, k)

	got := make([]byte, WordSize)
	spawn(t, k, pool, "receiver", 10, func(ctx *Context) {
		if err := q.Receive(ctx, got, WaitForever); err != nil {
			t.Errorf("Receive: %v", err)
		}
	})
	settle(t, k)

	if sendErr != nil {
		t.Fatalf("Send = %v, want nil", sendErr)
	}
	if !bytes.Equal(got, msg(1)) {
		t.Fatalf("received %v, want %v", got, msg(1))
	}
	if n := q.Len(); n != 4 {
		t.Fatalf("len = %d, want 4", n)
	}
	for want := uint32(2); want <= 5; want++ {
		if err := q.Receive(sys, got, NoWait); err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if v := binary.LittleEndian.Uint32(got); v != want {
			t.Fatalf("received %d, want %d", v, want)
		}
	}
}

func TestQueueHandsOffToWaitingReceiver(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	q, _ := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 2, Capacity: 2, Pool: pool})

	got := make([]byte, 8)
	spawn(t, k, pool, "receiver", 10, func(ctx *Context) {
		_ = q.Receive(ctx, got, WaitForever)
	})
	start(t, k)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := q.Send(sys, want, NoWait); err != nil {
		t.Fatalf("Send: %v", err)
	}
	settle(t, k)
	if !bytes.Equal(got, want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	if n := q.Len(); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
	if err := q.Send(sys, []byte{1}, NoWait); err != ErrSize {
		t.Fatalf("short Send = %v, want %v", err, ErrSize)
	}
}

func TestQueueSendFront(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	q, _ := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 1, Capacity: 3, Pool: pool})

	_ = q.Send(sys, msg(1), NoWait)
	_ = q.Send(sys, msg(2), NoWait)
	_ = q.SendFront(sys, msg(0), NoWait)

	got := make([]byte, WordSize)
	for want := uint32(0); want < 3; want++ {
		if err := q.Receive(sys, got, NoWait); err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if v := binary.LittleEndian.Uint32(got); v != want {
			t.Fatalf("received %d, want %d", v, want)
		}
	}
	if err := q.Receive(sys, got, NoWait); err != ErrQueueEmpty {
		t.Fatalf("Receive empty = %v, want %v", err, ErrQueueEmpty)
	}
}

func TestQueueFlush(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	q, _ := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 1, Capacity: 1, Pool: pool})
	_ = q.Send(sys, msg(1), NoWait)

	var sendErr error = ErrWait
	spawn(t, k, pool, "sender", 10, func(ctx *Context) {
		sendErr = q.Send(ctx, msg(2), WaitForever)
	})
	start(t, k)

	if err := q.Flush(sys); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	settle(t, k)
	if sendErr != nil {
		t.Fatalf("flushed sender = %v, want nil", sendErr)
	}
	if n := q.Len(); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}

func TestQueueDeleteReturnsStorage(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	before := pool.Available()
	q, _ := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 4, Capacity: 8, Pool: pool})
	if pool.Available() >= before {
		t.Fatal("expected queue storage to come from the pool")
	}

	var recvErr error = ErrWait
	spawn(t, k, pool, "receiver", 10, func(ctx *Context) {
		recvErr = q.Receive(ctx, make([]byte, 16), WaitForever)
	})
	start(t, k)
	_ = q.Delete(sys)
	settle(t, k)
	if recvErr != ErrDeleted {
		t.Fatalf("Receive = %v, want %v", recvErr, ErrDeleted)
	}
	if err := q.Send(sys, make([]byte, 16), NoWait); err != ErrCaller {
		t.Fatalf("Send after delete = %v, want %v", err, ErrCaller)
	}
}

type sample struct {
	Seq   uint32
	Value int16
	Flags uint8
}

func TestMailboxRoundTrip(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	mb, err := CreateMailbox[sample](sys, "samples", 4, pool)
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if got := mb.Queue().MessageSize(); got != 8 {
		t.Fatalf("message size = %d, want 8", got)
	}
	in := sample{Seq: 7, Value: -3, Flags: 0x80}
	if err := mb.Send(sys, in, NoWait); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out, err := mb.Receive(sys, NoWait)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if out != in {
		t.Fatalf("received %+v, want %+v", out, in)
	}
}

func TestQueueDeleteWakesSenders(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	q, _ := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 1, Capacity: 1, Pool: pool})
	_ = q.Send(sys, msg(1), NoWait)

	results := []error{ErrWait, ErrWait}
	for i := range results {
		i := i
		spawn(t, k, pool, "sender", 10, func(ctx *Context) {
			results[i] = q.Send(ctx, msg(2), WaitForever)
		})
	}
	start(t, k)

	if err := q.Delete(sys); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	settle(t, k)
	for i, err := range results {
		if err != ErrDeleted {
			t.Fatalf("sender %d Send = %v, want %v", i, err, ErrDeleted)
		}
	}
}

func TestQueuePrioritiseSenders(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	q, _ := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 1, Capacity: 1, Pool: pool})
	_ = q.Send(sys, msg(1), NoWait)
	start(t, k)

	for _, prio := range []uint{20, 5} {
		prio := prio
		spawn(t, k, pool, "sender", prio, func(ctx *Context) {
			_ = q.Send(ctx, msg(uint32(prio)), WaitForever)
		})
		settle(t, k)
	}
	if err := q.Prioritise(sys); err != nil {
		t.Fatalf("Prioritise: %v", err)
	}

	got := make([]byte, WordSize)
	for _, want := range []uint32{1, 5, 20} {
		if err := q.Receive(sys, got, NoWait); err != nil {
			t.Fatalf("Receive: %v", err)
		}
		settle(t, k)
		if v := binary.LittleEndian.Uint32(got); v != want {
			t.Fatalf("received %d, want %d", v, want)
		}
	}
}

func TestQueuePrioritiseReceivers(t *testing.T) {
	k, pool := newTestKernel(t)
	sys := k.System()
	q, _ := k.CreateQueue(sys, QueueConfig{Name: "q", MessageWords: 1, Capacity: 2, Pool: pool})
	start(t, k)

	slow := make([]byte, WordSize)
	fast := make([]byte, WordSize)
	lazy := spawn(t, k, pool, "slow", 20, func(ctx *Context) {
		_ = q.Receive(ctx, slow, WaitForever)
	})
	settle(t, k)
	urgent := spawn(t, k, pool, "fast", 5, func(ctx *Context) {
		_ = q.Receive(ctx, fast, WaitForever)
	})
	settle(t, k)

	if err := q.Prioritise(sys); err != nil {
		t.Fatalf("Prioritise: %v", err)
	}
	if err := q.Send(sys, msg(7), NoWait); err != nil {
		t.Fatalf("Send: %v", err)
	}
	settle(t, k)
	if !bytes.Equal(fast, msg(7)) {
		t.Fatalf("urgent receiver got %v, want %v", fast, msg(7))
	}
	wantState(t, urgent, StateCompleted)
	wantState(t, lazy, StateQueue)
}
