package kernel

// QueueNotify is called after a message is sent. It runs in a restricted
// context.
type QueueNotify func(ctx *Context, q *Queue)

// QueueConfig describes a queue to create.
type QueueConfig struct {
	Name string

	// MessageWords is the message size in WordSize units, 1 to
	// MaxMessageWords.
	MessageWords int

	// Capacity is the number of messages the ring holds. With a
	// *BlockPool it may be zero to use one whole block.
	Capacity int

	// Pool provides the ring storage.
	Pool Pool
}

// Queue is a ring of fixed-size messages.
type Queue struct {
	k       *Kernel
	name    string
	msgSize int
	notify  QueueNotify

	pool       Pool
	storage    []byte
	capacity   int
	head, tail int
	count      int

	senders   waitList
	receivers waitList
	deleted   bool
}

// CreateQueue creates a queue with storage taken from cfg.Pool.
func (k *Kernel) CreateQueue(ctx *Context, cfg QueueConfig) (*Queue, error) {
	if cfg.MessageWords < 1 || cfg.MessageWords > MaxMessageWords {
		return nil, ErrSize
	}
	if cfg.Pool == nil {
		return nil, ErrPool
	}
	msgSize := cfg.MessageWords * WordSize
	capacity := cfg.Capacity
	if bp, ok := cfg.Pool.(*BlockPool); ok && capacity == 0 {
		capacity = bp.BlockSize() / msgSize
	}
	if capacity < 1 {
		return nil, ErrSize
	}
	if ctx == nil || ctx.k != k {
		return nil, ErrCaller
	}
	if _, err := ctx.enter(); err != nil {
		return nil, err
	}
	if !ctx.creating() {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	storage, err := cfg.Pool.take(capacity * msgSize)
	if err != nil {
		k.mu.Unlock()
		return nil, err
	}
	q := &Queue{
		k:        k,
		name:     cfg.Name,
		msgSize:  msgSize,
		pool:     cfg.Pool,
		storage:  storage,
		capacity: capacity,
	}
	k.finish(ctx)
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// MessageSize returns the message size in bytes.
func (q *Queue) MessageSize() int { return q.msgSize }

// Capacity returns the number of messages the ring holds.
func (q *Queue) Capacity() int { return q.capacity }

// Len returns the number of stored messages.
func (q *Queue) Len() int {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	return q.count
}

func (q *Queue) slot(i int) []byte {
	off := i * q.msgSize
	return q.storage[off : off+q.msgSize]
}

func (q *Queue) pushBack(msg []byte) {
	copy(q.slot(q.tail), msg)
	q.tail = (q.tail + 1) % q.capacity
	q.count++
}

func (q *Queue) pushFront(msg []byte) {
	q.head = (q.head + q.capacity - 1) % q.capacity
	copy(q.slot(q.head), msg)
	q.count++
}

func (q *Queue) pop(dst []byte) {
	copy(dst, q.slot(q.head))
	q.head = (q.head + 1) % q.capacity
	q.count--
}

func (q *Queue) begin(ctx *Context) (*Kernel, error) {
	k, err := ctx.enter()
	if err != nil {
		return nil, err
	}
	if q.deleted {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	return k, nil
}

// Send appends msg, waiting up to timeout for room. msg must be exactly
// MessageSize bytes.
func (q *Queue) Send(ctx *Context, msg []byte, timeout Ticks) error {
	return q.send(ctx, msg, timeout, false)
}

// SendFront puts msg at the head of the queue so it is received next.
func (q *Queue) SendFront(ctx *Context, msg []byte, timeout Ticks) error {
	return q.send(ctx, msg, timeout, true)
}

func (q *Queue) send(ctx *Context, msg []byte, timeout Ticks, front bool) error {
	if len(msg) != q.msgSize {
		return ErrSize
	}
	k, err := q.begin(ctx)
	if err != nil {
		return err
	}
	if ctx.waitsInISR(timeout) {
		k.mu.Unlock()
		return ErrCaller
	}
	switch {
	case q.receivers.len() > 0:
		r := q.receivers.front()
		copy(r.wait.msg, msg)
		k.resume(r, nil)
	case q.count < q.capacity:
		if front {
			q.pushFront(msg)
		} else {
			q.pushBack(msg)
		}
	case timeout == NoWait:
		k.mu.Unlock()
		return ErrQueueFull
	case !ctx.canSuspend():
		k.mu.Unlock()
		return ErrCaller
	default:
		t := ctx.t
		t.wait.msg = msg
		t.wait.front = front
		return k.suspend(ctx, &q.senders, StateQueue, timeout, q, ErrQueueFull)
	}
	var notify func(*Context)
	if fn := q.notify; fn != nil {
		notify = func(cb *Context) { fn(cb, q) }
	}
	k.notifyThen(ctx, notify)
	return nil
}

// SendUntil is Send with a deadline in kernel ticks.
func (q *Queue) SendUntil(ctx *Context, msg []byte, deadline uint64) error {
	return q.send(ctx, msg, q.k.TicksUntil(deadline), false)
}

// ReceiveUntil is Receive with a deadline in kernel ticks.
func (q *Queue) ReceiveUntil(ctx *Context, dst []byte, deadline uint64) error {
	return q.Receive(ctx, dst, q.k.TicksUntil(deadline))
}

// Receive copies the oldest message into dst, waiting up to timeout for
// one to arrive. dst must hold at least MessageSize bytes.
func (q *Queue) Receive(ctx *Context, dst []byte, timeout Ticks) error {
	if len(dst) < q.msgSize {
		return ErrSize
	}
	dst = dst[:q.msgSize]
	k, err := q.begin(ctx)
	if err != nil {
		return err
	}
	if ctx.waitsInISR(timeout) {
		k.mu.Unlock()
		return ErrCaller
	}
	if q.count > 0 {
		q.pop(dst)
		if s := q.senders.front(); s != nil {
			if s.wait.front {
				q.pushFront(s.wait.msg)
			} else {
				q.pushBack(s.wait.msg)
			}
			k.resume(s, nil)
		}
		k.finish(ctx)
		return nil
	}
	if s := q.senders.front(); s != nil {
		copy(dst, s.wait.msg)
		k.resume(s, nil)
		k.finish(ctx)
		return nil
	}
	if timeout == NoWait {
		k.mu.Unlock()
		return ErrQueueEmpty
	}
	if !ctx.canSuspend() {
		k.mu.Unlock()
		return ErrCaller
	}
	ctx.t.wait.msg = dst
	return k.suspend(ctx, &q.receivers, StateQueue, timeout, q, ErrQueueEmpty)
}

// Flush drops every stored message. Blocked senders are released with
// success and their messages are discarded; blocked receivers keep
// waiting.
func (q *Queue) Flush(ctx *Context) error {
	k, err := q.begin(ctx)
	if err != nil {
		return err
	}
	q.head, q.tail, q.count = 0, 0, 0
	wakeAll(k, &q.senders, nil)
	k.finish(ctx)
	return nil
}

// SetNotify installs fn as the send callback. Nil removes it.
func (q *Queue) SetNotify(ctx *Context, fn QueueNotify) error {
	k, err := q.begin(ctx)
	if err != nil {
		return err
	}
	q.notify = fn
	k.finish(ctx)
	return nil
}

// Prioritise moves the most urgent blocked sender or receiver to the
// front of its list.
func (q *Queue) Prioritise(ctx *Context) error {
	k, err := q.begin(ctx)
	if err != nil {
		return err
	}
	q.senders.prioritise()
	q.receivers.prioritise()
	k.finish(ctx)
	return nil
}

// Delete wakes every blocked thread with ErrDeleted and returns the ring
// storage to its pool.
func (q *Queue) Delete(ctx *Context) error {
	k, err := q.begin(ctx)
	if err != nil {
		return err
	}
	if !ctx.creating() {
		k.mu.Unlock()
		return ErrCaller
	}
	q.deleted = true
	wakeAll(k, &q.senders, ErrDeleted)
	wakeAll(k, &q.receivers, ErrDeleted)
	_ = q.pool.give(q.storage)
	q.storage = nil
	k.finish(ctx)
	return nil
}

func (q *Queue) waiterGone(*Kernel, *Thread) {}
