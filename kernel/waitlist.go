package kernel

// waitList is an intrusive FIFO of threads suspended on one object.
// Links live in the Thread so enqueueing never allocates.
type waitList struct {
	head, tail *Thread
	count      int
}

func (l *waitList) pushBack(t *Thread) {
	t.waitOn = l
	t.waitPrev = l.tail
	t.waitNext = nil
	if l.tail != nil {
		l.tail.waitNext = t
	} else {
		l.head = t
	}
	l.tail = t
	l.count++
}

func (l *waitList) pushFront(t *Thread) {
	t.waitOn = l
	t.waitPrev = nil
	t.waitNext = l.head
	if l.head != nil {
		l.head.waitPrev = t
	} else {
		l.tail = t
	}
	l.head = t
	l.count++
}

func (l *waitList) remove(t *Thread) {
	if t.waitOn != l {
		return
	}
	if t.waitPrev != nil {
		t.waitPrev.waitNext = t.waitNext
	} else {
		l.head = t.waitNext
	}
	if t.waitNext != nil {
		t.waitNext.waitPrev = t.waitPrev
	} else {
		l.tail = t.waitPrev
	}
	t.waitOn, t.waitNext, t.waitPrev = nil, nil, nil
	l.count--
}

func (l *waitList) front() *Thread { return l.head }

func (l *waitList) len() int { return l.count }

// prioritise moves the most urgent waiter to the head. Ties keep FIFO
// order and the rest of the list is left alone.
func (l *waitList) prioritise() {
	if l.count < 2 {
		return
	}
	best := l.head
	for t := l.head.waitNext; t != nil; t = t.waitNext {
		if t.priority < best.priority {
			best = t
		}
	}
	if best == l.head {
		return
	}
	l.remove(best)
	l.pushFront(best)
}

// snapshot returns the waiters in order. Callers resume threads while
// walking it, which unlinks them.
func (l *waitList) snapshot() []*Thread {
	if l.count == 0 {
		return nil
	}
	out := make([]*Thread, 0, l.count)
	for t := l.head; t != nil; t = t.waitNext {
		out = append(out, t)
	}
	return out
}

// waitObject is implemented by objects that need to react when a waiter
// leaves their list without being served (timeout, abort).
type waitObject interface {
	waiterGone(k *Kernel, t *Thread)
}

// waitInfo holds everything a suspended thread carries for the object it
// waits on. Fields are written under the kernel lock and read by the thread
// after it is dispatched again.
type waitInfo struct {
	obj        waitObject
	timeoutErr error
	err        error

	// event flags
	mask     uint32
	mode     FlagMode
	observed uint32

	// queues: payload to deliver (sender) or buffer to fill (receiver)
	msg   []byte
	front bool

	// memory pools
	size int
	mem  []byte
}

func (w *waitInfo) reset() {
	*w = waitInfo{}
}
