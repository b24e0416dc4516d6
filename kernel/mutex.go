package kernel

import "time"

// Mutex is a recursive mutual exclusion lock. With priority inheritance
// the owner runs at the priority of its most urgent waiter.
type Mutex struct {
	k       *Kernel
	name    string
	inherit bool

	owner *Thread
	depth uint32

	waiters waitList
	deleted bool
}

// CreateMutex creates an unowned mutex.
func (k *Kernel) CreateMutex(ctx *Context, name string, inherit bool) (*Mutex, error) {
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
	m := &Mutex{k: k, name: name, inherit: inherit}
	k.finish(ctx)
	return m, nil
}

// Name returns the mutex name.
func (m *Mutex) Name() string { return m.name }

// Inherit reports whether the mutex uses priority inheritance.
func (m *Mutex) Inherit() bool { return m.inherit }

// Owner returns the owning thread and the lock depth.
func (m *Mutex) Owner() (*Thread, uint32) {
	m.k.mu.Lock()
	defer m.k.mu.Unlock()
	return m.owner, m.depth
}

func (m *Mutex) begin(ctx *Context) (*Kernel, error) {
	k, err := ctx.enter()
	if err != nil {
		return nil, err
	}
	if m.deleted || ctx.kind != contextThread || ctx.restricted {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	return k, nil
}

// Lock acquires the mutex, waiting up to timeout. The owner may lock it
// again; each Lock needs a matching Unlock.
func (m *Mutex) Lock(ctx *Context, timeout Ticks) error {
	k, err := m.begin(ctx)
	if err != nil {
		return err
	}
	t := ctx.t
	switch m.owner {
	case nil:
		m.grant(t)
		k.finish(ctx)
		return nil
	case t:
		m.depth++
		k.finish(ctx)
		return nil
	}
	if timeout == NoWait {
		k.mu.Unlock()
		return ErrNotAvailable
	}
	if !ctx.canSuspend() {
		k.mu.Unlock()
		return ErrCaller
	}
	k.block(t, &m.waiters, StateMutex, timeout, m, ErrNotAvailable)
	if m.inherit {
		k.updatePriority(m.owner)
	}
	k.leave(t)
	return t.wait.err
}

// TryLock acquires the mutex only if it is free or already owned by the
// caller.
func (m *Mutex) TryLock(ctx *Context) error {
	return m.Lock(ctx, NoWait)
}

// LockFor is Lock with a wall-clock timeout.
func (m *Mutex) LockFor(ctx *Context, d time.Duration) error {
	return m.Lock(ctx, TicksOf(d))
}

// LockUntil is Lock with a deadline in kernel ticks.
func (m *Mutex) LockUntil(ctx *Context, deadline uint64) error {
	return m.Lock(ctx, m.k.TicksUntil(deadline))
}

func (m *Mutex) grant(t *Thread) {
	m.owner = t
	m.depth = 1
	t.held = append(t.held, m)
}

// Unlock releases one level of ownership. At depth zero the mutex passes
// to the first waiter.
func (m *Mutex) Unlock(ctx *Context) error {
	k, err := m.begin(ctx)
	if err != nil {
		return err
	}
	if m.owner != ctx.t {
		k.mu.Unlock()
		return ErrNotOwned
	}
	if m.depth > 1 {
		m.depth--
		k.finish(ctx)
		return nil
	}
	k.releaseMutex(m)
	k.finish(ctx)
	return nil
}

// releaseMutex drops ownership completely and hands the mutex on.
// k.mu must be held.
func (k *Kernel) releaseMutex(m *Mutex) {
	prev := m.owner
	m.owner = nil
	m.depth = 0
	for i, x := range prev.held {
		if x == m {
			prev.held = append(prev.held[:i], prev.held[i+1:]...)
			break
		}
	}
	k.updatePriority(prev)
	if w := m.waiters.front(); w != nil {
		k.resume(w, nil)
		m.grant(w)
		k.updatePriority(w)
	}
}

// Prioritise moves the most urgent waiter to the front.
func (m *Mutex) Prioritise(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if m.deleted {
		k.mu.Unlock()
		return ErrCaller
	}
	m.waiters.prioritise()
	k.finish(ctx)
	return nil
}

// Delete wakes every waiter with ErrDeleted and retires the mutex. An
// owner loses any priority it inherited through it.
func (m *Mutex) Delete(ctx *Context) error {
	k, err := ctx.enter()
	if err != nil {
		return err
	}
	if m.deleted || !ctx.creating() {
		k.mu.Unlock()
		return ErrCaller
	}
	m.deleted = true
	wakeAll(k, &m.waiters, ErrDeleted)
	if owner := m.owner; owner != nil {
		m.owner = nil
		m.depth = 0
		for i, x := range owner.held {
			if x == m {
				owner.held = append(owner.held[:i], owner.held[i+1:]...)
				break
			}
		}
		k.updatePriority(owner)
	}
	k.finish(ctx)
	return nil
}

func (m *Mutex) waiterGone(k *Kernel, _ *Thread) {
	if m.inherit && m.owner != nil {
		k.updatePriority(m.owner)
	}
}

// inheritedPriority computes the effective priority of t from its base
// priority and the waiters of the inheriting mutexes it holds.
func (k *Kernel) inheritedPriority(t *Thread) uint {
	p := t.basePriority
	for _, m := range t.held {
		if !m.inherit {
			continue
		}
		for w := m.waiters.head; w != nil; w = w.waitNext {
			p = min(p, w.priority)
		}
	}
	return p
}

// updatePriority recomputes the effective priority of t and carries the
// change along the chain of mutex owners t is blocked behind.
func (k *Kernel) updatePriority(t *Thread) {
	for hops := 0; t != nil && hops <= len(k.threads); hops++ {
		p := k.inheritedPriority(t)
		if p == t.priority {
			return
		}
		k.setEffectivePriority(t, p)
		m, ok := t.wait.obj.(*Mutex)
		if !ok || t.state != StateMutex || !m.inherit {
			return
		}
		t = m.owner
	}
}
