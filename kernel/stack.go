package kernel

// StackInfo reports how much of a thread stack has been touched.
//
// Stacks are filled with a known pattern when the thread is created;
// bytes that no longer hold the pattern count as used.
type StackInfo struct {
	Size    int
	MaxUsed int
	Free    int
}

// Stack returns the stack region of the calling thread. Threads may use
// it as scratch space; overrunning the low end trips the stack check.
func (c *Context) Stack() []byte {
	if c == nil || c.kind != contextThread || c.t == nil {
		return nil
	}
	return c.t.stack
}

// StackInfo scans the stack of t.
func (t *Thread) StackInfo() (StackInfo, error) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	if t.stack == nil {
		return StackInfo{}, ErrFeatureNotEnabled
	}
	return t.stackInfo(), nil
}

func (t *Thread) stackInfo() StackInfo {
	if t.stack == nil {
		return StackInfo{}
	}
	untouched := 0
	for _, b := range t.stack {
		if b != stackFill {
			break
		}
		untouched++
	}
	return StackInfo{
		Size:    len(t.stack),
		MaxUsed: len(t.stack) - untouched,
		Free:    untouched,
	}
}

// guardBytes is the size of the region at the low end of a stack that
// must keep the fill pattern.
const guardBytes = 16

// stackFault checks the guard of t and reports whether a fault was newly
// found and a handler needs to run. k.mu must be held.
func (k *Kernel) stackFault(t *Thread) bool {
	if t.stackFault || len(t.stack) < guardBytes {
		return false
	}
	for _, b := range t.stack[:guardBytes] {
		if b != stackFill {
			t.stackFault = true
			k.logf("kernel: stack overflow in thread %q", t.name)
			return k.stackErr != nil
		}
	}
	return false
}

// SetStackErrorNotify installs the function called when a thread
// overruns its stack. It may only be called during initialisation or
// from an interrupt handler, never from a thread.
func (k *Kernel) SetStackErrorNotify(ctx *Context, fn func(ctx *Context, t *Thread)) error {
	if ctx == nil || ctx.k != k {
		return ErrCaller
	}
	if ctx.kind == contextThread || ctx.kind == contextTimer {
		return ErrNotDone
	}
	k.mu.Lock()
	k.stackErr = fn
	k.mu.Unlock()
	return nil
}
