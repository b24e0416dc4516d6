package kernel

// bytePoolMin is the smallest backing array a byte pool accepts.
const bytePoolMin = 100

// BytePool hands out variable-sized blocks from a caller-provided array.
//
// The array is carved into chunks, each preceded by a two-word header
// holding the offset of the next chunk and an owner mark. A sentinel
// header at the end closes the chain. Allocation is first-fit from a
// rotating search position; adjacent free chunks merge on release.
type BytePool struct {
	k    *Kernel
	name string
	mark int

	mem       []byte
	search    int
	fragments int

	waiters waitList
	deleted bool
}

// CreateBytePool creates a pool managing mem. The pool keeps mem for its
// whole life; its length is rounded down to a word multiple.
func (k *Kernel) CreateBytePool(ctx *Context, name string, mem []byte) (*BytePool, error) {
	mem = mem[:len(mem)/ptrSize*ptrSize]
	if len(mem) < bytePoolMin {
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
	p := &BytePool{k: k, name: name, mem: mem, mark: k.newPoolMark()}
	end := p.sentinel()
	putWord(mem, 0, end)
	putWord(mem, ptrSize, freeMark)
	putWord(mem, end, 0)
	putWord(mem, end+ptrSize, p.mark)
	p.fragments = 2
	k.finish(ctx)
	return p, nil
}

// Name returns the pool name.
func (p *BytePool) Name() string { return p.name }

// Size returns the size of the managed array.
func (p *BytePool) Size() int { return len(p.mem) }

func (p *BytePool) sentinel() int { return len(p.mem) - chunkHeader }

// Available returns the number of free payload bytes.
func (p *BytePool) Available() int {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	n := 0
	for cur := 0; cur != p.sentinel(); cur = getWord(p.mem, cur) {
		if getWord(p.mem, cur+ptrSize) == freeMark {
			n += getWord(p.mem, cur) - cur - chunkHeader
		}
	}
	return n
}

// Fragments returns the number of chunks, the sentinel included.
func (p *BytePool) Fragments() int {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.fragments
}

// carve finds and claims size bytes. k.mu must be held.
func (p *BytePool) carve(size int) []byte {
	size = roundUp(size, ptrSize)
	cur := p.search
	for n := 0; n < p.fragments; n++ {
		next := getWord(p.mem, cur)
		if getWord(p.mem, cur+ptrSize) == freeMark && next-cur-chunkHeader >= size {
			if next-cur-chunkHeader-size >= chunkHeader+ptrSize {
				split := cur + chunkHeader + size
				putWord(p.mem, split, next)
				putWord(p.mem, split+ptrSize, freeMark)
				putWord(p.mem, cur, split)
				p.fragments++
				next = split
			}
			putWord(p.mem, cur+ptrSize, p.mark)
			p.search = next
			if p.search == p.sentinel() {
				p.search = 0
			}
			start := cur + chunkHeader
			return p.mem[start : start+size : start+size]
		}
		cur = next
	}
	return nil
}

func (p *BytePool) take(size int) ([]byte, error) {
	if p.deleted {
		return nil, ErrPool
	}
	if size <= 0 || size > len(p.mem)-2*chunkHeader {
		return nil, ErrSize
	}
	if b := p.carve(size); b != nil {
		return b, nil
	}
	return nil, ErrNoMemory
}

func (p *BytePool) give(buf []byte) error {
	off, ok := offsetIn(p.mem, buf)
	if !ok || off < chunkHeader {
		return ErrPtr
	}
	chunk := off - chunkHeader
	if chunk >= p.sentinel() {
		return ErrPtr
	}
	prev, cur := -1, 0
	for cur < chunk {
		prev, cur = cur, getWord(p.mem, cur)
	}
	if cur != chunk || chunk == p.sentinel() || getWord(p.mem, chunk+ptrSize) != p.mark {
		return ErrPtr
	}

	putWord(p.mem, chunk+ptrSize, freeMark)
	next := getWord(p.mem, chunk)
	if getWord(p.mem, next+ptrSize) == freeMark {
		putWord(p.mem, chunk, getWord(p.mem, next))
		p.fragments--
		if p.search == next {
			p.search = chunk
		}
	}
	if prev >= 0 && getWord(p.mem, prev+ptrSize) == freeMark {
		putWord(p.mem, prev, getWord(p.mem, chunk))
		p.fragments--
		if p.search == chunk {
			p.search = prev
		}
	}

	for w := p.waiters.front(); w != nil; w = p.waiters.front() {
		b := p.carve(w.wait.size)
		if b == nil {
			break
		}
		w.wait.mem = b
		p.k.resume(w, nil)
	}
	return nil
}

func (p *BytePool) begin(ctx *Context) (*Kernel, error) {
	k, err := ctx.enter()
	if err != nil {
		return nil, err
	}
	if p.deleted || ctx.kind == contextISR {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	return k, nil
}

// Allocate returns size bytes from the pool, waiting up to timeout for
// memory to be released.
func (p *BytePool) Allocate(ctx *Context, size int, timeout Ticks) ([]byte, error) {
	return p.allocate(ctx, size, timeout)
}

func (p *BytePool) allocate(ctx *Context, size int, timeout Ticks) ([]byte, error) {
	k, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	b, err := p.take(size)
	if err != ErrNoMemory {
		if err != nil {
			k.mu.Unlock()
			return nil, err
		}
		k.finish(ctx)
		return b, nil
	}
	if timeout == NoWait {
		k.mu.Unlock()
		return nil, ErrNoMemory
	}
	if !ctx.canSuspend() {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	t := ctx.t
	t.wait.size = size
	t.wait.mem = nil
	if err := k.suspend(ctx, &p.waiters, StateByteMemory, timeout, p, ErrNoMemory); err != nil {
		return nil, err
	}
	return t.wait.mem, nil
}

// Release returns a block obtained from Allocate. Releasing memory that
// is not a live allocation of this pool reports ErrPtr.
func (p *BytePool) Release(ctx *Context, buf []byte) error {
	return p.release(ctx, buf)
}

func (p *BytePool) release(ctx *Context, buf []byte) error {
	k, err := p.begin(ctx)
	if err != nil {
		return err
	}
	if err := p.give(buf); err != nil {
		k.mu.Unlock()
		return err
	}
	k.finish(ctx)
	return nil
}

// Prioritise moves the most urgent waiter to the front.
func (p *BytePool) Prioritise(ctx *Context) error {
	k, err := p.begin(ctx)
	if err != nil {
		return err
	}
	p.waiters.prioritise()
	k.finish(ctx)
	return nil
}

// Delete wakes every waiter with ErrDeleted and retires the pool.
func (p *BytePool) Delete(ctx *Context) error {
	k, err := p.begin(ctx)
	if err != nil {
		return err
	}
	p.deleted = true
	wakeAll(k, &p.waiters, ErrDeleted)
	k.finish(ctx)
	return nil
}

func (p *BytePool) waiterGone(*Kernel, *Thread) {}

func wakeAll(k *Kernel, l *waitList, err error) {
	for l.len() > 0 {
		k.resume(l.front(), err)
	}
}
