package kernel

// BlockPool hands out fixed-size blocks in constant time. Each block is
// preceded by one word that links free blocks or marks the owner pool.
type BlockPool struct {
	k    *Kernel
	name string
	mark int

	mem       []byte
	blockSize int
	stride    int
	total     int
	free      int
	head      int

	waiters waitList
	deleted bool
}

// CreateBlockPool creates a pool of blockSize-byte blocks carved from
// mem. The block size is rounded up to a word multiple.
func (k *Kernel) CreateBlockPool(ctx *Context, name string, blockSize int, mem []byte) (*BlockPool, error) {
	if blockSize <= 0 {
		return nil, ErrSize
	}
	blockSize = roundUp(blockSize, ptrSize)
	stride := blockSize + ptrSize
	total := len(mem) / stride
	if total == 0 {
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
	p := &BlockPool{
		k:         k,
		name:      name,
		mark:      k.newPoolMark(),
		mem:       mem,
		blockSize: blockSize,
		stride:    stride,
		total:     total,
		free:      total,
	}
	for i := 0; i < total; i++ {
		link := 0
		if i+1 < total {
			link = (i+1)*stride + 1
		}
		putWord(mem, i*stride, link)
	}
	k.finish(ctx)
	return p, nil
}

// BlockPoolSize returns the memory a pool of n blockSize-byte blocks needs.
func BlockPoolSize(blockSize, n int) int {
	return n * (roundUp(blockSize, ptrSize) + ptrSize)
}

// Name returns the pool name.
func (p *BlockPool) Name() string { return p.name }

// BlockSize returns the usable size of one block.
func (p *BlockPool) BlockSize() int { return p.blockSize }

// Total returns the number of blocks.
func (p *BlockPool) Total() int { return p.total }

// Available returns the number of free blocks.
func (p *BlockPool) Available() int {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.free
}

func (p *BlockPool) carve() []byte {
	if p.free == 0 {
		return nil
	}
	off := p.head
	p.head = getWord(p.mem, off) - 1
	putWord(p.mem, off, p.mark)
	p.free--
	return p.block(off)
}

func (p *BlockPool) block(off int) []byte {
	start := off + ptrSize
	return p.mem[start : start+p.blockSize : start+p.blockSize]
}

func (p *BlockPool) take(size int) ([]byte, error) {
	if p.deleted {
		return nil, ErrPool
	}
	if size <= 0 || size > p.blockSize {
		return nil, ErrSize
	}
	if b := p.carve(); b != nil {
		return b, nil
	}
	return nil, ErrNoMemory
}

func (p *BlockPool) give(buf []byte) error {
	off, ok := offsetIn(p.mem, buf)
	if !ok {
		return ErrPtr
	}
	blk := off - ptrSize
	if blk < 0 || blk%p.stride != 0 || blk/p.stride >= p.total || getWord(p.mem, blk) != p.mark {
		return ErrPtr
	}
	if w := p.waiters.front(); w != nil {
		w.wait.mem = p.block(blk)
		p.k.resume(w, nil)
		return nil
	}
	link := 0
	if p.free > 0 {
		link = p.head + 1
	}
	putWord(p.mem, blk, link)
	p.head = blk
	p.free++
	return nil
}

func (p *BlockPool) begin(ctx *Context) (*Kernel, error) {
	k, err := ctx.enter()
	if err != nil {
		return nil, err
	}
	if p.deleted {
		k.mu.Unlock()
		return nil, ErrCaller
	}
	return k, nil
}

// Allocate returns one block, waiting up to timeout for a release.
func (p *BlockPool) Allocate(ctx *Context, timeout Ticks) ([]byte, error) {
	return p.allocate(ctx, p.blockSize, timeout)
}

func (p *BlockPool) allocate(ctx *Context, size int, timeout Ticks) ([]byte, error) {
	k, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	if ctx.waitsInISR(timeout) {
		k.mu.Unlock()
		return nil, ErrCaller
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
	t.wait.mem = nil
	if err := k.suspend(ctx, &p.waiters, StateBlockMemory, timeout, p, ErrNoMemory); err != nil {
		return nil, err
	}
	return t.wait.mem, nil
}

// Release returns a block to the pool, handing it straight to the first
// waiter if there is one.
func (p *BlockPool) Release(ctx *Context, buf []byte) error {
	return p.release(ctx, buf)
}

func (p *BlockPool) release(ctx *Context, buf []byte) error {
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
func (p *BlockPool) Prioritise(ctx *Context) error {
	k, err := p.begin(ctx)
	if err != nil {
		return err
	}
	p.waiters.prioritise()
	k.finish(ctx)
	return nil
}

// Delete wakes every waiter with ErrDeleted and retires the pool.
func (p *BlockPool) Delete(ctx *Context) error {
	k, err := p.begin(ctx)
	if err != nil {
		return err
	}
	if !ctx.creating() {
		k.mu.Unlock()
		return ErrCaller
	}
	p.deleted = true
	wakeAll(k, &p.waiters, ErrDeleted)
	k.finish(ctx)
	return nil
}

func (p *BlockPool) waiterGone(*Kernel, *Thread) {}
