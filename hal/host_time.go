//go:build !tinygo

package hal

import (
	"sync/atomic"
	"time"
)

const hostTickPeriod = time.Millisecond

// hostTime turns wall-clock progress, sampled whenever the runner steps
// it, into millisecond ticks.
type hostTime struct {
	ch  chan uint64
	seq uint64

	last time.Time
	acc  time.Duration

	dropped atomic.Uint64
}

func newHostTime() *hostTime {
	return &hostTime{ch: make(chan uint64, 1024)}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// Dropped returns how many ticks were lost to a full channel.
func (t *hostTime) Dropped() uint64 { return t.dropped.Load() }

// step emits the ticks that elapsed since the previous call. The first
// call emits n ticks to get the clock going.
func (t *hostTime) step(n uint64) {
	t.stepAt(time.Now(), n)
}

func (t *hostTime) stepAt(now time.Time, n uint64) {
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.stepN(n)
		return
	}

	t.acc += now.Sub(t.last)
	t.last = now

	ticks := uint64(t.acc / hostTickPeriod)
	if ticks == 0 {
		return
	}
	t.acc %= hostTickPeriod
	t.stepN(ticks)
}

func (t *hostTime) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
			t.dropped.Add(1)
		}
	}
}
