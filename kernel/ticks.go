package kernel

import (
	"math"
	"time"
)

// Ticks counts kernel ticks. It is used for timeouts and timer periods.
type Ticks uint32

const (
	// NoWait makes a blocking call fail immediately instead of suspending.
	NoWait Ticks = 0

	// WaitForever suspends without a timeout.
	WaitForever Ticks = math.MaxUint32
)

// TickPeriod is the wall-clock length of one tick.
const TickPeriod = time.Second / TickHz

// TicksOf converts d to ticks, rounding down. Durations too long to
// represent saturate just below WaitForever.
func TicksOf(d time.Duration) Ticks {
	if d <= 0 {
		return NoWait
	}
	n := d / TickPeriod
	if n >= time.Duration(WaitForever) {
		return WaitForever - 1
	}
	return Ticks(n)
}

// Duration returns the wall-clock length of t.
func (t Ticks) Duration() time.Duration {
	if t == WaitForever {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(t) * TickPeriod
}

// TicksUntil returns the timeout that runs out at kernel tick deadline,
// or NoWait once the deadline has passed.
func (k *Kernel) TicksUntil(deadline uint64) Ticks {
	now := k.Now()
	if deadline <= now {
		return NoWait
	}
	if d := deadline - now; d < uint64(WaitForever) {
		return Ticks(d)
	}
	return WaitForever - 1
}
