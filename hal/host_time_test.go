//go:build !tinygo

package hal

import (
	"testing"
	"time"
)

func TestHostTimeStep(t *testing.T) {
	ht := &hostTime{ch: make(chan uint64, 8)}
	start := time.Unix(100, 0)

	ht.stepAt(start, 1)
	ht.stepAt(start.Add(2500*time.Microsecond), 1)
	ht.stepAt(start.Add(3*time.Millisecond), 1)

	var got []uint64
	for len(ht.ch) > 0 {
		got = append(got, <-ht.ch)
	}
	if len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("ticks = %v, want [1 2 3 4]", got)
	}

	ht.stepAt(start.Add(20*time.Millisecond), 1)
	if d := ht.Dropped(); d != 9 {
		t.Fatalf("dropped = %d, want 9", d)
	}
}
