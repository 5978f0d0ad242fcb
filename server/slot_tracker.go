package server

import "sync/atomic"

// SlotTracker records the highest slot of any published account write.
// Updates are lock-free and the value never decreases.
type SlotTracker struct {
	highest atomic.Uint64
}

// Observe raises the tracked slot to slot if it is higher.
func (t *SlotTracker) Observe(slot uint64) {
	for {
		cur := t.highest.Load()
		if slot <= cur || t.highest.CompareAndSwap(cur, slot) {
			return
		}
	}
}

// Highest returns the current maximum.
func (t *SlotTracker) Highest() uint64 {
	return t.highest.Load()
}
