/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

// waiter represents a caller suspended in a partition's FIFO queue.
// The granted flag is guarded by the owning partition's mutex and lets
// a cancelled caller detect that a grant raced with its cancellation.
type waiter struct {
	ready   chan struct{}
	granted bool
}

func newWaiter() *waiter {
	return &waiter{ready: make(chan struct{})}
}

// grant wakes the waiter up. Must be called with the partition lock held.
func (w *waiter) grant() {
	w.granted = true
	close(w.ready)
}

// removeWaiter deletes w from the queue preserving the order of the rest.
func removeWaiter(ws []*waiter, w *waiter) []*waiter {
	for i := range ws {
		if ws[i] == w {
			return append(ws[:i], ws[i+1:]...)
		}
	}
	return ws
}
