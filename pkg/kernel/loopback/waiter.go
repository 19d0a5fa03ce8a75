package loopback

import (
	"context"

	"github.com/billm/baaaht/ipcserver/pkg/kernel"
)

var _ kernel.Waiter = (*Waiter)(nil)

// Waiter reports ready handles in the order their events happened
type Waiter struct {
	k       *Kernel
	tracked map[kernel.Handle]struct{}
}

// NewWaiter creates a waiter with no tracked handles
func (k *Kernel) NewWaiter() *Waiter {
	return &Waiter{k: k, tracked: make(map[kernel.Handle]struct{})}
}

// Add implements kernel.Waiter
func (w *Waiter) Add(h kernel.Handle) error {
	w.k.mu.Lock()
	defer w.k.mu.Unlock()
	if err := w.k.waitableLocked(h); err != nil {
		return err
	}
	w.tracked[h] = struct{}{}
	return nil
}

// Remove implements kernel.Waiter
func (w *Waiter) Remove(h kernel.Handle) {
	w.k.mu.Lock()
	defer w.k.mu.Unlock()
	delete(w.tracked, h)
}

// Len returns the number of tracked handles
func (w *Waiter) Len() int {
	w.k.mu.Lock()
	defer w.k.mu.Unlock()
	return len(w.tracked)
}

// Wait implements kernel.Waiter. It returns the tracked handle whose
// oldest event is the oldest overall.
func (w *Waiter) Wait(ctx context.Context) (kernel.Handle, error) {
	for {
		w.k.mu.Lock()
		best, bestSeq := kernel.InvalidHandle, uint64(0)
		for h := range w.tracked {
			seq, ok := w.k.readySeqLocked(h)
			if ok && (!best.IsValid() || seq < bestSeq) {
				best, bestSeq = h, seq
			}
		}
		changed := w.k.changed
		w.k.mu.Unlock()

		if best.IsValid() {
			return best, nil
		}

		select {
		case <-ctx.Done():
			return kernel.InvalidHandle, ctx.Err()
		case <-changed:
		}
	}
}

// Poll returns a ready handle without blocking, or InvalidHandle
func (w *Waiter) Poll() kernel.Handle {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h, err := w.Wait(ctx)
	if err != nil {
		return kernel.InvalidHandle
	}
	return h
}
