// Package semaphore implements the bounded counting semaphore that gates how
// many concurrent git-upload-pack child processes a worker may run, sized to
// min(configured MAX_GIT_UPLOAD_PACK, host CPU count).
package semaphore

import (
	"context"
	"runtime"
	"sync/atomic"
)

// Bounded is a counting semaphore with a non-blocking fast path and a
// best-effort in-use counter for observability (GetValue, mirroring the
// original's get_value()).
type Bounded struct {
	slots chan struct{}
	inUse int64
}

// NewBounded returns a semaphore with the given capacity. A capacity <= 0 is
// clamped to 1.
func NewBounded(capacity int) *Bounded {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded{slots: make(chan struct{}, capacity)}
}

// BoundedByCPU applies spec.md §8's sizing rule: min(configured, NumCPU()).
func BoundedByCPU(configured int) *Bounded {
	n := runtime.NumCPU()
	if configured > 0 && configured < n {
		n = configured
	}
	return NewBounded(n)
}

// Acquire takes a permit, trying a non-blocking fast path first and falling
// back to waiting. If ctx is canceled while waiting, no permit is taken and
// ctx.Err() is returned — a select between the channel send and ctx.Done()
// resolves atomically, so (unlike a thread-pool-dispatched OS semaphore) a
// canceled wait here can never race with a permit being granted underneath
// it: either the acquire completes or the cancellation does, never both.
func (b *Bounded) Acquire(ctx context.Context) error {
	select {
	case b.slots <- struct{}{}:
		atomic.AddInt64(&b.inUse, 1)
		return nil
	default:
	}

	select {
	case b.slots <- struct{}{}:
		atomic.AddInt64(&b.inUse, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit.
func (b *Bounded) Release() {
	atomic.AddInt64(&b.inUse, -1)
	<-b.slots
}

// GetValue reports the number of permits currently in use, best-effort
// (observable for metrics, not for correctness decisions).
func (b *Bounded) GetValue() int {
	return int(atomic.LoadInt64(&b.inUse))
}

// Capacity returns the total number of permits.
func (b *Bounded) Capacity() int {
	return cap(b.slots)
}
