package aio

import "sync"

// notifyMode selects how objectCache wakes waiters in release.
type notifyMode int

const (
	// notifyOne wakes exactly one waiter per release — the common case,
	// used where acquirers rarely contend (off the completion/reaper path).
	notifyOne notifyMode = iota
	// notifyAll wakes every waiter per release; used where several waiters
	// are expected to race rarely and a broadcast is cheap relative to the
	// cost of a missed wakeup.
	notifyAll
)

// objectCache is a bounded, preallocated pool of *T. acquire blocks until a
// block is available; release returns one and never fails. The invariant
// held at all times: len(free)+in-flight == capacity.
type objectCache[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	free []*T
	mode notifyMode
}

// newObjectCache preallocates capacity blocks via newFn and returns a cache
// ready for use.
func newObjectCache[T any](capacity int, mode notifyMode, newFn func() *T) *objectCache[T] {
	c := &objectCache[T]{
		free: make([]*T, 0, capacity),
		mode: mode,
	}
	c.cond = sync.NewCond(&c.mu)
	for i := 0; i < capacity; i++ {
		c.free = append(c.free, newFn())
	}
	return c
}

// acquire removes a block from the cache, blocking on the condition
// variable while none is available. It never fails and never returns a nil
// block.
func (c *objectCache[T]) acquire() *T {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.free) == 0 {
		c.cond.Wait()
	}
	n := len(c.free) - 1
	blk := c.free[n]
	c.free[n] = nil
	c.free = c.free[:n]
	return blk
}

// release returns a block to the cache and wakes waiters per the
// configured notifyMode.
func (c *objectCache[T]) release(blk *T) {
	c.mu.Lock()
	c.free = append(c.free, blk)
	switch c.mode {
	case notifyOne:
		c.cond.Signal()
	case notifyAll:
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// len reports the number of blocks currently sitting idle in the cache.
// Intended for tests and metrics only.
func (c *objectCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}
