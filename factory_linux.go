//go:build linux

package aio

import "go.uber.org/zap"

// New constructs the engine backed by the fastest asynchronous I/O
// primitive this host offers. On Linux that is io_uring; if the kernel
// still can't set up a ring at the retry floor (resource exhaustion), New
// falls back to the worker-pool-backed simulated backend rather than
// failing construction outright.
func New(pool *Pool, opts ...EngineOption) (*Engine, error) {
	e, err := NewKernelAIO(pool, defaultQueueDepth, defaultIOCBSlots, opts...)
	if err == nil {
		return e, nil
	}
	extractLogger(opts).Warn("kernel-AIO unavailable, falling back to simulated backend", zap.Error(err))
	return NewSimulatedAIO(pool, defaultIOCBSlots, defaultIOCBSlots, opts...), nil
}
