//go:build !linux && !windows

package aio

// New constructs the engine backed by the fastest asynchronous I/O
// primitive this host offers. Neither io_uring nor an I/O completion port
// is available, so this falls back to the worker-pool-backed simulated
// backend.
func New(pool *Pool, opts ...EngineOption) (*Engine, error) {
	return NewSimulatedAIO(pool, defaultIOCBSlots, defaultIOCBSlots, opts...), nil
}
