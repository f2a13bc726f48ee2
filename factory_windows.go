//go:build windows

package aio

import "go.uber.org/zap"

// New constructs the engine backed by the fastest asynchronous I/O
// primitive this host offers. On Windows that is an I/O completion port;
// if the port can't be created, New falls back to the worker-pool-backed
// simulated backend rather than failing construction outright.
func New(pool *Pool, opts ...EngineOption) (*Engine, error) {
	e, err := NewNativeCompletionAIO(pool, defaultIOCBSlots, opts...)
	if err == nil {
		return e, nil
	}
	extractLogger(opts).Warn("completion port unavailable, falling back to simulated backend", zap.Error(err))
	return NewSimulatedAIO(pool, defaultIOCBSlots, defaultIOCBSlots, opts...), nil
}
