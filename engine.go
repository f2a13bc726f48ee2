package aio

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// OpCode identifies the direction of an I/O operation.
type OpCode int

const (
	OpRead OpCode = iota
	OpWrite
)

// nopLogger is shared by every constructor that isn't given
// WithEngineLogger (or, for a Pool, a PoolConfig.Logger).
var nopLogger = zap.NewNop()

// extractLogger applies opts to a scratch Engine to recover the logger an
// EngineOption set, so construction steps that run before the real Engine
// exists (native backend setup) can still log through the caller's logger.
func extractLogger(opts []EngineOption) *zap.Logger {
	tmp := &Engine{log: nopLogger}
	for _, o := range opts {
		o(tmp)
	}
	return tmp.log
}

func (o OpCode) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Callback is invoked once per completed operation, on a worker-pool
// goroutine — never on the submitter's goroutine and never on the
// backend's completion/reaper goroutine. ret is the number of bytes
// actually transferred; err is nil on success.
type Callback func(handle FileHandle, op OpCode, offset uint64, buffer []byte, ret int, err error, tag Tag)

// backend is the capability set every concrete AIO implementation
// satisfies: bind/unbind/submit. Modelled as an interface rather than a
// class hierarchy, so the engine dispatches to it without a type switch.
type backend interface {
	bind(h FileHandle) error
	unbind(h FileHandle)
	submit(h FileHandle, op OpCode, offset uint64, buffer []byte, tag Tag) error
	close()
}

// Engine is the shared AIO contract: callback registration, pending-op
// bookkeeping, and the write-drain primitive. It delegates bind/unbind/
// submit to one concrete backend (kernel-AIO, completion-port, or
// simulated).
type Engine struct {
	log *zap.Logger

	cb       atomic.Pointer[Callback]
	backend  backend
	pendingR atomic.Int64
	pendingW atomic.Int64

	closed atomic.Bool
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithEngineLogger attaches a structured logger to the engine.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func newEngine(b backend, opts ...EngineOption) *Engine {
	e := &Engine{log: nopLogger, backend: b}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetCallback registers the completion callback. It must be called exactly
// once, before the first SubmitIO call.
func (e *Engine) SetCallback(fn Callback) error {
	if !e.cb.CompareAndSwap(nil, &fn) {
		return ErrCallbackAlreadySet
	}
	return nil
}

// Bind performs optional per-file registration some backends require
// before SubmitIO will accept operations against handle.
func (e *Engine) Bind(h FileHandle) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.backend.bind(h)
}

// Unbind releases backend-private per-file resources.
func (e *Engine) Unbind(h FileHandle) {
	e.backend.unbind(h)
}

// SubmitIO submits one read or write. It increments the matching pending
// counter, delegates to the backend, and decrements the counter again on
// synchronous failure. tag is copied by value and presented unchanged to
// the callback. Returns nil on success (operation now in flight).
func (e *Engine) SubmitIO(h FileHandle, op OpCode, offset uint64, buffer []byte, tag Tag) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.cb.Load() == nil {
		return ErrCallbackNotSet
	}
	if op == OpWrite && len(buffer) == 0 {
		return ErrEmptyBuffer
	}

	e.addPending(op, 1)
	if err := e.backend.submit(h, op, offset, buffer, tag); err != nil {
		e.addPending(op, -1)
		return err
	}
	return nil
}

// addPending adjusts the atomic pending-reads/pending-writes counter
// matching op by delta.
func (e *Engine) addPending(op OpCode, delta int64) {
	if op == OpRead {
		e.pendingR.Add(delta)
	} else {
		e.pendingW.Add(delta)
	}
}

// executeCallback is called by every backend exactly once per completed
// operation, on a worker-pool goroutine. It invokes the user callback and
// then decrements the matching pending counter — reclaiming the IOCB back
// to its cache is the backend's job and must happen strictly before this
// call.
func (e *Engine) executeCallback(h FileHandle, op OpCode, offset uint64, buffer []byte, ret int, err error, tag Tag) {
	if fn := e.cb.Load(); fn != nil {
		(*fn)(h, op, offset, buffer, ret, err, tag)
	}
	e.addPending(op, -1)
}

// PendingReads reports the number of reads currently in flight.
func (e *Engine) PendingReads() int64 { return e.pendingR.Load() }

// PendingWrites reports the number of writes currently in flight.
func (e *Engine) PendingWrites() int64 { return e.pendingW.Load() }

// drainPollInterval is the coarse sleep used by WaitForPendingWrites and
// Close. Keeps the completion fast path lock-free: a condition variable
// here would add a lock that every completion would need to take.
const drainPollInterval = 2 * time.Millisecond

// WaitForPendingWrites spins with a coarse sleep until the pending-writes
// counter reaches zero, giving callers a write-barrier before shutdown.
// Reads and newly-submitted writes made after this call returns are
// unaffected.
func (e *Engine) WaitForPendingWrites() {
	for e.pendingW.Load() != 0 {
		time.Sleep(drainPollInterval)
	}
}

// Close blocks until both pending counters reach zero, then tears down the
// backend. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for e.pendingR.Load() != 0 || e.pendingW.Load() != 0 {
		time.Sleep(drainPollInterval)
	}
	e.backend.close()
	return nil
}
