package aio

import (
	"go.uber.org/zap"
)

// simulatedIOCB is the per-operation descriptor for the simulated backend.
type simulatedIOCB struct {
	handle FileHandle
	op     OpCode
	offset uint64
	buffer []byte
	tag    Tag
}

// simulatedBackend has no kernel asynchronous primitive to lean on: every
// submit enqueues a worker-pool task that performs a positional blocking
// ReadAt/WriteAt and invokes the callback inline, returning its IOCB to
// the cache first. One object cache per opcode, sized independently.
type simulatedBackend struct {
	engine *Engine
	pool   *Pool
	log    *zap.Logger

	reads  *objectCache[simulatedIOCB]
	writes *objectCache[simulatedIOCB]
}

// NewSimulatedAIO creates an engine backed entirely by the worker pool:
// portable, and the only option on platforms lacking both io_uring and
// I/O completion ports.
func NewSimulatedAIO(pool *Pool, readSlots, writeSlots int, opts ...EngineOption) *Engine {
	b := &simulatedBackend{pool: pool, log: nopLogger}
	b.reads = newObjectCache(readSlots, notifyAll, func() *simulatedIOCB { return new(simulatedIOCB) })
	b.writes = newObjectCache(writeSlots, notifyAll, func() *simulatedIOCB { return new(simulatedIOCB) })

	e := newEngine(b, opts...)
	b.engine = e
	b.log = e.log
	return e
}

func (b *simulatedBackend) cacheFor(op OpCode) *objectCache[simulatedIOCB] {
	if op == OpRead {
		return b.reads
	}
	return b.writes
}

func (b *simulatedBackend) bind(FileHandle) error { return nil }
func (b *simulatedBackend) unbind(FileHandle)      {}

func (b *simulatedBackend) submit(h FileHandle, op OpCode, offset uint64, buffer []byte, tag Tag) error {
	cache := b.cacheFor(op)
	cb := cache.acquire()
	*cb = simulatedIOCB{handle: h, op: op, offset: offset, buffer: buffer, tag: tag}

	b.pool.Submit(Task{Fn: func() { b.runIO(cb) }})
	return nil
}

// runIO performs the blocking positional I/O on a pool worker and invokes
// the engine callback. The IOCB is returned to its cache before the
// callback runs.
func (b *simulatedBackend) runIO(cb *simulatedIOCB) {
	iocb := *cb
	cache := b.cacheFor(iocb.op)
	cache.release(cb)

	var ret int
	var err error
	switch iocb.op {
	case OpRead:
		ret, err = iocb.handle.File.ReadAt(iocb.buffer, int64(iocb.offset))
	case OpWrite:
		ret, err = iocb.handle.File.WriteAt(iocb.buffer, int64(iocb.offset))
	}
	// io.EOF on a short read is reported to the caller as a per-operation
	// error, never raised to the submitter.
	b.engine.executeCallback(iocb.handle, iocb.op, iocb.offset, iocb.buffer, ret, err, iocb.tag)
}

func (b *simulatedBackend) close() {}
