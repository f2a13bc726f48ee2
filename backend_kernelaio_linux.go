//go:build linux

package aio

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/jackwiy/aioengine/internal/iouring"
)

// ioSubmitEAGAINRetries bounds the number of times submit will back off and
// retry when the submission ring is momentarily full.
const ioSubmitEAGAINRetries = 100

const ioSubmitRetryDelay = time.Millisecond

// ringSizeFloor is the smallest queue depth worth running with; Setup
// failures at or below this size fail construction instead of halving
// further.
const ringSizeFloor = 128

type kernelIOCB struct {
	handle FileHandle
	op     OpCode
	offset uint64
	buffer []byte
	tag    Tag
}

// kernelAIOBackend submits positional reads and writes through a single
// io_uring instance and reaps completions on a dedicated goroutine,
// handing each one off to the worker pool for callback execution.
type kernelAIOBackend struct {
	engine *Engine
	pool   *Pool
	log    *zap.Logger

	mu   sync.Mutex // serialises ring access: PushSQE+Enter on submit, PopCQEs on reap
	ring *iouring.Ring

	reapDone chan struct{}
	iocbs    *objectCache[kernelIOCB]
}

// NewKernelAIO creates an engine backed by a Linux io_uring instance.
// queueDepth is halved (down to ringSizeFloor) if the kernel rejects the
// requested size; iocbSlots bounds the number of operations in flight.
// It returns an error, rather than failing hard, if the kernel still
// refuses to set up a ring at the retry floor.
func NewKernelAIO(pool *Pool, queueDepth, iocbSlots int, opts ...EngineOption) (*Engine, error) {
	log := extractLogger(opts)
	ring, err := newRingWithRetry(uint32(queueDepth), log)
	if err != nil {
		return nil, err
	}

	b := &kernelAIOBackend{pool: pool, log: log, ring: ring, reapDone: make(chan struct{})}
	b.iocbs = newObjectCache(iocbSlots, notifyAll, func() *kernelIOCB { return new(kernelIOCB) })

	e := newEngine(b, opts...)
	b.engine = e
	b.log = e.log

	go b.reap()
	return e, nil
}

// newRingWithRetry halves entries and retries Setup until it succeeds or
// entries drops below ringSizeFloor, in which case it reports
// ErrResourceExhausted rather than aborting the process: a caller (the
// platform factory) can still fall back to a different backend.
func newRingWithRetry(entries uint32, log *zap.Logger) (*iouring.Ring, error) {
	for entries >= ringSizeFloor {
		r, err := iouring.Setup(entries)
		if err == nil {
			return r, nil
		}
		log.Warn("io_uring_setup failed, halving queue depth",
			zap.Uint32("entries", entries), zap.Error(err))
		entries /= 2
	}
	return nil, ErrResourceExhausted
}

func (b *kernelAIOBackend) bind(FileHandle) error { return nil }
func (b *kernelAIOBackend) unbind(FileHandle)     {}

func (b *kernelAIOBackend) submit(h FileHandle, op OpCode, offset uint64, buffer []byte, tag Tag) error {
	cb := b.iocbs.acquire()
	*cb = kernelIOCB{handle: h, op: op, offset: offset, buffer: buffer, tag: tag}

	sqe := iouring.SQE{
		FD:       int32(h.Fd()),
		Offset:   offset,
		UserData: uint64(uintptr(unsafe.Pointer(cb))),
	}
	if len(buffer) > 0 {
		sqe.Addr = uintptr(unsafe.Pointer(&buffer[0]))
		sqe.Len = uint32(len(buffer))
	}
	if op == OpRead {
		sqe.Op = iouring.OpRead
	} else {
		sqe.Op = iouring.OpWrite
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for attempt := 0; !b.ring.PushSQE(sqe); attempt++ {
		if attempt >= ioSubmitEAGAINRetries {
			b.iocbs.release(cb)
			return ErrResourceExhausted
		}
		time.Sleep(ioSubmitRetryDelay)
	}
	if _, err := b.ring.Enter(1, 0, 0); err != nil {
		b.iocbs.release(cb)
		return err
	}
	return nil
}

// reap blocks in io_uring_enter(IORING_ENTER_GETEVENTS) waiting for at
// least one completion, then drains and dispatches everything available
// to the worker pool as callback-execution tasks. A zero UserData is the
// shutdown sentinel posted by close.
func (b *kernelAIOBackend) reap() {
	defer close(b.reapDone)

	var buf [64]iouring.CQE
	for {
		b.mu.Lock()
		ring := b.ring
		b.mu.Unlock()
		if ring == nil {
			return
		}

		if _, err := ring.Enter(0, 1, iouring.EnterGetEvents); err != nil {
			b.log.Warn("io_uring_enter(GETEVENTS) failed", zap.Error(err))
			continue
		}

		b.mu.Lock()
		cqes := b.ring.PopCQEs(buf[:0])
		b.mu.Unlock()

		for _, c := range cqes {
			if c.UserData == 0 {
				return
			}

			cb := (*kernelIOCB)(unsafe.Pointer(uintptr(c.UserData)))
			iocb := *cb
			b.iocbs.release(cb)

			ret := int(c.Res)
			var err error
			if c.Res < 0 {
				err = syscall.Errno(-c.Res)
				ret = 0
			}
			b.pool.Submit(Task{Fn: func() {
				b.engine.executeCallback(iocb.handle, iocb.op, iocb.offset, iocb.buffer, ret, err, iocb.tag)
			}})
		}
	}
}

func (b *kernelAIOBackend) close() {
	b.mu.Lock()
	r := b.ring
	if r != nil {
		// Wake the reaper out of its blocking Enter: a zero-UserData NOP
		// completes immediately and satisfies minComplete=1, mirroring the
		// Windows completion backend's nil-Overlapped shutdown post.
		r.PushSQE(iouring.SQE{Op: iouring.OpNop})
		r.Enter(1, 0, 0)
	}
	b.mu.Unlock()
	if r == nil {
		return
	}

	<-b.reapDone

	b.mu.Lock()
	b.ring = nil
	b.mu.Unlock()
	r.Close()
}
