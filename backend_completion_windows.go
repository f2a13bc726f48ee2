//go:build windows

package aio

import (
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const completionBatchSize = 64

// completionIOCB must keep ov as its first field: GetQueuedCompletionStatusEx
// hands back a pointer to the OVERLAPPED the submit call supplied, and the
// completion path recovers the owning IOCB by treating that pointer as the
// struct's address.
type completionIOCB struct {
	ov     windows.Overlapped
	handle FileHandle
	op     OpCode
	offset uint64
	buffer []byte
	tag    Tag
}

// completionBackend submits reads and writes as overlapped ReadFile/
// WriteFile calls against one I/O completion port, and reaps completions
// in batches on a dedicated goroutine. bind associates a handle with the
// port; submit issues the overlapped call; reap drains
// GetQueuedCompletionStatusEx in batches of completionBatchSize.
type completionBackend struct {
	engine *Engine
	pool   *Pool
	log    *zap.Logger

	port windows.Handle

	iocbs *objectCache[completionIOCB]
}

// NewNativeCompletionAIO creates an engine backed by a Windows I/O
// completion port. It returns an error, rather than failing hard, if the
// port cannot be created, so a caller (the platform factory) can still
// fall back to a different backend.
func NewNativeCompletionAIO(pool *Pool, iocbSlots int, opts ...EngineOption) (*Engine, error) {
	log := extractLogger(opts)
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}

	b := &completionBackend{pool: pool, log: log, port: port}
	b.iocbs = newObjectCache(iocbSlots, notifyAll, func() *completionIOCB { return new(completionIOCB) })

	e := newEngine(b, opts...)
	b.engine = e
	b.log = e.log

	go b.reap()
	return e, nil
}

func (b *completionBackend) bind(h FileHandle) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(h.Fd()), b.port, 0, 0)
	return err
}

func (b *completionBackend) unbind(FileHandle) {}

func (b *completionBackend) submit(h FileHandle, op OpCode, offset uint64, buffer []byte, tag Tag) error {
	cb := b.iocbs.acquire()
	*cb = completionIOCB{handle: h, op: op, offset: offset, buffer: buffer, tag: tag}
	cb.ov = windows.Overlapped{
		Offset:     uint32(offset),
		OffsetHigh: uint32(offset >> 32),
	}

	var transferred uint32
	var err error
	if op == OpRead {
		err = windows.ReadFile(windows.Handle(h.Fd()), buffer, &transferred, &cb.ov)
	} else {
		err = windows.WriteFile(windows.Handle(h.Fd()), buffer, &transferred, &cb.ov)
	}
	if err != nil && err != windows.ERROR_IO_PENDING {
		b.iocbs.release(cb)
		return err
	}
	return nil
}

// reap drains completion packets in batches and hands each one to the
// worker pool as a callback-execution task. A nil Overlapped entry is the
// shutdown sentinel posted by close.
func (b *completionBackend) reap() {
	entries := make([]windows.OverlappedEntry, completionBatchSize)
	for {
		var n uint32
		if err := windows.GetQueuedCompletionStatusEx(b.port, entries, &n, windows.INFINITE, false); err != nil {
			b.log.Warn("GetQueuedCompletionStatusEx failed", zap.Error(err))
			continue
		}

		for i := uint32(0); i < n; i++ {
			e := entries[i]
			if e.Overlapped == nil {
				return
			}

			cb := (*completionIOCB)(unsafe.Pointer(e.Overlapped))
			iocb := *cb
			b.iocbs.release(cb)

			var opErr error
			if status := windows.NTStatus(e.Internal); status != windows.STATUS_SUCCESS {
				opErr = status.Errno()
			}
			ret := int(e.InternalHigh)

			b.pool.Submit(Task{Fn: func() {
				b.engine.executeCallback(iocb.handle, iocb.op, iocb.offset, iocb.buffer, ret, opErr, iocb.tag)
			}})
		}
	}
}

func (b *completionBackend) close() {
	windows.PostQueuedCompletionStatus(b.port, 0, 0, nil)
	windows.CloseHandle(b.port)
}
