//go:build linux

package iouring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmap offsets, fixed by the kernel ABI (linux/io_uring.h: IORING_OFF_*).
const (
	offSQRing uint64 = 0
	offCQRing uint64 = 0x8000000
	offSQEs   uint64 = 0x10000000
)

const sqeSize = 64
const cqeSize = 16

// sqOffsets / cqOffsets mirror struct io_sqring_offsets / io_cqring_offsets:
// byte offsets, within the mmap'd ring, of each ring field. Filled in by
// io_uring_setup.
type sqOffsets struct {
	head, tail, ringMask, ringEntries, flags, dropped, array uint32
}

type cqOffsets struct {
	head, tail, ringMask, ringEntries, overflow, cqes, flags uint32
}

// params mirrors struct io_uring_params, the in/out argument to
// io_uring_setup(2).
type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFD         uint32
	resv         [3]uint32
	sqOff        sqOffsets
	cqOff        cqOffsets
}

// paramsBufSize is generously sized; io_uring_setup only writes the
// prefix defined by struct io_uring_params (~120 bytes on x86_64), zero
// padding beyond that is harmless.
const paramsBufSize = 128

// Ring is an open io_uring instance: submission queue, completion queue,
// and the backing ring fd. Not safe for concurrent use from multiple
// goroutines without external synchronisation — callers are expected to
// serialise PushSQE/Enter the way the kernel-AIO backend does, behind a
// single mutex.
type Ring struct {
	fd int

	sqRing  []byte
	cqRing  []byte
	sqesRaw []byte

	sqHead        *uint32
	sqTail        *uint32
	sqRingMask    uint32
	sqRingEntries uint32
	sqArray       []uint32

	cqHead        *uint32
	cqTail        *uint32
	cqRingMask    uint32
	cqRingEntries uint32
	cqes          []byte
}

// Setup creates a new io_uring instance sized for entries submission-queue
// slots. entries is rounded up to a power of two by the kernel.
func Setup(entries uint32) (*Ring, error) {
	buf := make([]byte, paramsBufSize)
	fd, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(&buf[0])), 0)
	if errno != 0 {
		return nil, errno
	}

	var p params
	decodeParams(buf, &p)

	r := &Ring{fd: int(fd)}
	if err := r.mapRings(&p); err != nil {
		unix.Close(int(fd))
		return nil, err
	}
	return r, nil
}

func decodeParams(b []byte, p *params) {
	le := binary.LittleEndian
	p.sqEntries = le.Uint32(b[0:])
	p.cqEntries = le.Uint32(b[4:])
	p.flags = le.Uint32(b[8:])
	p.sqThreadCPU = le.Uint32(b[12:])
	p.sqThreadIdle = le.Uint32(b[16:])
	p.features = le.Uint32(b[20:])
	p.wqFD = le.Uint32(b[24:])
	// resv[3] occupies bytes [28:40)
	off := 40
	p.sqOff = sqOffsets{
		head:        le.Uint32(b[off+0:]),
		tail:        le.Uint32(b[off+4:]),
		ringMask:    le.Uint32(b[off+8:]),
		ringEntries: le.Uint32(b[off+12:]),
		flags:       le.Uint32(b[off+16:]),
		dropped:     le.Uint32(b[off+20:]),
		array:       le.Uint32(b[off+24:]),
	}
	off += 40 // sizeof(io_sqring_offsets) == 40
	p.cqOff = cqOffsets{
		head:        le.Uint32(b[off+0:]),
		tail:        le.Uint32(b[off+4:]),
		ringMask:    le.Uint32(b[off+8:]),
		ringEntries: le.Uint32(b[off+12:]),
		overflow:    le.Uint32(b[off+16:]),
		cqes:        le.Uint32(b[off+20:]),
		flags:       le.Uint32(b[off+24:]),
	}
}

func (r *Ring) mapRings(p *params) error {
	sqRingSize := p.sqOff.array + p.sqEntries*4
	cqRingSize := p.cqOff.cqes + p.cqEntries*cqeSize

	sqRing, err := unix.Mmap(r.fd, int64(offSQRing), int(sqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqRing = sqRing

	cqRing, err := unix.Mmap(r.fd, int64(offCQRing), int(cqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqRing)
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	r.cqRing = cqRing

	sqes, err := unix.Mmap(r.fd, int64(offSQEs), int(p.sqEntries)*sqeSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqRing)
		unix.Munmap(cqRing)
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqesRaw = sqes

	r.sqHead = (*uint32)(unsafe.Pointer(&sqRing[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&sqRing[p.sqOff.tail]))
	r.sqRingMask = *(*uint32)(unsafe.Pointer(&sqRing[p.sqOff.ringMask]))
	r.sqRingEntries = *(*uint32)(unsafe.Pointer(&sqRing[p.sqOff.ringEntries]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&sqRing[p.sqOff.array])), r.sqRingEntries)

	r.cqHead = (*uint32)(unsafe.Pointer(&cqRing[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&cqRing[p.cqOff.tail]))
	r.cqRingMask = *(*uint32)(unsafe.Pointer(&cqRing[p.cqOff.ringMask]))
	r.cqRingEntries = *(*uint32)(unsafe.Pointer(&cqRing[p.cqOff.ringEntries]))
	r.cqes = cqRing[p.cqOff.cqes:]

	return nil
}

// SQE is the caller-facing view of one submission queue entry.
type SQE struct {
	Op       Op
	FD       int32
	Offset   uint64
	Addr     uintptr
	Len      uint32
	UserData uint64
}

// PushSQE writes one SQE into the next submission-queue slot and advances
// the producer tail. The kernel only observes it once Enter is called.
// Returns false if the ring is full; callers are expected to retry after
// the next Enter/reap, same as the backend's EAGAIN-retry policy one
// layer up.
func (r *Ring) PushSQE(sqe SQE) bool {
	tail := atomic.LoadUint32(r.sqTail)
	head := loadAcquire(r.sqHead)
	if tail-head >= r.sqRingEntries {
		return false
	}

	idx := tail & r.sqRingMask
	b := r.sqesRaw[idx*sqeSize : idx*sqeSize+sqeSize]
	for i := range b {
		b[i] = 0
	}
	le := binary.LittleEndian
	b[0] = byte(sqe.Op)
	b[1] = 0 // flags
	// b[2:4] ioprio left zero
	le.PutUint32(b[4:], uint32(sqe.FD))
	le.PutUint64(b[8:], sqe.Offset)
	le.PutUint64(b[16:], uint64(sqe.Addr))
	le.PutUint32(b[24:], sqe.Len)
	// b[28:32] rw_flags left zero
	le.PutUint64(b[32:], sqe.UserData)

	r.sqArray[tail&r.sqRingMask] = idx
	storeRelease(r.sqTail, tail+1)
	return true
}

// Enter calls io_uring_enter, submitting toSubmit queued SQEs and
// optionally blocking for minComplete CQEs.
func (r *Ring) Enter(toSubmit, minComplete uint32, flags uint32) (int, error) {
	ret, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(r.fd),
		uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

// CQE is the caller-facing view of one completion queue entry.
type CQE struct {
	UserData uint64
	Res      int32
}

// PopCQEs drains all currently-available completions into out (reusing
// its backing array when there's room) and advances the consumer head.
func (r *Ring) PopCQEs(out []CQE) []CQE {
	out = out[:0]
	head := loadAcquire(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)

	le := binary.LittleEndian
	for head != tail {
		idx := head & r.cqRingMask
		b := r.cqes[idx*cqeSize : idx*cqeSize+cqeSize]
		out = append(out, CQE{
			UserData: le.Uint64(b[0:]),
			Res:      int32(le.Uint32(b[8:])),
		})
		head++
	}
	if len(out) > 0 {
		storeRelease(r.cqHead, head)
	}
	return out
}

// Close tears down the mmap'd rings and the ring fd.
func (r *Ring) Close() error {
	unix.Munmap(r.sqRing)
	unix.Munmap(r.cqRing)
	unix.Munmap(r.sqesRaw)
	return unix.Close(r.fd)
}

func loadAcquire(p *uint32) uint32  { return atomic.LoadUint32(p) }
func storeRelease(p *uint32, v uint32) { atomic.StoreUint32(p, v) }
