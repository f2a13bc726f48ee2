//go:build linux

package aio

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestKernelAIOBackToBackWritesNoneLost submits many more writes than the
// backend's in-flight IOCB budget back-to-back against a real file and
// checks every one completes with no lost callback and no EAGAIN-equivalent
// error escaping to the caller. Skips rather than fails if this environment
// doesn't permit io_uring (e.g. a seccomp profile blocking io_uring_setup).
func TestKernelAIOBackToBackWritesNoneLost(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "aio-kernel-*")
	require.NoError(t, err)
	defer f.Close()
	handle := FileHandle{File: f}

	pool := NewPool(testPoolConfig())
	defer pool.Shutdown()

	e, err := NewKernelAIO(pool, ringSizeFloor, 8)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	defer e.Close()

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)

	var mu sync.Mutex
	var failed []error
	require.NoError(t, e.SetCallback(func(_ FileHandle, _ OpCode, _ uint64, _ []byte, _ int, err error, _ Tag) {
		if err != nil {
			mu.Lock()
			failed = append(failed, err)
			mu.Unlock()
		}
		wg.Done()
	}))

	for i := 0; i < n; i++ {
		buf := []byte{byte(i)}
		require.NoError(t, e.SubmitIO(handle, OpWrite, uint64(i), buf, Tag{}))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("not all %d writes completed, pending=%d", n, e.PendingWrites())
	}

	require.Empty(t, failed, "no write should surface an error to its callback")
	e.WaitForPendingWrites()
	require.EqualValues(t, 0, e.PendingWrites())
}

// TestKernelAIOCloseUnblocksReaper exercises the shutdown path: Close must
// return promptly even with the reaper goroutine parked in a blocking
// io_uring_enter(GETEVENTS) wait at the time it's called.
func TestKernelAIOCloseUnblocksReaper(t *testing.T) {
	pool := NewPool(testPoolConfig())
	defer pool.Shutdown()

	e, err := NewKernelAIO(pool, ringSizeFloor, 8)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let the reaper goroutine reach its blocking Enter call

	done := make(chan struct{})
	go func() {
		require.NoError(t, e.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return; reaper goroutine likely still blocked in io_uring_enter")
	}
}
