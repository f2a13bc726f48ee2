package aio

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimulatedAIOWriteThenReadRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "aio-sim-*")
	require.NoError(t, err)
	defer f.Close()
	handle := FileHandle{File: f}

	pool := NewPool(testPoolConfig())
	defer pool.Shutdown()

	e := NewSimulatedAIO(pool, 8, 8)
	defer e.Close()

	type result struct {
		op  OpCode
		ret int
		err error
		buf []byte
		tag Tag
	}
	results := make(chan result, 2)
	require.NoError(t, e.SetCallback(func(_ FileHandle, op OpCode, _ uint64, buf []byte, ret int, err error, tag Tag) {
		results <- result{op, ret, err, buf, tag}
	}))

	payload := []byte("hello aio")
	writeTag, err := NewTag([]byte("write"))
	require.NoError(t, err)
	require.NoError(t, e.SubmitIO(handle, OpWrite, 0, payload, writeTag))

	wr := <-results
	require.Equal(t, OpWrite, wr.op)
	require.NoError(t, wr.err)
	require.Equal(t, len(payload), wr.ret)
	require.Equal(t, "write", string(wr.tag.Bytes()))

	readBuf := make([]byte, len(payload))
	readTag, err := NewTag([]byte("read"))
	require.NoError(t, err)
	require.NoError(t, e.SubmitIO(handle, OpRead, 0, readBuf, readTag))

	rr := <-results
	require.Equal(t, OpRead, rr.op)
	require.NoError(t, rr.err)
	require.Equal(t, len(payload), rr.ret)
	require.Equal(t, payload, readBuf)
	require.Equal(t, "read", string(rr.tag.Bytes()))
}

func TestSimulatedAIOManyConcurrentWrites(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "aio-sim-many-*")
	require.NoError(t, err)
	defer f.Close()
	handle := FileHandle{File: f}

	pool := NewPool(testPoolConfig())
	defer pool.Shutdown()

	e := NewSimulatedAIO(pool, 16, 16)
	defer e.Close()

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	require.NoError(t, e.SetCallback(func(FileHandle, OpCode, uint64, []byte, int, error, Tag) {
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
	case <-time.After(5 * time.Second):
		t.Fatal("not all writes completed")
	}

	e.WaitForPendingWrites()
	require.EqualValues(t, 0, e.PendingWrites())
}
