package aio

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubBackend is a minimal backend for exercising Engine's bookkeeping in
// isolation from any real asynchronous I/O primitive.
type stubBackend struct {
	submitErr error
	submitted chan struct{}
	closed    bool
}

func (s *stubBackend) bind(FileHandle) error { return nil }
func (s *stubBackend) unbind(FileHandle)     {}
func (s *stubBackend) submit(FileHandle, OpCode, uint64, []byte, Tag) error {
	if s.submitted != nil {
		s.submitted <- struct{}{}
	}
	return s.submitErr
}
func (s *stubBackend) close() { s.closed = true }

func TestEngineSetCallbackOnlyOnce(t *testing.T) {
	e := newEngine(&stubBackend{})
	require.NoError(t, e.SetCallback(func(FileHandle, OpCode, uint64, []byte, int, error, Tag) {}))
	require.ErrorIs(t, e.SetCallback(func(FileHandle, OpCode, uint64, []byte, int, error, Tag) {}), ErrCallbackAlreadySet)
}

func TestEngineSubmitIORequiresCallback(t *testing.T) {
	e := newEngine(&stubBackend{})
	err := e.SubmitIO(FileHandle{}, OpRead, 0, make([]byte, 4), Tag{})
	require.ErrorIs(t, err, ErrCallbackNotSet)
}

func TestEngineSubmitIORejectsEmptyWriteBuffer(t *testing.T) {
	e := newEngine(&stubBackend{})
	require.NoError(t, e.SetCallback(func(FileHandle, OpCode, uint64, []byte, int, error, Tag) {}))

	err := e.SubmitIO(FileHandle{}, OpWrite, 0, nil, Tag{})
	require.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestEngineSubmitIOAfterCloseFails(t *testing.T) {
	e := newEngine(&stubBackend{})
	require.NoError(t, e.SetCallback(func(FileHandle, OpCode, uint64, []byte, int, error, Tag) {}))
	require.NoError(t, e.Close())

	err := e.SubmitIO(FileHandle{}, OpRead, 0, make([]byte, 4), Tag{})
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestEnginePendingCountersTrackSubmitAndComplete(t *testing.T) {
	backend := &stubBackend{}
	e := newEngine(backend)
	require.NoError(t, e.SetCallback(func(FileHandle, OpCode, uint64, []byte, int, error, Tag) {}))

	require.NoError(t, e.SubmitIO(FileHandle{}, OpRead, 0, make([]byte, 4), Tag{}))
	require.EqualValues(t, 1, e.PendingReads())

	e.executeCallback(FileHandle{}, OpRead, 0, nil, 4, nil, Tag{})
	require.EqualValues(t, 0, e.PendingReads())
}

func TestEnginePendingCounterDecrementsOnSynchronousSubmitFailure(t *testing.T) {
	backend := &stubBackend{submitErr: errors.New("boom")}
	e := newEngine(backend)
	require.NoError(t, e.SetCallback(func(FileHandle, OpCode, uint64, []byte, int, error, Tag) {}))

	err := e.SubmitIO(FileHandle{}, OpWrite, 0, []byte{1}, Tag{})
	require.Error(t, err)
	require.EqualValues(t, 0, e.PendingWrites())
}

func TestEngineWaitForPendingWritesBlocksUntilDrained(t *testing.T) {
	backend := &stubBackend{}
	e := newEngine(backend)
	require.NoError(t, e.SetCallback(func(FileHandle, OpCode, uint64, []byte, int, error, Tag) {}))
	require.NoError(t, e.SubmitIO(FileHandle{}, OpWrite, 0, []byte{1}, Tag{}))

	waitDone := make(chan struct{})
	go func() {
		e.WaitForPendingWrites()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("WaitForPendingWrites returned before the write completed")
	case <-time.After(20 * time.Millisecond):
	}

	e.executeCallback(FileHandle{}, OpWrite, 0, nil, 1, nil, Tag{})

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("WaitForPendingWrites never returned")
	}
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	backend := &stubBackend{}
	e := newEngine(backend)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	require.True(t, backend.closed)
}
