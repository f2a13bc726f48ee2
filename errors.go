package aio

import "errors"

// Sentinel errors returned by the public API.
var (
	// ErrEngineClosed is returned by SubmitIO and Bind once Close has begun.
	ErrEngineClosed = errors.New("aio: engine is closed")

	// ErrEmptyBuffer is returned when a Write is submitted with a zero-length
	// buffer.
	ErrEmptyBuffer = errors.New("aio: empty buffer")

	// ErrTagTooLong is returned when a caller-supplied tag exceeds MaxTagLen.
	ErrTagTooLong = errors.New("aio: tag exceeds MaxTagLen bytes")

	// ErrCallbackNotSet is returned by SubmitIO if no callback was registered.
	ErrCallbackNotSet = errors.New("aio: no callback registered")

	// ErrCallbackAlreadySet is returned by SetCallback if called more than once.
	ErrCallbackAlreadySet = errors.New("aio: callback already set")

	// ErrResourceExhausted is returned when a kernel async-I/O context
	// could not be created, or a submission could not be queued, even at
	// the retry floor.
	ErrResourceExhausted = errors.New("aio: kernel resource exhaustion below retry floor")
)
