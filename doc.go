// Package aio is an asynchronous I/O submission/completion engine layered
// on a cooperative worker thread pool.
//
// Callers hand the engine file-range read/write requests together with an
// opaque application tag. The engine dispatches each request to the
// fastest asynchronous primitive the host offers — io_uring on Linux, I/O
// completion ports on Windows, or a worker-pool-backed simulated backend
// everywhere else — collects completions, and invokes a registered
// callback on a pool worker. A callback never runs on the submitter's
// goroutine and never on the backend's completion/reaper goroutine.
//
// The package makes no attempt at prioritisation, cancellation of
// in-flight operations, vectored I/O, or ordering guarantees between
// concurrent submissions.
package aio
