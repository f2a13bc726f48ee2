package aio

import "os"

// FileHandle is the native file handle the engine operates on: an already
// open *os.File, provided and owned by the caller. The engine never closes
// it — ownership never transfers.
//
// On POSIX hosts *os.File.Fd() is the file descriptor the kernel-AIO and
// simulated backends operate on directly; on Windows it is the HANDLE the
// completion-port backend associates with its I/O completion port.
type FileHandle struct {
	File *os.File
}

// Fd returns the OS-native descriptor/handle value.
func (h FileHandle) Fd() uintptr { return h.File.Fd() }
