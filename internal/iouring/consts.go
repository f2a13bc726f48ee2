//go:build linux

// Package iouring provides the minimal io_uring syscall surface this
// module's Linux kernel-AIO backend needs: ring setup, SQE submission, and
// CQE reaping. It is deliberately narrow — no fixed buffers/files, no
// SQPOLL — because the AIO engine only ever issues plain positional
// read/write SQEs.
package iouring

// Syscall numbers (x86_64). arm64 shares the same numbers for these three.
const (
	sysIoUringSetup    = 425
	sysIoUringEnter    = 426
	sysIoUringRegister = 427
)

// Op is an io_uring_op opcode.
type Op uint8

const (
	OpNop Op = iota
	OpReadv
	OpWritev
	OpFsync
	OpReadFixed
	OpWriteFixed
	OpPollAdd
	OpPollRemove
	OpSyncFileRange
	OpSendmsg
	OpRecvmsg
	OpTimeout
	OpTimeoutRemove
	OpAccept
	OpAsyncCancel
	OpLinkTimeout
	OpConnect
	OpFallocate
	OpOpenat
	OpClose
	OpFilesUpdate
	OpStatx
	OpRead
	OpWrite
)

// Setup flags (IORING_SETUP_*).
const (
	SetupIOPoll       uint32 = 1 << 0
	SetupSQPoll       uint32 = 1 << 1
	SetupSQAff        uint32 = 1 << 2
	SetupCQSize       uint32 = 1 << 3
	SetupClamp        uint32 = 1 << 4
	SetupAttachWQ     uint32 = 1 << 5
	SetupRDisabled    uint32 = 1 << 6
)

// Feature flags (IORING_FEAT_*).
const (
	FeatSingleMmap   uint32 = 1 << 0
	FeatNoDrop       uint32 = 1 << 1
	FeatSubmitStable uint32 = 1 << 2
	FeatRWCurPos     uint32 = 1 << 3
)

// Enter flags (IORING_ENTER_*).
const (
	EnterGetEvents uint32 = 1 << 0
)
