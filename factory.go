package aio

// defaultQueueDepth is the submission-queue size New requests from the
// kernel-AIO backend before any halve-and-retry shrinking.
const defaultQueueDepth = 4096

// defaultIOCBSlots bounds in-flight operations for backends sized by IOCB
// cache capacity rather than kernel queue depth.
const defaultIOCBSlots = 1024
