// Package capture implements the shared circular capture buffer: one
// writer (the hardware drain thread) and any number of independent,
// rate-decoupled readers (streaming clients).
package capture

import (
	"fmt"
	"sync"
)

// ReaderStatus is the terminal status of a Reader, set exactly once
// over its lifetime and surfaced on Close.
type ReaderStatus int

const (
	// StatusClosed is the zero value: the reader has not yet reached
	// a terminal condition.
	StatusClosed ReaderStatus = iota
	// StatusAllRead means the capture ended and the reader consumed
	// every block the writer produced.
	StatusAllRead
	// StatusOverrun means the writer lapped the reader before it
	// could consume a block.
	StatusOverrun
	// StatusReset means the buffer was reset out from under the
	// reader while it was still attached.
	StatusReset
)

func (s ReaderStatus) String() string {
	switch s {
	case StatusClosed:
		return "Closed"
	case StatusAllRead:
		return "AllRead"
	case StatusOverrun:
		return "Overrun"
	case StatusReset:
		return "Reset"
	default:
		return fmt.Sprintf("ReaderStatus(%d)", int(s))
	}
}

// Buffer is a fixed-size ring of equal-sized blocks with one writer
// and any number of readers. All fields below the lock are protected
// by mu; blockSize and blockCount are immutable after New.
//
// cycleCount is kept at 64 bits: correctness depends on it never
// wrapping within the time a single slot remains unoverwritten, and a
// 64-bit counter makes that a non-concern at any realistic writer
// rate.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	blockSize  int
	blockCount int

	// data is the single backing allocation for all blocks, laid out
	// contiguously: block s occupies data[s*blockSize : (s+1)*blockSize].
	data []byte
	// written[s] is the number of bytes actually filled in block s.
	written []int

	inPtr        int
	cycleCount   uint64
	captureCount uint64
	active       bool
	readerCount  int
	lostBytes    uint64

	// writerHeld guards against a second concurrent writer borrowing
	// a write block; exclusivity is a programmer contract, not a
	// data race defense (the buffer's own mutex already prevents
	// torn reads/writes of the bookkeeping fields).
	writerHeld bool
}

// New creates a Buffer with blockCount blocks of blockSize bytes each.
func New(blockSize, blockCount int) *Buffer {
	if blockSize <= 0 || blockCount <= 0 {
		panic("capture: blockSize and blockCount must be positive")
	}
	b := &Buffer{
		blockSize:  blockSize,
		blockCount: blockCount,
		data:       make([]byte, blockSize*blockCount),
		written:    make([]int, blockCount),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// BlockSize returns the immutable per-block size.
func (b *Buffer) BlockSize() int { return b.blockSize }

// BlockCount returns the immutable number of blocks in the ring.
func (b *Buffer) BlockCount() int { return b.blockCount }

// StartWrite begins a new capture generation. Requires !active and
// reader_count == 0; violating this is a programmer error, not a
// runtime condition a caller can recover from, so it panics.
func (b *Buffer) StartWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active {
		panic("capture: StartWrite called while already active")
	}
	if b.readerCount != 0 {
		panic("capture: StartWrite called with readers still attached")
	}

	b.cycleCount = 0
	b.inPtr = 0
	b.lostBytes = 0
	for i := range b.written {
		b.written[i] = 0
	}
	b.active = true
}

// GetWriteBlock returns the byte slice backing the slot currently
// pointed to by in_ptr. It is an exclusive mutable borrow valid until
// the matching ReleaseWriteBlock call; the sole writer may fill it
// without holding the buffer's lock. Requires the buffer to be active.
func (b *Buffer) GetWriteBlock() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		panic("capture: GetWriteBlock called while inactive")
	}
	if b.writerHeld {
		panic("capture: GetWriteBlock called while a write block is already held")
	}
	b.writerHeld = true

	start := b.inPtr * b.blockSize
	return b.data[start : start+b.blockSize : start+b.blockSize]
}

// ReleaseWriteBlock publishes n bytes written into the block handed
// out by the preceding GetWriteBlock call, advances in_ptr, and wakes
// any readers waiting on new data. Requires active and n > 0.
func (b *Buffer) ReleaseWriteBlock(n int) {
	if n <= 0 {
		panic("capture: ReleaseWriteBlock requires n > 0")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		panic("capture: ReleaseWriteBlock called while inactive")
	}
	if !b.writerHeld {
		panic("capture: ReleaseWriteBlock called without a held write block")
	}
	b.writerHeld = false

	b.lostBytes += uint64(b.written[b.inPtr])
	b.written[b.inPtr] = n

	b.inPtr++
	if b.inPtr == b.blockCount {
		b.inPtr = 0
		b.cycleCount++
	}

	b.cond.Broadcast()
}

// abandonWriteBlock releases the exclusivity held by a GetWriteBlock
// call without publishing any bytes or advancing in_ptr, for a
// drain loop that wants to retry the same slot after a transient
// empty read. Internal only: not part of Buffer's public surface.
func (b *Buffer) abandonWriteBlock() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.writerHeld {
		panic("capture: abandonWriteBlock called without a held write block")
	}
	b.writerHeld = false
}

// EndWrite marks the capture inactive. If no readers remain attached,
// the generation is recycled immediately; otherwise readers are woken
// so they can observe end-of-stream on their next GetReadBlock.
func (b *Buffer) EndWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.active = false
	if b.readerCount == 0 {
		b.captureCount++
	}
	b.cond.Broadcast()
}

// Reset requires !active. Any attached readers are stranded into the
// Reset terminal status (discovered on their next status check) and
// the generation is advanced so they can detect the detachment.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active {
		panic("capture: Reset called while active")
	}
	if b.readerCount != 0 {
		b.readerCount = 0
		b.captureCount++
	}
	b.cond.Broadcast()
}

// Status is a point-in-time observability snapshot.
type Status struct {
	Active       bool
	ReaderCount  int
	CaptureCount uint64
}

// ReadStatus returns a snapshot of the buffer's active/reader-count/
// generation fields for observability (e.g. *CAPTURE.STATUS? and a
// session's wait-for-capture poll).
func (b *Buffer) ReadStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{Active: b.active, ReaderCount: b.readerCount, CaptureCount: b.captureCount}
}

// LostBytes returns the total bytes overwritten since the current
// capture started.
func (b *Buffer) LostBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lostBytes
}
