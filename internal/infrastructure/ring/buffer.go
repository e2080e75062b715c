// ABOUTME: Fixed-capacity circular buffer of fixed-size blocks for captured frames
// ABOUTME: Push/pop never emit partial blocks; overflow drops oldest data or rejects
package ring

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBlockSize = errors.New("block size and block count must be positive")
	ErrOutOfMemory      = errors.New("ring buffer allocation failed")
)

// Policy selects what Push does when the write does not fit.
type Policy int

const (
	// OverwriteOldest always accepts the write and discards the oldest unread bytes.
	OverwriteOldest Policy = iota
	// RejectOnFull writes only what fits, trimmed to whole blocks.
	RejectOnFull
)

func (p Policy) String() string {
	switch p {
	case OverwriteOldest:
		return "overwrite_oldest"
	case RejectOnFull:
		return "reject_on_full"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "overwrite_oldest":
		return OverwriteOldest, nil
	case "reject_on_full":
		return RejectOnFull, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Buffer stores bytes in a fixed region of blockSize*blockCount bytes.
//
// The buffer does not remember a block size: every Push and Pop supplies its
// own. Callers must use one block size per buffer, otherwise block alignment
// is silently lost.
//
// Buffer is not safe for concurrent use. The owner serializes every call.
type Buffer struct {
	buf    []byte
	head   int // write position
	tail   int // read position
	full   bool
	policy Policy
}

func New(blockSize, blockCount int, policy Policy) (b *Buffer, err error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, ErrInvalidBlockSize
	}

	size := blockSize * blockCount
	if size/blockCount != blockSize {
		return nil, fmt.Errorf("%w: %d x %d bytes overflows", ErrOutOfMemory, blockSize, blockCount)
	}

	// make panics on impossible sizes; report it as an allocation failure.
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %v", ErrOutOfMemory, r)
		}
	}()

	return &Buffer{buf: make([]byte, size), policy: policy}, nil
}

// Push copies blockCount blocks from p. Only whole blocks present in p are
// considered. It returns the number of blocks written and whether the write
// exceeded the free space.
func (b *Buffer) Push(p []byte, blockSize, blockCount int) (int, bool) {
	if blockSize <= 0 || len(b.buf) == 0 {
		return 0, false
	}
	if whole := len(p) / blockSize; blockCount > whole {
		blockCount = whole
	}
	if blockCount <= 0 {
		return 0, false
	}

	requested := blockSize * blockCount
	space := b.Space()
	overflowed := requested > space

	n := requested
	if b.policy == RejectOnFull {
		if b.full {
			return 0, true
		}
		if n > space {
			n = space - space%blockSize
		}
	}

	p = p[:n]
	if n > len(b.buf) {
		// Only the newest len(b.buf) bytes survive; skip the rest but keep the
		// cursor arithmetic of a full-length write.
		drop := n - len(b.buf)
		b.head = (b.head + drop) % len(b.buf)
		p = p[drop:]
	}

	b.write(p)

	if overflowed && b.policy == OverwriteOldest {
		b.tail = b.head
	}
	if len(p) > 0 {
		b.full = b.head == b.tail
	}

	return n / blockSize, overflowed
}

// Pop copies up to blockCount whole blocks into dst and returns how many were
// copied. An empty buffer yields 0.
func (b *Buffer) Pop(dst []byte, blockSize, blockCount int) int {
	if blockSize <= 0 || len(b.buf) == 0 {
		return 0
	}
	if whole := len(dst) / blockSize; blockCount > whole {
		blockCount = whole
	}
	if blockCount <= 0 {
		return 0
	}

	n := blockSize * blockCount
	if avail := b.Len(); n > avail {
		n = avail - avail%blockSize
	}
	if n == 0 {
		return 0
	}

	first := len(b.buf) - b.tail
	if first >= n {
		copy(dst[:n], b.buf[b.tail:b.tail+n])
	} else {
		copy(dst[:first], b.buf[b.tail:])
		copy(dst[first:n], b.buf[:n-first])
	}

	b.tail = (b.tail + n) % len(b.buf)
	b.full = false

	return n / blockSize
}

func (b *Buffer) write(p []byte) {
	n := len(p)
	if n == 0 {
		return
	}

	first := len(b.buf) - b.head
	if first >= n {
		copy(b.buf[b.head:b.head+n], p)
	} else {
		copy(b.buf[b.head:], p[:first])
		copy(b.buf[:n-first], p[first:])
	}

	b.head = (b.head + n) % len(b.buf)
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	if b.full {
		return len(b.buf)
	}
	if len(b.buf) == 0 {
		return 0
	}
	return (b.head - b.tail + len(b.buf)) % len(b.buf)
}

// Cap returns the fixed capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Space returns the number of bytes that can be pushed without overflow.
func (b *Buffer) Space() int {
	return len(b.buf) - b.Len()
}

func (b *Buffer) Full() bool {
	return b.full
}

func (b *Buffer) Policy() Policy {
	return b.policy
}

// Release drops the storage. No Push or Pop may be in flight.
func (b *Buffer) Release() {
	b.buf = nil
	b.head, b.tail, b.full = 0, 0, false
}
