// ABOUTME: Read-only view of the device-owned region that is filled in two halves
// ABOUTME: Trims the region so each half holds a whole number of frames
package domain

import "fmt"

type Half int

const (
	First Half = iota
	Second
)

func (h Half) Other() Half {
	if h == First {
		return Second
	}
	return First
}

func (h Half) String() string {
	switch h {
	case First:
		return "first"
	case Second:
		return "second"
	default:
		return fmt.Sprintf("half(%d)", int(h))
	}
}

// Region borrows memory owned by the capture device. The device guarantees a
// half is not rewritten while its copy window is open.
type Region struct {
	buf []byte
}

// NewRegion wraps b, dropping trailing bytes so that each half is a multiple
// of frameSize.
func NewRegion(b []byte, frameSize int) Region {
	if frameSize <= 0 {
		return Region{}
	}
	n := len(b) - len(b)%(2*frameSize)
	return Region{buf: b[:n:n]}
}

func (r Region) Len() int {
	return len(r.buf)
}

func (r Region) HalfLen() int {
	return len(r.buf) / 2
}

// Half returns the bytes of one half. Callers must not modify them.
func (r Region) Half(h Half) []byte {
	n := r.HalfLen()
	if h == Second {
		return r.buf[n:]
	}
	return r.buf[:n]
}
