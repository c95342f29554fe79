// File: pool/segment.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Segments: contiguous, cache-aligned runs of fixed-size buffers.

package pool

import (
	"time"
	"unsafe"
)

// Alignment is the cache line size every buffer starts on.
const Alignment = 64

// Allocator supplies raw segment memory. The returned slice must start on an
// Alignment boundary.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(mem []byte) error
}

type segment struct {
	mem        []byte
	refs       []Ref
	numBuffers int
	numFree    int
	created    time.Time
	freed      bool
	pool       *Pool
	next       *segment
}

// base and end bound the segment memory by address.
func (s *segment) base() uintptr { return uintptr(unsafe.Pointer(unsafe.SliceData(s.mem))) }
func (s *segment) end() uintptr  { return s.base() + uintptr(len(s.mem)) }

// contains matches a buffer to the segment by address range.
func (s *segment) contains(r *Ref) bool {
	if len(r.data) == 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
	return addr >= s.base() && addr < s.end()
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
