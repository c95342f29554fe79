// Package fake
// Author: momentics <momentics@gmail.com>
//
// Segment allocator double for pool tests.

package fake

import (
	"errors"
	"sync"
	"unsafe"
)

// ErrAllocFailed is returned once the allocator's budget is spent.
var ErrAllocFailed = errors.New("fake allocator: allocation refused")

// Allocator hands out heap memory aligned to 64 bytes and can be told to fail.
type Allocator struct {
	mu     sync.Mutex
	budget int // remaining successful allocations, negative for unlimited
	allocs int
	frees  int
}

// NewAllocator returns an allocator that never fails.
func NewAllocator() *Allocator {
	return &Allocator{budget: -1}
}

// FailAfter lets n more allocations succeed and refuses the rest.
func (a *Allocator) FailAfter(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budget = n
}

// Alloc implements pool.Allocator.
func (a *Allocator) Alloc(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget == 0 {
		return nil, ErrAllocFailed
	}
	if a.budget > 0 {
		a.budget--
	}
	a.allocs++
	raw := make([]byte, size+64)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	shift := int((64 - addr%64) % 64)
	return raw[shift : shift+size : shift+size], nil
}

// Free implements pool.Allocator.
func (a *Allocator) Free([]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
	return nil
}

// Live returns the number of segments allocated and not yet freed.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs - a.frees
}
