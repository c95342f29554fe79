//go:build !linux
// +build !linux

// File: pool/mem_other.go
// Author: momentics <momentics@gmail.com>
//
// Heap-backed segment memory for platforms without the mmap path.

package pool

import "unsafe"

type heapAllocator struct{}

// DefaultAllocator returns the platform segment allocator.
func DefaultAllocator() Allocator { return heapAllocator{} }

func (heapAllocator) Alloc(size int) ([]byte, error) {
	raw := make([]byte, size+Alignment)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	shift := int(uintptr(alignUp(int(addr), Alignment)) - addr)
	return raw[shift : shift+size : shift+size], nil
}

func (heapAllocator) Free([]byte) error { return nil }
