//go:build linux
// +build linux

// File: pool/mem_linux.go
// Author: momentics <momentics@gmail.com>
//
// Segment memory backed by anonymous mmap. Page alignment implies cache-line
// alignment, and pages are returned to the kernel as soon as a segment is
// shrunk away.

package pool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type mmapAllocator struct{}

// DefaultAllocator returns the platform segment allocator.
func DefaultAllocator() Allocator { return mmapAllocator{} }

func (mmapAllocator) Alloc(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func (mmapAllocator) Free(mem []byte) error {
	return unix.Munmap(mem)
}
