// File: api/socket.go
// Author: momentics <momentics@gmail.com>
//
// Socket abstraction consumed by the zero-copy send queue. The Linux
// implementation lives in internal/transport; tests use package fake.

package api

import "os"

// Completion is one zero-copy completion report: the kernel finished with
// every send whose id lies in the inclusive range [Lo, Hi]. The range wraps
// when Lo > Hi.
type Completion struct {
	Lo, Hi uint32
	// Copied reports that the kernel fell back to copying the payload.
	Copied bool
}

// Contains reports whether id lies in the completion range, honoring
// wraparound of the 32-bit id counter.
func (c Completion) Contains(id uint32) bool {
	if c.Lo <= c.Hi {
		return id >= c.Lo && id <= c.Hi
	}
	return id >= c.Lo || id <= c.Hi
}

// Socket is a connected, non-blocking stream socket.
//
// Every method maps a transient "try again" condition onto ErrWouldBlock and
// ENOBUFS onto ErrNoBufferSpace, so callers can match with errors.Is.
type Socket interface {
	// SendBuffers issues one scatter/gather send. zeroCopy asks the kernel to
	// pin the pages instead of copying them.
	SendBuffers(bufs [][]byte, zeroCopy bool) (int, error)

	// SendFile transmits up to count bytes of f starting at offset.
	SendFile(f *os.File, offset int64, count int) (int, error)

	// ReadCompletions drains pending completion reports into dst. It returns
	// ErrWouldBlock when the error queue is empty.
	ReadCompletions(dst []Completion) (int, error)
}
