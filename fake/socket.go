// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the socket and allocator
// seams of the relay core.

package fake

import (
	"os"
	"sync"

	"github.com/momentics/hioload-relay/api"
)

// Call records one send issued against a Socket.
type Call struct {
	Iovecs   int
	Bytes    int
	ZeroCopy bool
	File     bool
}

// Socket is a scripted implementation of api.Socket. By default every send
// is accepted in full; AcceptNext and FailNext shape the next calls.
type Socket struct {
	mu          sync.Mutex
	accept      []int
	errs        []error
	data        []byte
	calls       []Call
	completions []api.Completion
	readErr     error
}

// NewSocket creates a socket that accepts everything.
func NewSocket() *Socket {
	return &Socket{}
}

// AcceptNext limits the byte count accepted by the following sends, one
// limit per call. A negative limit accepts everything.
func (s *Socket) AcceptNext(limits ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accept = append(s.accept, limits...)
}

// FailNext makes the following sends fail with errs, one per call.
func (s *Socket) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

// Complete queues completion reports for ReadCompletions.
func (s *Socket) Complete(c ...api.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, c...)
}

// SetReadError makes ReadCompletions fail with err once the queue is empty.
func (s *Socket) SetReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// next pops the scripted outcome of one send: an error or a byte limit.
func (s *Socket) next() (int, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	limit := -1
	if len(s.accept) > 0 {
		limit = s.accept[0]
		s.accept = s.accept[1:]
	}
	return limit, nil
}

// SendBuffers implements api.Socket.SendBuffers.
func (s *Socket) SendBuffers(bufs [][]byte, zeroCopy bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit, err := s.next()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range bufs {
		if limit >= 0 && n+len(b) > limit {
			b = b[:limit-n]
		}
		s.data = append(s.data, b...)
		n += len(b)
		if limit >= 0 && n == limit {
			break
		}
	}
	s.calls = append(s.calls, Call{Iovecs: len(bufs), Bytes: n, ZeroCopy: zeroCopy})
	return n, nil
}

// SendFile implements api.Socket.SendFile by reading the file range.
func (s *Socket) SendFile(f *os.File, offset int64, count int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit, err := s.next()
	if err != nil {
		return 0, err
	}
	if limit >= 0 && count > limit {
		count = limit
	}
	buf := make([]byte, count)
	n, err := f.ReadAt(buf, offset)
	if n == 0 && err != nil {
		return 0, err
	}
	s.data = append(s.data, buf[:n]...)
	s.calls = append(s.calls, Call{Iovecs: 1, Bytes: n, File: true})
	return n, nil
}

// ReadCompletions implements api.Socket.ReadCompletions.
func (s *Socket) ReadCompletions(dst []api.Completion) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completions) == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		return 0, api.ErrWouldBlock
	}
	n := copy(dst, s.completions)
	s.completions = s.completions[n:]
	return n, nil
}

// Data returns every byte accepted so far, in send order.
func (s *Socket) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Calls returns the successful sends in order.
func (s *Socket) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}
