// File: pool/ref.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reference-counted buffer handle shared by the pool, send queues and
// reorder windows.

package pool

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/momentics/hioload-relay/api"
)

// Kind tells what backs a Ref.
type Kind uint8

const (
	// KindMemory is a fixed-size buffer carved out of a pool segment.
	KindMemory Kind = iota
	// KindFile is an open file streamed with sendfile.
	KindFile
)

func (k Kind) String() string {
	if k == KindFile {
		return "file"
	}
	return "memory"
}

// State is the linkage of a Ref. A Ref is in exactly one state at a time.
type State uint8

const (
	// StateFree: linked into the pool free list.
	StateFree State = iota
	// StateHeld: owned by callers (receive path, reorder slots), not linked
	// into any list.
	StateHeld
	// StateQueued: linked into a send queue, not yet handed to the kernel.
	StateQueued
	// StatePending: handed to the kernel, waiting for a zero-copy completion.
	StatePending
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateHeld:
		return "held"
	case StateQueued:
		return "queued"
	case StatePending:
		return "pending"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Ref is a handle to one pool buffer or one file queued for sendfile.
//
// The logical view (Offset, Len) selects the bytes that will be transmitted.
// For file refs the view is the file offset and the remaining byte count.
type Ref struct {
	kind  Kind
	state State
	refs  int32

	data []byte // full buffer, len == cap == pool buffer size
	off  int
	n    int

	seg  *segment
	next *Ref // free list link, only meaningful in StateFree

	file *os.File
	zcID uint32
}

// NewFileRef wraps f as a file-backed reference with refcount 1. The ref owns
// f and closes it when the last reference is released.
func NewFileRef(f *os.File, offset, length int64) (*Ref, error) {
	if f == nil || offset < 0 || length <= 0 {
		return nil, fmt.Errorf("file ref: offset %d length %d: %w", offset, length, api.ErrInvalidWindow)
	}
	return &Ref{
		kind:  KindFile,
		state: StateHeld,
		refs:  1,
		off:   int(offset),
		n:     int(length),
		file:  f,
	}, nil
}

// Get takes an additional reference. Nil refs are ignored.
func (r *Ref) Get() {
	if r != nil {
		r.refs++
	}
}

// Put drops one reference. The last Put returns a memory buffer to its pool
// or closes the file of a file ref.
func (r *Ref) Put() {
	if r == nil {
		return
	}
	if r.refs <= 0 {
		r.doubleRelease()
		return
	}
	r.refs--
	if r.refs > 0 {
		return
	}
	if r.kind == KindFile {
		r.state = StateFree
		if r.file != nil {
			if err := r.file.Close(); err != nil {
				slog.Debug("buffer ref: closing file", "err", err)
			}
			r.file = nil
		}
		return
	}
	r.seg.pool.release(r)
}

func (r *Ref) doubleRelease() {
	if r.kind == KindMemory && r.seg != nil && r.seg.pool != nil {
		r.seg.pool.stats.DoubleReleases++
		r.seg.pool.log.Error("buffer ref: released more often than acquired", "state", r.state)
		return
	}
	slog.Error("buffer ref: released more often than acquired", "kind", r.kind, "state", r.state)
}

// Refs returns the current reference count.
func (r *Ref) Refs() int { return int(r.refs) }

// Kind returns the backing kind.
func (r *Ref) Kind() Kind { return r.kind }

// State returns the current linkage state.
func (r *Ref) State() State { return r.state }

// Buf returns the whole writable buffer regardless of the view.
func (r *Ref) Buf() []byte { return r.data }

// Bytes returns the bytes selected by the view. Nil for file refs.
func (r *Ref) Bytes() []byte {
	if r.kind == KindFile {
		return nil
	}
	return r.data[r.off : r.off+r.n]
}

// Cap is the usable size of a memory buffer.
func (r *Ref) Cap() int { return len(r.data) }

// Offset returns the start of the view.
func (r *Ref) Offset() int { return r.off }

// Len returns the length of the view.
func (r *Ref) Len() int { return r.n }

// SetLen sets the view to the first n bytes of the buffer.
func (r *Ref) SetLen(n int) {
	r.off = 0
	r.n = n
}

// SetView selects [off, off+n) as the bytes to transmit. The window is
// validated when the ref is queued.
func (r *Ref) SetView(off, n int) {
	r.off = off
	r.n = n
}

// ValidView reports whether the view lies inside the buffer.
func (r *Ref) ValidView() bool {
	if r.off < 0 || r.n < 0 {
		return false
	}
	if r.kind == KindFile {
		return r.file != nil
	}
	return r.off+r.n <= len(r.data)
}

// Advance consumes n bytes from the front of the view after a partial send.
func (r *Ref) Advance(n int) {
	if n > r.n {
		n = r.n
	}
	r.off += n
	r.n -= n
}

// File returns the file of a file ref.
func (r *Ref) File() *os.File { return r.file }

// CompletionID returns the zero-copy id of the send that carried the buffer.
// Zero while the buffer still has unsent bytes.
func (r *Ref) CompletionID() uint32 { return r.zcID }

// MarkQueued links a held ref into a send list.
func (r *Ref) MarkQueued() error {
	if r.state != StateHeld {
		return fmt.Errorf("buffer ref in state %s: %w", r.state, api.ErrAlreadyQueued)
	}
	r.state = StateQueued
	r.zcID = 0
	return nil
}

// MarkPending moves a queued ref to the pending-completion list under id.
func (r *Ref) MarkPending(id uint32) {
	if r.state != StateQueued {
		panic(fmt.Sprintf("buffer ref: pending transition from %s", r.state))
	}
	r.state = StatePending
	r.zcID = id
}

// ResetCompletionID clears the id of a partially sent ref. Its remaining
// bytes get a new id on the next send.
func (r *Ref) ResetCompletionID() { r.zcID = 0 }

// MarkHeld unlinks a queued or pending ref. The caller still owns the
// reference the queue held and must Put it.
func (r *Ref) MarkHeld() {
	if r.state != StateQueued && r.state != StatePending {
		panic(fmt.Sprintf("buffer ref: unlink from %s", r.state))
	}
	r.state = StateHeld
	r.zcID = 0
}
