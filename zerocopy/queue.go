// File: zerocopy/queue.go
// Package zerocopy implements the per-connection send queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Buffers wait in the send list until a scatter/gather send hands them to the
// kernel. With MSG_ZEROCOPY the kernel keeps reading the pages after the call
// returns, so sent buffers move to the pending list and are released only when
// a completion report covering their id arrives on the socket error queue.

package zerocopy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/pool"
)

// Config controls batching and the kernel send path.
type Config struct {
	// ZeroCopy adds MSG_ZEROCOPY to memory sends.
	ZeroCopy bool
	// BatchBytes is the queued byte count at which ShouldFlush fires.
	BatchBytes int
	// MaxIovecs caps the scatter/gather vector of one send.
	MaxIovecs int
}

// DefaultConfig batches up to 64 KiB across at most 64 buffers.
func DefaultConfig() Config {
	return Config{
		BatchBytes: 64 * 1024,
		MaxIovecs:  64,
	}
}

// Stats are send-path counters. One Stats may be shared by every queue of a
// worker through WithStats.
type Stats struct {
	Sends          uint64
	BytesSent      uint64
	Completions    uint64
	Copied         uint64 // completions where the kernel fell back to copying
	WouldBlock     uint64
	NoBufferSpace  uint64
	BatchSends     uint64
	TimeoutFlushes uint64

	// UnmatchedCompletions counts reports that released nothing. Non-zero
	// means the id bookkeeping is broken.
	UnmatchedCompletions uint64
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger sets the logger for completion faults.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithStats makes the queue count into st.
func WithStats(st *Stats) Option {
	return func(q *Queue) {
		if st != nil {
			q.stats = st
		}
	}
}

// WithClock replaces time.Now for batch timeout accounting.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithFirstCompletionID starts the id counter at id. The counter must track
// the socket's own counter, which begins at zero on a fresh socket.
func WithFirstCompletionID(id uint32) Option {
	return func(q *Queue) { q.nextID = id }
}

// Queue is a FIFO of buffer refs bound for one socket. Not safe for
// concurrent use; it belongs to the worker that owns the connection.
type Queue struct {
	cfg     Config
	send    *queue.Queue // *pool.Ref, StateQueued
	pending *queue.Queue // *pool.Ref, StatePending
	bytes   int
	files   int
	nextID  uint32
	first   time.Time

	// orphans are ids of sends that only advanced a partial head. Their
	// reports legitimately release nothing.
	orphans []uint32

	stats *Stats
	log   *slog.Logger
	now   func() time.Time

	iov  [][]byte
	reps []api.Completion
}

// New creates an empty queue.
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = def.BatchBytes
	}
	if cfg.MaxIovecs <= 0 {
		cfg.MaxIovecs = def.MaxIovecs
	}
	q := &Queue{
		cfg:     cfg,
		send:    queue.New(),
		pending: queue.New(),
		stats:   &Stats{},
		log:     slog.Default(),
		now:     time.Now,
		reps:    make([]api.Completion, 16),
	}
	for _, o := range opts {
		o(q)
	}
	q.iov = make([][]byte, 0, cfg.MaxIovecs)
	return q
}

// ZeroCopy reports whether memory sends request MSG_ZEROCOPY.
func (q *Queue) ZeroCopy() bool { return q.cfg.ZeroCopy }

// Add validates the view of r, takes a reference and appends it. A
// zero-length view is accepted and ignored.
func (q *Queue) Add(r *pool.Ref) error {
	if r == nil {
		return fmt.Errorf("zero-copy queue: nil buffer: %w", api.ErrInvalidArgument)
	}
	if !r.ValidView() {
		return fmt.Errorf("zero-copy queue: view (%d,%d) of %d-byte buffer: %w",
			r.Offset(), r.Len(), r.Cap(), api.ErrInvalidWindow)
	}
	if r.Len() == 0 {
		return nil
	}
	if err := r.MarkQueued(); err != nil {
		return err
	}
	r.Get()
	q.push(r)
	if r.Kind() == pool.KindFile {
		q.files++
	} else {
		q.bytes += r.Len()
	}
	return nil
}

// AddFile queues length bytes of f from offset for sendfile. The queue owns
// f from here on and closes it once the range is sent or the queue is
// cleaned up. File entries do not count toward the batch threshold; they
// make ShouldFlush fire at once.
func (q *Queue) AddFile(f *os.File, offset, length int64) error {
	r, err := pool.NewFileRef(f, offset, length)
	if err != nil {
		return err
	}
	if err := r.MarkQueued(); err != nil {
		r.Put()
		return err
	}
	q.push(r)
	q.files++
	return nil
}

func (q *Queue) push(r *pool.Ref) {
	if q.send.Length() == 0 {
		q.first = q.now()
	}
	q.send.Add(r)
}

// ShouldFlush reports whether enough bytes are queued to send a batch, or a
// file is waiting.
func (q *Queue) ShouldFlush() bool {
	if q.files > 0 {
		return true
	}
	if q.bytes >= q.cfg.BatchBytes {
		q.stats.BatchSends++
		return true
	}
	return false
}

// FlushDue reports whether the oldest queued entry has waited at least
// timeout. Callers poll it periodically so slow streams are not held back
// by the byte threshold.
func (q *Queue) FlushDue(timeout time.Duration) bool {
	if q.send.Length() == 0 {
		return false
	}
	if q.now().Sub(q.first) >= timeout {
		q.stats.TimeoutFlushes++
		return true
	}
	return false
}

// Send issues one send for the head of the queue and returns the bytes the
// kernel accepted. A file head goes out with sendfile; otherwise up to
// MaxIovecs consecutive memory buffers go out in one scatter/gather call.
// Transient backpressure, including ENOBUFS, yields api.ErrWouldBlock with
// the queue untouched.
func (q *Queue) Send(sock api.Socket) (int, error) {
	if q.send.Length() == 0 {
		return 0, nil
	}
	head := q.send.Peek().(*pool.Ref)
	if head.Kind() == pool.KindFile {
		return q.sendFile(sock, head)
	}

	q.iov = q.iov[:0]
	for i := 0; i < q.send.Length() && len(q.iov) < q.cfg.MaxIovecs; i++ {
		r := q.send.Get(i).(*pool.Ref)
		if r.Kind() == pool.KindFile {
			break
		}
		q.iov = append(q.iov, r.Bytes())
	}
	n, err := sock.SendBuffers(q.iov, q.cfg.ZeroCopy)
	for i := range q.iov {
		q.iov[i] = nil
	}
	if err != nil {
		return 0, q.sendError(err)
	}
	q.stats.Sends++
	q.stats.BytesSent += uint64(n)
	if n > 0 {
		var id uint32
		if q.cfg.ZeroCopy {
			id = q.nextID
			q.nextID++
		}
		if moved := q.consume(n, id); moved == 0 && q.cfg.ZeroCopy {
			q.orphans = append(q.orphans, id)
		}
	}
	if q.send.Length() > 0 {
		q.first = q.now()
	}
	return n, nil
}

func (q *Queue) sendError(err error) error {
	switch {
	case errors.Is(err, api.ErrWouldBlock):
		q.stats.WouldBlock++
		return api.ErrWouldBlock
	case errors.Is(err, api.ErrNoBufferSpace):
		q.stats.NoBufferSpace++
		return api.ErrWouldBlock
	}
	return err
}

// consume retires n sent bytes from the front of the send list. Fully sent
// buffers go to pending under id, or are released when the kernel copied
// them. A partially sent buffer keeps its place with the view advanced.
// It returns the number of fully sent buffers.
func (q *Queue) consume(n int, id uint32) int {
	moved := 0
	for n > 0 && q.send.Length() > 0 {
		r := q.send.Peek().(*pool.Ref)
		if n < r.Len() {
			r.Advance(n)
			r.ResetCompletionID()
			q.bytes -= n
			return moved
		}
		moved++
		n -= r.Len()
		q.bytes -= r.Len()
		q.send.Remove()
		if q.cfg.ZeroCopy {
			r.MarkPending(id)
			q.pending.Add(r)
			continue
		}
		r.MarkHeld()
		r.Put()
	}
	return moved
}

func (q *Queue) sendFile(sock api.Socket, r *pool.Ref) (int, error) {
	n, err := sock.SendFile(r.File(), int64(r.Offset()), r.Len())
	if err != nil {
		return 0, q.sendError(err)
	}
	if n == 0 {
		// The file is shorter than the queued range.
		q.dropHead()
		return 0, fmt.Errorf("zero-copy queue: sendfile at offset %d: %w", r.Offset(), io.ErrUnexpectedEOF)
	}
	q.stats.Sends++
	q.stats.BytesSent += uint64(n)
	r.Advance(n)
	if r.Len() == 0 {
		q.dropHead()
	}
	if q.send.Length() > 0 {
		q.first = q.now()
	}
	return n, nil
}

func (q *Queue) dropHead() {
	r := q.send.Remove().(*pool.Ref)
	if r.Kind() == pool.KindFile {
		q.files--
	} else {
		q.bytes -= r.Len()
	}
	r.MarkHeld()
	r.Put()
}

// HandleCompletions drains the socket error queue and releases every pending
// buffer a report covers. It returns the number of reports processed; an
// empty error queue is not an error.
func (q *Queue) HandleCompletions(sock api.Socket) (int, error) {
	reports := 0
	for {
		n, err := sock.ReadCompletions(q.reps)
		for _, c := range q.reps[:n] {
			q.Complete(c)
		}
		reports += n
		if err != nil {
			if errors.Is(err, api.ErrWouldBlock) {
				return reports, nil
			}
			return reports, err
		}
		if n == 0 {
			return reports, nil
		}
	}
}

// Complete applies one completion report and returns how many buffers it
// released. Pending order is preserved.
func (q *Queue) Complete(c api.Completion) int {
	q.stats.Completions++
	if c.Copied {
		q.stats.Copied++
	}
	released := 0
	for i := q.pending.Length(); i > 0; i-- {
		r := q.pending.Remove().(*pool.Ref)
		if c.Contains(r.CompletionID()) {
			r.MarkHeld()
			r.Put()
			released++
			continue
		}
		q.pending.Add(r)
	}
	orphaned := 0
	kept := q.orphans[:0]
	for _, id := range q.orphans {
		if c.Contains(id) {
			orphaned++
			continue
		}
		kept = append(kept, id)
	}
	q.orphans = kept
	if released == 0 && orphaned == 0 {
		q.stats.UnmatchedCompletions++
		q.log.Error("zero-copy queue: completion matched no pending buffer",
			"lo", c.Lo, "hi", c.Hi, "pending", q.pending.Length())
	}
	return released
}

// Cleanup releases every queued and pending buffer regardless of completion
// state and returns how many were dropped. Use it when the socket is closed:
// the kernel reports nothing further for it.
func (q *Queue) Cleanup() int {
	dropped := 0
	for q.send.Length() > 0 {
		q.dropHead()
		dropped++
	}
	for q.pending.Length() > 0 {
		r := q.pending.Remove().(*pool.Ref)
		r.MarkHeld()
		r.Put()
		dropped++
	}
	q.bytes = 0
	q.files = 0
	q.orphans = q.orphans[:0]
	return dropped
}

// Len is the number of entries not yet handed to the kernel.
func (q *Queue) Len() int { return q.send.Length() }

// Pending is the number of buffers waiting for a completion.
func (q *Queue) Pending() int { return q.pending.Length() }

// Bytes is the unsent memory byte count.
func (q *Queue) Bytes() int { return q.bytes }

// Idle reports whether nothing is queued or pending.
func (q *Queue) Idle() bool { return q.send.Length() == 0 && q.pending.Length() == 0 }

// NextCompletionID is the id the next zero-copy send will carry.
func (q *Queue) NextCompletionID() uint32 { return q.nextID }

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats { return *q.stats }
