// File: relay/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session carries one client: its source socket, optional reorder window
// and zero-copy send queue.

package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/transport"
	"github.com/momentics/hioload-relay/pool"
	"github.com/momentics/hioload-relay/reactor"
	"github.com/momentics/hioload-relay/reorder"
	"github.com/momentics/hioload-relay/zerocopy"
)

const maxRequest = 8 << 10

const (
	streamHeader = "HTTP/1.1 200 OK\r\n" +
		"Content-Type: video/mp2t\r\n" +
		"Cache-Control: no-cache\r\n" +
		"Connection: close\r\n\r\n"
	unavailableHeader = "HTTP/1.1 503 Service Unavailable\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: close\r\n\r\n"
)

var errPeerClosed = errors.New("peer closed connection")

type sessionState uint8

const (
	stateRequest sessionState = iota
	stateStreaming
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateRequest:
		return "request"
	case stateStreaming:
		return "streaming"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Session relays the worker's source to one client connection.
type Session struct {
	id     uuid.UUID
	w      *Worker
	fd     int
	sock   api.Socket
	src    int
	queue  *zerocopy.Queue
	window *reorder.Window
	limit  limiter
	log    *slog.Logger

	state    sessionState
	interest reactor.EventType
	req      []byte
	opened   time.Time
	closing  time.Time
	stats    SessionStats
}

func newSession(w *Worker, fd int, sock api.Socket, zeroCopy bool) *Session {
	id := uuid.New()
	log := w.log.With("session", id.String())
	return &Session{
		id:   id,
		w:    w,
		fd:   fd,
		sock: sock,
		src:  -1,
		queue: zerocopy.New(zerocopy.Config{
			ZeroCopy:   zeroCopy,
			BatchBytes: w.cfg.BatchBytes,
			MaxIovecs:  w.cfg.MaxIovecs,
		}, zerocopy.WithLogger(log), zerocopy.WithStats(&w.send), zerocopy.WithClock(w.now)),
		log:    log,
		opened: w.now(),
	}
}

// ID returns the trace id of the session.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) onClient(ev reactor.EventType) {
	if ev&reactor.EventError != 0 {
		if err := s.onError(); err != nil {
			s.abort(err)
		}
	}
	if ev&reactor.EventRead != 0 && s.state != stateClosed {
		if err := s.read(); err != nil {
			s.abort(err)
		}
	}
	if ev&reactor.EventWrite != 0 && s.state != stateClosed {
		s.flush()
	}
	if ev&reactor.EventHangup != 0 && s.state != stateClosed {
		s.abort(errPeerClosed)
	}
}

// onError drains zero-copy completions. An error event that carried none
// is a real socket error.
func (s *Session) onError() error {
	n, err := s.queue.HandleCompletions(s.sock)
	if err != nil {
		return err
	}
	if n == 0 && s.fd >= 0 {
		if err := transport.SocketError(s.fd); err != nil {
			return fmt.Errorf("socket error: %w", err)
		}
	}
	if s.state == stateClosing && s.queue.Idle() {
		s.finish()
	}
	return nil
}

func (s *Session) read() error {
	buf := s.w.scratch
	for {
		n, err := transport.ReadPacket(s.fd, buf)
		if err != nil {
			if errors.Is(err, api.ErrWouldBlock) {
				return nil
			}
			return err
		}
		if n == 0 {
			return errPeerClosed
		}
		if s.state != stateRequest {
			continue
		}
		s.req = append(s.req, buf[:n]...)
		if bytes.Contains(s.req, []byte("\r\n\r\n")) {
			s.req = nil
			s.start()
			return nil
		}
		if len(s.req) > maxRequest {
			return fmt.Errorf("request header over %d bytes: %w", maxRequest, api.ErrInvalidArgument)
		}
	}
}

// start joins the source and begins streaming. A source that cannot be
// opened is answered with 503.
func (s *Session) start() {
	cfg := s.w.cfg
	src, err := transport.OpenSource(cfg.Source, cfg.Interface, 0)
	if err == nil {
		if err = s.w.reactor.Register(src, reactor.EventRead, s.w.onSource); err != nil {
			transport.Close(src)
		}
	}
	if err != nil {
		s.log.Warn("relay session: source unavailable", "source", cfg.Source, "err", err)
		if err := s.QueueOutput([]byte(unavailableHeader)); err != nil {
			s.abort(err)
			return
		}
		s.shutdown(err)
		return
	}
	s.src = src
	s.w.sources[src] = s
	if err := s.beginStream(); err != nil {
		s.abort(err)
	}
}

// beginStream queues the response header and the optional slate and moves
// the session to streaming.
func (s *Session) beginStream() error {
	cfg := s.w.cfg
	if cfg.RTP {
		win, err := reorder.New(reorder.Config{Size: cfg.ReorderWindow, InitCollect: cfg.ReorderCollect},
			s.deliver, reorder.WithLogger(s.log))
		if err != nil {
			return err
		}
		s.window = win
	}
	if err := s.QueueOutput([]byte(streamHeader)); err != nil {
		return err
	}
	if cfg.SlateFile != "" {
		if err := s.queueSlate(cfg.SlateFile); err != nil {
			s.log.Warn("relay session: slate skipped", "file", cfg.SlateFile, "err", err)
		}
	}
	s.state = stateStreaming
	s.w.streaming++
	s.log.Info("relay session: streaming", "source", cfg.Source, "rtp", cfg.RTP, "zerocopy", s.queue.ZeroCopy())
	s.flush()
	return nil
}

func (s *Session) queueSlate(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if err := s.queue.AddFile(f, 0, fi.Size()); err != nil {
		f.Close()
		return err
	}
	return nil
}

// QueueOutput copies b into pool buffers and queues them in order.
func (s *Session) QueueOutput(b []byte) error {
	for len(b) > 0 {
		r, err := s.w.pool.Alloc()
		if err != nil {
			return err
		}
		n := copy(r.Buf(), b)
		r.SetLen(n)
		err = s.queue.Add(r)
		r.Put()
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (s *Session) onSource(ev reactor.EventType) {
	if ev&reactor.EventError != 0 {
		err := transport.SocketError(s.src)
		s.log.Warn("relay session: source error", "err", err)
		s.shutdown(err)
		return
	}
	if ev&reactor.EventRead != 0 {
		s.receive()
	}
}

// receive reads up to one batch of datagrams into freshly allocated
// buffers. When the pool is exhausted the socket is drained into scratch
// space so the sender is never stalled.
func (s *Session) receive() {
	w := s.w
	n := w.pool.AllocBatch(w.batch)
	if n == 0 {
		s.drain()
		return
	}
	var err error
	for i := 0; i < n; i++ {
		r := w.batch[i]
		w.batch[i] = nil
		if err == nil {
			var k int
			if k, err = transport.ReadPacket(s.src, r.Buf()); err == nil {
				r.SetLen(k)
				s.ingest(r)
			}
		}
		r.Put()
	}
	if err != nil && !errors.Is(err, api.ErrWouldBlock) {
		s.log.Warn("relay session: source read", "err", err)
		s.shutdown(err)
		return
	}
	s.maybeFlush()
}

func (s *Session) drain() {
	for i := 0; i < len(s.w.batch); i++ {
		if _, err := transport.ReadPacket(s.src, s.w.scratch); err != nil {
			return
		}
		s.w.counters.recvDrops++
	}
}

// ingest routes one received packet: RTP packets through the reorder
// window with the header stripped, everything else straight to the queue.
// The caller keeps its reference.
func (s *Session) ingest(r *pool.Ref) {
	s.stats.Packets++
	s.stats.Bytes += uint64(r.Len())
	s.w.counters.recvPackets++
	s.w.counters.recvBytes += uint64(r.Len())

	if s.window != nil {
		if seq, off, n, ok := ParseRTP(r.Bytes()); ok {
			r.SetView(off, n)
			if _, err := s.window.Insert(r, seq); err != nil {
				s.log.Debug("relay session: reorder delivery", "seq", seq, "err", err)
			}
			return
		}
	}
	if err := s.deliver(r); err != nil {
		s.log.Debug("relay session: enqueue", "err", err)
	}
}

// deliver queues r unless the session is over its fair share of the pool.
func (s *Session) deliver(r *pool.Ref) error {
	if s.state == stateClosing || s.state == stateClosed {
		return api.ErrClosed
	}
	w := s.w
	queued := s.queue.Len() + s.queue.Pending()
	limit := s.limit.update(w.pool.Stats(), limitParams{
		bufferSize:   w.cfg.BufferSize,
		minBuffers:   w.cfg.QueueMinBuffers,
		lowWatermark: w.cfg.LowWatermark,
	}, w.streaming, queued, w.now())
	if queued*w.cfg.BufferSize+r.Len() > limit {
		s.stats.DroppedPackets++
		s.stats.DroppedBytes += uint64(r.Len())
		return nil
	}
	if err := s.queue.Add(r); err != nil {
		return err
	}
	s.stats.QueueHighwater = max(s.stats.QueueHighwater, s.queue.Len()+s.queue.Pending())
	return nil
}

func (s *Session) writeBlocked() bool {
	return s.interest&reactor.EventWrite != 0
}

func (s *Session) maybeFlush() {
	if !s.writeBlocked() && s.queue.Len() > 0 && s.queue.ShouldFlush() {
		s.flush()
	}
}

// flush sends until the queue is empty or the socket pushes back, and
// keeps write interest armed only while data is blocked.
func (s *Session) flush() {
	for s.queue.Len() > 0 {
		n, err := s.queue.Send(s.sock)
		if errors.Is(err, api.ErrWouldBlock) || (err == nil && n == 0) {
			s.setWriteInterest(true)
			return
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warn("relay session: slate truncated", "err", err)
				continue
			}
			s.abort(err)
			return
		}
	}
	s.setWriteInterest(false)
	if s.state == stateClosing && s.queue.Idle() {
		s.finish()
	}
}

func (s *Session) setWriteInterest(on bool) {
	want := reactor.EventRead
	if on {
		want |= reactor.EventWrite
	}
	if want == s.interest {
		return
	}
	if err := s.w.reactor.Modify(s.fd, want); err != nil {
		s.log.Warn("relay session: modify interest", "err", err)
		return
	}
	s.interest = want
}

func (s *Session) tick(now time.Time) {
	switch s.state {
	case stateStreaming:
		if !s.writeBlocked() && s.queue.FlushDue(s.w.cfg.BatchTimeout) {
			s.flush()
		}
	case stateClosing:
		if !s.writeBlocked() && s.queue.Len() > 0 {
			s.flush()
		}
		if s.state == stateClosing && now.Sub(s.closing) >= lingerTimeout {
			s.log.Warn("relay session: linger timeout",
				"queued", s.queue.Len(), "pending", s.queue.Pending())
			s.finish()
		}
	}
}

// stopSource leaves the source and drops every packet still held for
// reordering.
func (s *Session) stopSource() {
	if s.src >= 0 {
		if err := s.w.reactor.Unregister(s.src); err != nil {
			s.log.Debug("relay session: unregister source", "err", err)
		}
		delete(s.w.sources, s.src)
		transport.Close(s.src)
		s.src = -1
	}
	if s.window != nil {
		addReorder(&s.w.reorderClosed, s.window.Stats())
		s.window.Cleanup()
		s.window = nil
	}
	if s.state == stateStreaming {
		s.w.streaming--
	}
}

// shutdown stops the source and lets the queue drain: the session lingers
// until everything queued has been sent and every zero-copy completion has
// arrived.
func (s *Session) shutdown(reason error) {
	if s.state == stateClosing || s.state == stateClosed {
		return
	}
	s.log.Info("relay session: closing", "reason", reason)
	s.stopSource()
	s.state = stateClosing
	s.closing = s.w.now()
	if s.queue.Idle() {
		s.finish()
		return
	}
	if !s.writeBlocked() {
		s.flush()
	}
}

// abort closes at once, dropping whatever is still queued.
func (s *Session) abort(reason error) {
	if s.state == stateClosed {
		return
	}
	if errors.Is(reason, errPeerClosed) {
		s.log.Info("relay session: client gone")
	} else {
		s.log.Warn("relay session: aborted", "err", reason)
	}
	s.finish()
}

// finish releases everything the session owns.
func (s *Session) finish() {
	if s.state == stateClosed {
		return
	}
	s.stopSource()
	s.state = stateClosed
	dropped := s.queue.Cleanup()
	if s.fd >= 0 {
		if err := s.w.reactor.Unregister(s.fd); err != nil {
			s.log.Debug("relay session: unregister client", "err", err)
		}
		transport.Close(s.fd)
	}
	s.w.forget(s)
	s.log.Info("relay session: closed",
		"age", s.w.now().Sub(s.opened), "packets", s.stats.Packets,
		"dropped", s.stats.DroppedPackets, "discarded", dropped)
}

func (s *Session) snapshot(now time.Time) SessionSnapshot {
	ss := SessionSnapshot{
		ID:         s.id,
		State:      s.state.String(),
		Age:        now.Sub(s.opened),
		ZeroCopy:   s.queue.ZeroCopy(),
		Queued:     s.queue.Len(),
		Pending:    s.queue.Pending(),
		LimitBytes: s.limit.last,
		Slow:       s.limit.slow,
		Stats:      s.stats,
	}
	if s.window != nil {
		st := s.window.Stats()
		ss.Reorder = &st
	}
	return ss
}
