// File: relay/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker is the single-goroutine event loop that owns a buffer pool, a
// reactor, a listener and every session accepted on it.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-relay/affinity"
	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/transport"
	"github.com/momentics/hioload-relay/pool"
	"github.com/momentics/hioload-relay/reactor"
	"github.com/momentics/hioload-relay/reorder"
	"github.com/momentics/hioload-relay/zerocopy"
)

const (
	listenBacklog = 1024
	lingerTimeout = 5 * time.Second
	minPoll       = time.Millisecond
	maxPoll       = 50 * time.Millisecond
)

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger sets the base logger; the worker adds its id.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// WithAllocator replaces the segment memory allocator of the worker pool.
func WithAllocator(a pool.Allocator) Option {
	return func(w *Worker) {
		if a != nil {
			w.alloc = a
		}
	}
}

// WithCPU pins the event loop thread to logical CPU cpu while Run executes.
func WithCPU(cpu int) Option {
	return func(w *Worker) { w.cpu = cpu }
}

// WithClock replaces time.Now for batching and statistics.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

type workerCounters struct {
	accepted    uint64
	closed      uint64
	recvPackets uint64
	recvBytes   uint64
	recvDrops   uint64
}

// Worker relays the configured source to every client that connects to its
// listener. All methods except Snapshot and Port must be called from the
// goroutine running Run.
type Worker struct {
	id      int
	store   *control.ConfigStore
	cfg     control.Config
	metrics *control.MetricsRegistry
	probes  *control.DebugProbes
	log     *slog.Logger
	alloc   pool.Allocator
	now     func() time.Time
	cpu     int

	pool     *pool.Pool
	reactor  reactor.Reactor
	lfd      int
	port     int
	zeroCopy bool

	sessions  map[int]*Session // by client fd
	sources   map[int]*Session // by source fd
	streaming int

	counters      workerCounters
	send          zerocopy.Stats
	reorderClosed reorder.Stats

	batch   []*pool.Ref
	scratch []byte

	lastPublish time.Time
	last        atomic.Pointer[Snapshot]
}

// NewWorker builds the pool, the reactor and the listener of worker id from
// the current configuration in store. Failing to allocate the first pool
// segment aborts the start. metrics and probes may be nil.
func NewWorker(id int, store *control.ConfigStore, metrics *control.MetricsRegistry, probes *control.DebugProbes, opts ...Option) (*Worker, error) {
	w, err := newWorker(id, store, opts...)
	if err != nil {
		return nil, err
	}
	w.metrics = metrics
	w.probes = probes

	r, err := reactor.New()
	if err != nil {
		w.pool.Cleanup()
		return nil, fmt.Errorf("relay worker %d: %w", id, err)
	}
	w.reactor = r

	reusePort := w.cfg.Workers > 1
	lfd, err := transport.Listen(w.cfg.Listen, reusePort, listenBacklog)
	if err != nil {
		r.Close()
		w.pool.Cleanup()
		return nil, fmt.Errorf("relay worker %d: %w", id, err)
	}
	if err := r.Register(lfd, reactor.EventRead, w.onAccept); err != nil {
		transport.Close(lfd)
		r.Close()
		w.pool.Cleanup()
		return nil, fmt.Errorf("relay worker %d: %w", id, err)
	}
	w.lfd = lfd
	if w.port, err = transport.LocalPort(lfd); err != nil {
		w.log.Warn("relay worker: local port unknown", "err", err)
	}

	if w.cfg.ZeroCopy {
		w.zeroCopy = transport.ZeroCopySupported()
		if !w.zeroCopy {
			w.log.Warn("relay worker: zero-copy requested but not supported, using copying sends")
		}
	}
	if probes != nil {
		probes.RegisterProbe(w.key("pool"), func() any { return w.Snapshot() })
	}
	w.publish(w.now())
	return w, nil
}

// newWorker builds everything that does not touch the network.
func newWorker(id int, store *control.ConfigStore, opts ...Option) (*Worker, error) {
	w := &Worker{
		id:       id,
		store:    store,
		cfg:      store.Load(),
		log:      slog.Default(),
		alloc:    pool.DefaultAllocator(),
		now:      time.Now,
		cpu:      -1,
		lfd:      -1,
		sessions: make(map[int]*Session),
		sources:  make(map[int]*Session),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("worker", id)

	p, err := pool.New(poolConfig(w.cfg), pool.WithLogger(w.log), pool.WithAllocator(w.alloc))
	if err != nil {
		return nil, fmt.Errorf("relay worker %d: %w", id, err)
	}
	w.pool = p
	w.batch = make([]*pool.Ref, w.cfg.RecvBatch)
	w.scratch = make([]byte, max(w.cfg.BufferSize, 4096))
	return w, nil
}

func poolConfig(c control.Config) pool.Config {
	return pool.Config{
		BufferSize:     c.BufferSize,
		InitialBuffers: c.PoolInitial,
		MaxBuffers:     c.PoolMax,
		ExpandBuffers:  c.PoolExpand,
		LowWatermark:   c.LowWatermark,
		HighWatermark:  c.HighWatermark,
	}
}

func (w *Worker) key(kind string) string {
	return fmt.Sprintf("%s.%d", kind, w.id)
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.id }

// Port returns the bound listener port.
func (w *Worker) Port() int { return w.port }

// Run drives the event loop until ctx is cancelled or polling fails, then
// tears every session down and releases the pool.
func (w *Worker) Run(ctx context.Context) error {
	defer w.teardown()
	if w.cpu >= 0 {
		if err := affinity.Pin(w.cpu); err != nil {
			w.log.Warn("relay worker: cpu pinning failed", "cpu", w.cpu, "err", err)
		}
	}
	w.log.Info("relay worker: started",
		"listen", w.cfg.Listen, "port", w.port, "source", w.cfg.Source, "zerocopy", w.zeroCopy, "cpu", w.cpu)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.reactor.Poll(w.pollInterval()); err != nil {
			return fmt.Errorf("relay worker %d: %w", w.id, err)
		}
		w.tick(w.now())
	}
}

func (w *Worker) pollInterval() time.Duration {
	return min(max(w.cfg.BatchTimeout/4, minPoll), maxPoll)
}

// tick applies reloadable settings, flushes queues whose oldest entry has
// waited out the batch timeout, finishes lingering sessions and publishes
// statistics when due.
func (w *Worker) tick(now time.Time) {
	cur := w.store.Load()
	w.cfg.BatchTimeout = cur.BatchTimeout
	w.cfg.StatsInterval = cur.StatsInterval
	w.cfg.QueueMinBuffers = cur.QueueMinBuffers

	for _, s := range w.sessions {
		s.tick(now)
	}
	if now.Sub(w.lastPublish) >= w.cfg.StatsInterval {
		w.publish(now)
	}
}

func (w *Worker) onAccept(int, reactor.EventType) {
	for {
		fd, err := transport.Accept(w.lfd)
		if err != nil {
			if !errors.Is(err, api.ErrWouldBlock) {
				w.log.Warn("relay worker: accept", "err", err)
			}
			return
		}
		w.open(fd)
	}
}

func (w *Worker) open(fd int) {
	zc := w.zeroCopy
	if zc {
		if err := transport.EnableZeroCopy(fd); err != nil {
			w.log.Debug("relay worker: zero-copy refused on client socket", "fd", fd, "err", err)
			zc = false
		}
	}
	s := newSession(w, fd, transport.NewSocket(fd), zc)
	if err := w.reactor.Register(fd, reactor.EventRead, w.onClient); err != nil {
		w.log.Warn("relay worker: register client", "fd", fd, "err", err)
		transport.Close(fd)
		return
	}
	s.interest = reactor.EventRead
	w.sessions[fd] = s
	w.counters.accepted++
	s.log.Debug("relay session: accepted")
}

func (w *Worker) onClient(fd int, ev reactor.EventType) {
	if s, ok := w.sessions[fd]; ok {
		s.onClient(ev)
	}
}

func (w *Worker) onSource(fd int, ev reactor.EventType) {
	if s, ok := w.sources[fd]; ok {
		s.onSource(ev)
	}
}

// forget removes a finished session and gives idle pool segments back.
func (w *Worker) forget(s *Session) {
	delete(w.sessions, s.fd)
	w.counters.closed++
	if shrunk := w.pool.TryShrink(w.cfg.PoolInitial); shrunk > 0 {
		w.log.Debug("relay worker: pool shrunk", "segments", shrunk, "total", w.pool.Stats().TotalBuffers)
	}
}

// Snapshot returns the last published statistics. Safe from any goroutine.
func (w *Worker) Snapshot() Snapshot {
	if s := w.last.Load(); s != nil {
		return *s
	}
	return Snapshot{Worker: w.id}
}

func (w *Worker) publish(now time.Time) {
	w.lastPublish = now
	snap := &Snapshot{
		Worker:      w.id,
		Time:        now,
		ZeroCopy:    w.zeroCopy,
		Accepted:    w.counters.accepted,
		Closed:      w.counters.closed,
		RecvPackets: w.counters.recvPackets,
		RecvBytes:   w.counters.recvBytes,
		RecvDrops:   w.counters.recvDrops,
		Pool:        w.pool.Stats(),
		Send:        w.send,
		Reorder:     w.reorderClosed,
		Sessions:    make([]SessionSnapshot, 0, len(w.sessions)),
	}
	if err := w.pool.Verify(); err != nil {
		snap.PoolErr = err.Error()
		w.log.Error("relay worker: pool bookkeeping", "err", err)
	}
	for _, s := range w.sessions {
		ss := s.snapshot(now)
		if ss.Reorder != nil {
			addReorder(&snap.Reorder, *ss.Reorder)
		}
		snap.Sessions = append(snap.Sessions, ss)
	}
	w.last.Store(snap)
	if w.metrics != nil {
		w.metrics.Set(w.key("worker"), *snap)
	}
}

func (w *Worker) teardown() {
	for _, s := range w.sessions {
		s.finish()
	}
	if w.lfd >= 0 {
		if err := w.reactor.Unregister(w.lfd); err != nil {
			w.log.Debug("relay worker: unregister listener", "err", err)
		}
		transport.Close(w.lfd)
		w.lfd = -1
	}
	if w.reactor != nil {
		if err := w.reactor.Close(); err != nil {
			w.log.Debug("relay worker: close reactor", "err", err)
		}
	}
	w.publish(w.now())
	if w.probes != nil {
		w.probes.UnregisterProbe(w.key("pool"))
	}
	w.pool.Cleanup()
	w.log.Info("relay worker: stopped",
		"accepted", w.counters.accepted, "packets", w.counters.recvPackets, "drops", w.counters.recvDrops)
}
