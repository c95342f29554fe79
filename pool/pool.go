// File: pool/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"github.com/momentics/hioload-relay/api"
)

// Config sizes the pool. Counts are in buffers.
type Config struct {
	BufferSize     int
	InitialBuffers int
	MaxBuffers     int
	ExpandBuffers  int
	LowWatermark   int
	HighWatermark  int
}

// DefaultConfig fits one MTU-sized datagram per buffer.
func DefaultConfig() Config {
	return Config{
		BufferSize:     1536,
		InitialBuffers: 1024,
		MaxBuffers:     16384,
		ExpandBuffers:  512,
		LowWatermark:   256,
		HighWatermark:  3072,
	}
}

func (c Config) validate() error {
	switch {
	case c.BufferSize <= 0:
		return fmt.Errorf("buffer size %d: %w", c.BufferSize, api.ErrInvalidArgument)
	case c.InitialBuffers <= 0:
		return fmt.Errorf("initial buffers %d: %w", c.InitialBuffers, api.ErrInvalidArgument)
	case c.MaxBuffers < c.InitialBuffers:
		return fmt.Errorf("max buffers %d below initial %d: %w", c.MaxBuffers, c.InitialBuffers, api.ErrInvalidArgument)
	case c.ExpandBuffers <= 0:
		return fmt.Errorf("expand step %d: %w", c.ExpandBuffers, api.ErrInvalidArgument)
	case c.LowWatermark < 0 || c.HighWatermark < c.LowWatermark:
		return fmt.Errorf("watermarks %d/%d: %w", c.LowWatermark, c.HighWatermark, api.ErrInvalidArgument)
	}
	return nil
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	TotalBuffers int
	FreeBuffers  int
	MaxBuffers   int
	Segments     int

	Expansions  uint64
	Exhaustions uint64
	Shrinks     uint64

	// Bookkeeping faults. Non-zero values indicate a bug.
	ShrinkInconsistencies uint64
	DoubleReleases        uint64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for growth, shrink and fault reports.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithAllocator replaces the platform segment allocator.
func WithAllocator(a Allocator) Option {
	return func(p *Pool) {
		if a != nil {
			p.allocator = a
		}
	}
}

// Pool hands out fixed-size buffers from a list of segments through one
// pool-wide free list.
type Pool struct {
	cfg       Config
	stride    int
	allocator Allocator
	log       *slog.Logger

	segments   *segment // newest first
	free       *Ref
	numFree    int
	numBuffers int
	numSegs    int
	closed     bool

	stats Stats
}

// New allocates the initial segment. Failing to get it is fatal for the
// caller: a worker cannot run without buffers.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:       cfg,
		stride:    alignUp(cfg.BufferSize, Alignment),
		allocator: DefaultAllocator(),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.addSegment(cfg.InitialBuffers); err != nil {
		return nil, fmt.Errorf("buffer pool: initial segment of %d buffers: %w", cfg.InitialBuffers, err)
	}
	p.log.Debug("buffer pool: initialized",
		"buffer_size", cfg.BufferSize, "buffers", cfg.InitialBuffers, "max", cfg.MaxBuffers)
	return p, nil
}

// BufferSize returns the usable bytes per buffer.
func (p *Pool) BufferSize() int { return p.cfg.BufferSize }

// Config returns the sizing the pool was built with.
func (p *Pool) Config() Config { return p.cfg }

func (p *Pool) addSegment(n int) error {
	mem, err := p.allocator.Alloc(p.stride * n)
	if err != nil {
		return err
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%Alignment != 0 {
		_ = p.allocator.Free(mem)
		return fmt.Errorf("segment memory not %d-byte aligned: %w", Alignment, api.ErrNotSupported)
	}
	s := &segment{
		mem:        mem,
		refs:       make([]Ref, n),
		numBuffers: n,
		numFree:    n,
		created:    time.Now(),
		pool:       p,
		next:       p.segments,
	}
	// Link back to front so the free list hands out buffers in address order.
	for i := n - 1; i >= 0; i-- {
		r := &s.refs[i]
		start := i * p.stride
		end := start + p.cfg.BufferSize
		r.kind = KindMemory
		r.state = StateFree
		r.seg = s
		r.data = mem[start:end:end]
		r.next = p.free
		p.free = r
	}
	p.segments = s
	p.numSegs++
	p.numBuffers += n
	p.numFree += n
	return nil
}

// expand adds min(ExpandBuffers, MaxBuffers-numBuffers) buffers.
func (p *Pool) expand() error {
	n := p.cfg.ExpandBuffers
	if room := p.cfg.MaxBuffers - p.numBuffers; n > room {
		n = room
	}
	if n <= 0 {
		return fmt.Errorf("at maximum of %d buffers: %w", p.cfg.MaxBuffers, api.ErrPoolExhausted)
	}
	if err := p.addSegment(n); err != nil {
		return err
	}
	p.stats.Expansions++
	p.log.Debug("buffer pool: expanded", "added", n, "total", p.numBuffers, "free", p.numFree)
	return nil
}

// Alloc returns a buffer with refcount 1 and an empty view. When the free
// count is at or under the low watermark the pool grows first, so steady
// state never waits on segment allocation. An empty free list that cannot
// grow yields ErrPoolExhausted; callers drop the packet and go on.
func (p *Pool) Alloc() (*Ref, error) {
	return p.alloc(true)
}

// AllocBatch fills dst with as many buffers as can be had and returns the
// count. A short count means the pool ran dry after at least one buffer;
// zero means it was exhausted from the start.
func (p *Pool) AllocBatch(dst []*Ref) int {
	for i := range dst {
		r, err := p.alloc(i == 0)
		if err != nil {
			return i
		}
		dst[i] = r
	}
	return len(dst)
}

func (p *Pool) alloc(report bool) (*Ref, error) {
	if p.closed {
		return nil, api.ErrClosed
	}
	if p.free == nil {
		p.stats.Exhaustions++
		if err := p.expand(); err != nil {
			if report {
				p.log.Warn("buffer pool: exhausted",
					"total", p.numBuffers, "max", p.cfg.MaxBuffers, "err", err)
			}
			if errors.Is(err, api.ErrPoolExhausted) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", api.ErrPoolExhausted, err)
		}
	} else if p.numFree <= p.cfg.LowWatermark && p.numBuffers < p.cfg.MaxBuffers {
		if err := p.expand(); err != nil {
			p.log.Debug("buffer pool: proactive expansion failed", "free", p.numFree, "err", err)
		}
	}

	r := p.free
	p.free = r.next
	r.next = nil
	p.numFree--
	r.seg.numFree--

	r.state = StateHeld
	r.refs = 1
	r.off, r.n = 0, 0
	r.zcID = 0
	return r, nil
}

func (p *Pool) release(r *Ref) {
	if r.state == StateQueued || r.state == StatePending {
		panic(fmt.Sprintf("buffer pool: last reference dropped while %s", r.state))
	}
	r.state = StateFree
	r.off, r.n = 0, 0
	r.zcID = 0
	if p.closed || r.seg.freed {
		return
	}
	r.next = p.free
	p.free = r
	p.numFree++
	r.seg.numFree++
}

// TryShrink frees idle segments while the pool holds more than HighWatermark
// free buffers, never dropping below minBuffers. It returns the number of
// segments released. Run it off the hot path, e.g. on connection teardown.
func (p *Pool) TryShrink(minBuffers int) int {
	if p.closed || p.numFree <= p.cfg.HighWatermark || p.numBuffers <= minBuffers {
		return 0
	}
	released := 0
	var prev *segment
	for s := p.segments; s != nil; {
		next := s.next
		if s.numFree != s.numBuffers || p.numBuffers-s.numBuffers < minBuffers {
			prev = s
			s = next
			continue
		}
		if !p.unlinkSegment(s) {
			prev = s
			s = next
			continue
		}
		if prev == nil {
			p.segments = next
		} else {
			prev.next = next
		}
		p.numSegs--
		p.numBuffers -= s.numBuffers
		s.freed = true
		s.next = nil
		if err := p.allocator.Free(s.mem); err != nil {
			p.log.Error("buffer pool: releasing segment memory", "err", err)
		}
		s.mem = nil
		released++
		p.stats.Shrinks++
		p.log.Debug("buffer pool: segment released",
			"buffers", s.numBuffers, "age", time.Since(s.created),
			"total", p.numBuffers, "free", p.numFree)
		if p.numFree <= p.cfg.HighWatermark {
			break
		}
		s = next
	}
	return released
}

// unlinkSegment pulls every buffer of s out of the free list. Buffers are
// matched by address, and the match must agree with the buffer's own segment
// pointer. On any disagreement the buffers are relinked and the segment is
// kept.
func (p *Pool) unlinkSegment(s *segment) bool {
	removed := make([]*Ref, 0, s.numBuffers)
	aliased := 0
	link := &p.free
	for r := *link; r != nil; r = *link {
		if !s.contains(r) {
			link = &r.next
			continue
		}
		if r.seg != s {
			aliased++
			link = &r.next
			continue
		}
		*link = r.next
		r.next = nil
		removed = append(removed, r)
	}
	p.numFree -= len(removed)
	s.numFree -= len(removed)

	if aliased == 0 && len(removed) == s.numBuffers {
		return true
	}
	p.stats.ShrinkInconsistencies++
	p.log.Error("buffer pool: shrink inconsistency",
		"expected", s.numBuffers, "found", len(removed), "aliased", aliased)
	for _, r := range removed {
		r.next = p.free
		p.free = r
	}
	p.numFree += len(removed)
	s.numFree += len(removed)
	return false
}

// Cleanup unmaps every segment regardless of outstanding references. Only
// for worker teardown; later Alloc calls fail with ErrClosed and late Puts
// are ignored.
func (p *Pool) Cleanup() {
	if p.closed {
		return
	}
	p.closed = true
	for s := p.segments; s != nil; {
		next := s.next
		s.freed = true
		if err := p.allocator.Free(s.mem); err != nil {
			p.log.Error("buffer pool: releasing segment memory", "err", err)
		}
		s.mem = nil
		s.next = nil
		s = next
	}
	p.log.Debug("buffer pool: cleaned up", "segments", p.numSegs, "buffers", p.numBuffers)
	p.segments = nil
	p.free = nil
	p.numFree = 0
	p.numBuffers = 0
	p.numSegs = 0
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	st := p.stats
	st.TotalBuffers = p.numBuffers
	st.FreeBuffers = p.numFree
	st.MaxBuffers = p.cfg.MaxBuffers
	st.Segments = p.numSegs
	return st
}

// Verify walks the free list and segment list and checks the conservation
// rules: the free count equals the free list length, every free buffer is in
// StateFree, and per-segment counters add up to the pool totals.
func (p *Pool) Verify() error {
	listed := 0
	perSeg := make(map[*segment]int, p.numSegs)
	for r := p.free; r != nil; r = r.next {
		listed++
		if listed > p.numBuffers {
			return fmt.Errorf("free list longer than %d buffers: cycle", p.numBuffers)
		}
		if r.state != StateFree {
			return fmt.Errorf("buffer in free list is %s", r.state)
		}
		perSeg[r.seg]++
	}
	if listed != p.numFree {
		return fmt.Errorf("free count %d, free list holds %d", p.numFree, listed)
	}
	total, segs := 0, 0
	for s := p.segments; s != nil; s = s.next {
		segs++
		total += s.numBuffers
		if perSeg[s] != s.numFree {
			return fmt.Errorf("segment free count %d, free list holds %d of its buffers", s.numFree, perSeg[s])
		}
		delete(perSeg, s)
	}
	if len(perSeg) != 0 {
		return fmt.Errorf("free list holds buffers of %d unknown segments", len(perSeg))
	}
	if total != p.numBuffers || segs != p.numSegs {
		return fmt.Errorf("pool counts %d buffers in %d segments, list sums to %d in %d",
			p.numBuffers, p.numSegs, total, segs)
	}
	return nil
}
