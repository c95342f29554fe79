// File: reorder/window.go
// Package reorder restores RTP packet order ahead of the send queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Window is a circular array of buffer slots indexed by the low bits of
// the 16-bit RTP sequence number. It first collects a few packets to find
// the lowest sequence, then delivers packets in order, holding early ones
// until the gap before them fills or the window overflows.

package reorder

import (
	"fmt"
	"log/slog"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/pool"
)

// State is the lifecycle phase of a Window.
type State uint8

const (
	Uninitialized State = iota
	Collecting
	Active
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Collecting:
		return "collecting"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Config sizes a Window.
type Config struct {
	// Size is the slot count, a power of two no larger than 32768.
	Size int
	// InitCollect is the number of distinct packets gathered before the
	// first delivery.
	InitCollect int
	// Retain keeps delivered packets in their slots for Get until they are
	// released with ReleaseRange or overwritten when the ring wraps.
	Retain bool
}

// DefaultConfig holds 512 packets and collects 8 before delivering.
func DefaultConfig() Config {
	return Config{Size: 512, InitCollect: 8}
}

// DeliverFunc receives each packet in sequence order. It borrows r for the
// duration of the call and must take its own reference to keep it.
type DeliverFunc func(r *pool.Ref) error

// Stats are reorder counters.
type Stats struct {
	Delivered        uint64
	Recovered        uint64 // packets delivered from the window after a gap filled
	Dropped          uint64 // late or duplicate packets
	Lost             uint64 // sequence numbers skipped on overflow
	DeliveryFailures uint64
}

// Option customizes a Window.
type Option func(*Window)

// WithLogger sets the logger for recovery and loss reports.
func WithLogger(l *slog.Logger) Option {
	return func(w *Window) {
		if l != nil {
			w.log = l
		}
	}
}

// Window reorders one RTP stream. Not safe for concurrent use.
type Window struct {
	cfg     Config
	mask    uint16
	slots   []*pool.Ref
	seqs    []uint16
	base    uint16
	waiting int
	state   State
	deliver DeliverFunc
	err     error

	stats Stats
	log   *slog.Logger
}

// New creates a window that hands ordered packets to deliver.
func New(cfg Config, deliver DeliverFunc, opts ...Option) (*Window, error) {
	if cfg.Size <= 0 || cfg.Size > 1<<15 || cfg.Size&(cfg.Size-1) != 0 {
		return nil, fmt.Errorf("reorder window size %d: %w", cfg.Size, api.ErrInvalidArgument)
	}
	if cfg.InitCollect <= 0 || cfg.InitCollect > cfg.Size {
		return nil, fmt.Errorf("reorder initial collection %d: %w", cfg.InitCollect, api.ErrInvalidArgument)
	}
	if deliver == nil {
		return nil, fmt.Errorf("reorder window without delivery: %w", api.ErrInvalidArgument)
	}
	w := &Window{
		cfg:     cfg,
		mask:    uint16(cfg.Size - 1),
		slots:   make([]*pool.Ref, cfg.Size),
		seqs:    make([]uint16, cfg.Size),
		deliver: deliver,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// State returns the lifecycle phase.
func (w *Window) State() State { return w.state }

// Base returns the oldest sequence number not yet delivered.
func (w *Window) Base() uint16 { return w.base }

// Waiting returns the number of stored packets not yet delivered.
func (w *Window) Waiting() int { return w.waiting }

// Stats returns a copy of the counters.
func (w *Window) Stats() Stats { return w.stats }

func diff(a, b uint16) int { return int(int16(a - b)) }

// Insert offers packet r carrying sequence seq. The window takes its own
// reference when it stores r; the caller keeps its reference either way.
// It returns the number of packets delivered by this call and the first
// delivery error, if any. Late and duplicate packets are dropped silently.
func (w *Window) Insert(r *pool.Ref, seq uint16) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("reorder: nil packet: %w", api.ErrInvalidArgument)
	}
	w.err = nil
	delivered := 0
	switch w.state {
	case Uninitialized:
		w.store(r, seq)
		w.base = seq
		w.state = Collecting

	case Collecting:
		slot := seq & w.mask
		if w.slots[slot] == nil {
			w.store(r, seq)
			if diff(seq, w.base) < 0 {
				w.base = seq
			}
		} else {
			w.stats.Dropped++
		}
		if w.waiting >= w.cfg.InitCollect {
			w.state = Active
			w.log.Debug("reorder: collection complete", "base", w.base, "collected", w.waiting)
			delivered = w.flushConsecutive(false)
		}

	case Active:
		d := diff(seq, w.base)
		switch {
		case d == 0:
			w.store(r, seq)
			delivered = w.flushConsecutive(true)
		case d < 0:
			w.stats.Dropped++
		default:
			if d >= w.cfg.Size {
				delivered = w.forceFlushUntil(seq)
			}
			slot := seq & w.mask
			if w.slots[slot] != nil && w.seqs[slot] == seq {
				w.stats.Dropped++
				break
			}
			w.store(r, seq)
		}
	}
	return delivered, w.err
}

// store puts r in the slot for seq, evicting a retained packet left over
// from an earlier pass of the ring.
func (w *Window) store(r *pool.Ref, seq uint16) {
	slot := seq & w.mask
	if old := w.slots[slot]; old != nil {
		old.Put()
	}
	r.Get()
	w.slots[slot] = r
	w.seqs[slot] = seq
	w.waiting++
}

func (w *Window) emit(r *pool.Ref) {
	w.stats.Delivered++
	if err := w.deliver(r); err != nil {
		w.stats.DeliveryFailures++
		if w.err == nil {
			w.err = err
		}
	}
}

// release drops the window's reference to a delivered slot unless
// delivered packets are retained.
func (w *Window) release(slot uint16) {
	if w.cfg.Retain {
		return
	}
	w.slots[slot].Put()
	w.slots[slot] = nil
}

// flushConsecutive delivers the run of stored packets starting at base.
func (w *Window) flushConsecutive(recovery bool) int {
	start := w.base
	flushed := 0
	for w.waiting > 0 {
		slot := w.base & w.mask
		r := w.slots[slot]
		if r == nil || w.seqs[slot] != w.base {
			break
		}
		w.emit(r)
		w.release(slot)
		w.base++
		w.waiting--
		flushed++
	}
	if recovery && flushed > 1 {
		w.stats.Recovered += uint64(flushed - 1)
		w.log.Debug("reorder: recovered out-of-order packets",
			"count", flushed, "from", start, "to", w.base-1)
	}
	return flushed
}

// forceFlushUntil advances base until target fits in the window, delivering
// what is stored on the way and counting the gaps as lost.
func (w *Window) forceFlushUntil(target uint16) int {
	start := w.base
	flushed, lost := 0, 0
	for diff(target, w.base) >= w.cfg.Size {
		slot := w.base & w.mask
		r := w.slots[slot]
		switch {
		case r != nil && w.seqs[slot] == w.base:
			w.emit(r)
			r.Put()
			w.slots[slot] = nil
			w.waiting--
			flushed++
		case r != nil:
			// Retained packet from an earlier pass.
			r.Put()
			w.slots[slot] = nil
			lost++
		default:
			lost++
		}
		w.base++
	}
	if lost > 0 {
		w.stats.Lost += uint64(lost)
		w.log.Debug("reorder: packet loss", "from", start, "target", target, "lost", lost)
	}
	return flushed
}

// Get returns the packet stored for seq, delivered or not, or nil. The ref
// is borrowed; take a reference to keep it past the next Insert.
func (w *Window) Get(seq uint16) *pool.Ref {
	slot := seq & w.mask
	if r := w.slots[slot]; r != nil && w.seqs[slot] == seq {
		return r
	}
	return nil
}

// ReleaseRange drops retained packets with sequence numbers from begin to
// end inclusive, wrapping at 65535. Packets still waiting for delivery are
// left alone.
func (w *Window) ReleaseRange(begin, end uint16) int {
	released := 0
	for seq := begin; ; seq++ {
		slot := seq & w.mask
		if r := w.slots[slot]; r != nil && w.seqs[slot] == seq && diff(seq, w.base) < 0 {
			r.Put()
			w.slots[slot] = nil
			released++
		}
		if seq == end {
			break
		}
	}
	return released
}

// Cleanup releases every slot and returns the window to Uninitialized.
func (w *Window) Cleanup() {
	for i, r := range w.slots {
		if r != nil {
			r.Put()
			w.slots[i] = nil
		}
	}
	w.waiting = 0
	w.base = 0
	w.state = Uninitialized
}
