// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral event reactor interface.

package reactor

import "time"

// EventType is a bit set of readiness conditions.
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
	// EventError is reported regardless of interest. On a zero-copy socket it
	// also signals completion reports waiting on the error queue.
	EventError
	EventHangup
)

// Callback handles readiness of fd.
type Callback func(fd int, events EventType)

// Reactor multiplexes readiness of many descriptors. It is driven by a single
// goroutine; callbacks run inside Poll and may register, modify or
// unregister descriptors, including their own.
type Reactor interface {
	// Register starts watching fd for events and routes them to cb.
	Register(fd int, events EventType, cb Callback) error

	// Modify replaces the interest set of a registered fd.
	Modify(fd int, events EventType) error

	// Unregister stops watching fd. Pending events for it are dropped.
	Unregister(fd int) error

	// Poll waits up to timeout for events and dispatches them. A negative
	// timeout blocks. It returns the number of callbacks run.
	Poll(timeout time.Duration) (int, error)

	// Close releases the reactor.
	Close() error
}
