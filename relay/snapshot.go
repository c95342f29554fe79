// File: relay/snapshot.go
// Author: momentics <momentics@gmail.com>
//
// Published worker statistics.

package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/momentics/hioload-relay/pool"
	"github.com/momentics/hioload-relay/reorder"
	"github.com/momentics/hioload-relay/zerocopy"
)

// SessionStats are per-client counters.
type SessionStats struct {
	Packets        uint64 // datagrams received from the source
	Bytes          uint64
	DroppedPackets uint64 // refused by the queue limit
	DroppedBytes   uint64
	QueueHighwater int // buffers
}

// SessionSnapshot describes one live session.
type SessionSnapshot struct {
	ID         uuid.UUID
	State      string
	Age        time.Duration
	ZeroCopy   bool
	Queued     int
	Pending    int
	LimitBytes int
	Slow       bool
	Stats      SessionStats
	Reorder    *reorder.Stats `json:",omitempty"`
}

// Snapshot is a copy of a worker's counters at one point in time.
type Snapshot struct {
	Worker   int
	Time     time.Time
	ZeroCopy bool

	Accepted    uint64
	Closed      uint64
	RecvPackets uint64
	RecvBytes   uint64
	// RecvDrops counts datagrams discarded because the pool was exhausted.
	RecvDrops uint64

	Pool     pool.Stats
	PoolErr  string `json:",omitempty"`
	Send     zerocopy.Stats
	Reorder  reorder.Stats
	Sessions []SessionSnapshot
}

func addReorder(dst *reorder.Stats, src reorder.Stats) {
	dst.Delivered += src.Delivered
	dst.Recovered += src.Recovered
	dst.Dropped += src.Dropped
	dst.Lost += src.Lost
	dst.DeliveryFailures += src.DeliveryFailures
}
