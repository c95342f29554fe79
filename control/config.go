// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed relay configuration and a thread-safe store with reload propagation.

package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-relay/api"
)

// Config is the complete relay configuration.
type Config struct {
	// Listen is the HTTP client listen address.
	Listen string
	// Source is the upstream UDP address, a multicast group or a unicast
	// bind address.
	Source string
	// Interface selects the NIC multicast is joined on.
	Interface string
	// RTP strips RTP headers and reorders by sequence number.
	RTP     bool
	Workers int

	BufferSize    int
	PoolInitial   int
	PoolMax       int
	PoolExpand    int
	LowWatermark  int
	HighWatermark int

	ZeroCopy     bool
	BatchBytes   int
	BatchTimeout time.Duration
	MaxIovecs    int

	ReorderWindow  int
	ReorderCollect int

	// RecvBatch is the number of datagrams read per readiness event.
	RecvBatch int
	// QueueMinBuffers is the per-client floor of the fair-share queue limit.
	QueueMinBuffers int
	// SlateFile is streamed with sendfile ahead of live data when set.
	SlateFile string

	StatsInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Listen:          "0.0.0.0:5140",
		Workers:         1,
		BufferSize:      1536,
		PoolInitial:     1024,
		PoolMax:         16384,
		PoolExpand:      512,
		LowWatermark:    256,
		HighWatermark:   3072,
		BatchBytes:      64 * 1024,
		BatchTimeout:    100 * time.Millisecond,
		MaxIovecs:       64,
		ReorderWindow:   512,
		ReorderCollect:  8,
		RecvBatch:       32,
		QueueMinBuffers: 64,
		StatsInterval:   10 * time.Second,
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	invalid := func(field string, value any, msg string) error {
		return api.NewError(api.ErrCodeInvalidArgument, "config: "+msg).
			WithContext("field", field).
			WithContext("value", value)
	}
	switch {
	case c.Listen == "":
		return invalid("Listen", c.Listen, "listen address required")
	case c.Source == "":
		return invalid("Source", c.Source, "source address required")
	case c.Workers <= 0:
		return invalid("Workers", c.Workers, "at least one worker required")
	case c.BufferSize < 188:
		return invalid("BufferSize", c.BufferSize, "buffer smaller than one transport stream packet")
	case c.PoolInitial <= 0:
		return invalid("PoolInitial", c.PoolInitial, "initial pool size must be positive")
	case c.PoolMax < c.PoolInitial:
		return invalid("PoolMax", c.PoolMax, "pool maximum below initial size")
	case c.PoolExpand <= 0:
		return invalid("PoolExpand", c.PoolExpand, "expansion step must be positive")
	case c.LowWatermark < 0 || c.HighWatermark < c.LowWatermark:
		return invalid("HighWatermark", c.HighWatermark, "watermarks out of order")
	case c.BatchBytes <= 0:
		return invalid("BatchBytes", c.BatchBytes, "batch threshold must be positive")
	case c.BatchTimeout <= 0:
		return invalid("BatchTimeout", c.BatchTimeout, "batch timeout must be positive")
	case c.MaxIovecs <= 0 || c.MaxIovecs > 1024:
		return invalid("MaxIovecs", c.MaxIovecs, "iovec cap must be in 1..1024")
	case c.ReorderWindow <= 0 || c.ReorderWindow > 1<<15 || c.ReorderWindow&(c.ReorderWindow-1) != 0:
		return invalid("ReorderWindow", c.ReorderWindow, "reorder window must be a power of two up to 32768")
	case c.ReorderCollect <= 0 || c.ReorderCollect > c.ReorderWindow:
		return invalid("ReorderCollect", c.ReorderCollect, "initial collection must fit the window")
	case c.RecvBatch <= 0:
		return invalid("RecvBatch", c.RecvBatch, "receive batch must be positive")
	case c.QueueMinBuffers <= 0:
		return invalid("QueueMinBuffers", c.QueueMinBuffers, "queue floor must be positive")
	case c.StatsInterval <= 0:
		return invalid("StatsInterval", c.StatsInterval, "stats interval must be positive")
	}
	return nil
}

// ConfigStore holds the current Config for concurrent readers and notifies
// listeners when it is replaced.
type ConfigStore struct {
	cur       atomic.Pointer[Config]
	mu        sync.Mutex
	listeners []func(Config)
}

// NewConfigStore validates cfg and stores it.
func NewConfigStore(cfg Config) (*ConfigStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cs := &ConfigStore{}
	cs.cur.Store(&cfg)
	return cs, nil
}

// Load returns the current configuration snapshot.
func (cs *ConfigStore) Load() Config {
	return *cs.cur.Load()
}

// Store validates and swaps in cfg, then runs every reload listener with
// the new value. Listeners run synchronously and must not block.
func (cs *ConfigStore) Store(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.cur.Store(&cfg)
	for _, fn := range cs.listeners {
		fn(cfg)
	}
	return nil
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
