// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics registry. Workers publish snapshots of their counters
// under their own key; monitoring readers take copies.

package control

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsRegistry holds published metric values keyed by name.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Get returns one metric.
func (mr *MetricsRegistry) Get(key string) (any, bool) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	v, ok := mr.metrics[key]
	return v, ok
}

// Delete drops a metric, e.g. when its worker exits.
func (mr *MetricsRegistry) Delete(key string) {
	mr.mu.Lock()
	delete(mr.metrics, key)
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Keys returns the sorted names that start with prefix.
func (mr *MetricsRegistry) Keys(prefix string) []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	var keys []string
	for k := range mr.metrics {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Updated returns the time of the last change.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}
