// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for hioload-relay.
//
// Provides concurrent-safe state handling primitives including:
//   - Typed relay configuration with validation and atomic snapshot reads
//   - Reload listeners for configuration swaps
//   - A metrics registry that workers publish their counters into
//   - Probe registration for live state dumps
//
// Workers own their pools and queues exclusively; this package is the only
// place their state is shared, and only as copied snapshots.
package control
