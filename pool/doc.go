// Package pool
// Author: momentics <momentics@gmail.com>
//
// Segmented, cache-aligned buffer pool for hioload-relay.
// Buffers are handed out as reference-counted Refs that flow through reorder
// windows and zero-copy send queues without being copied. The pool grows in
// segments when free buffers drop under the low watermark and gives whole idle
// segments back when TryShrink finds more free buffers than the high watermark.
// A Pool belongs to one worker goroutine and is not safe for concurrent use.
// See pool.go, ref.go, segment.go for implementation details.
package pool
