// Package relay
// Author: momentics <momentics@gmail.com>
//
// Multicast/RTP to HTTP relay workers.
//
// A Worker owns one buffer pool, one epoll reactor and one SO_REUSEPORT
// listener, and runs every client Session it accepts on a single goroutine.
// Each Session joins the configured UDP source, optionally restores RTP
// order through a reorder window, and streams the payload to its client
// through a zero-copy send queue. Nothing a worker owns is shared with other
// workers; statistics leave the worker only as published Snapshots.
package relay
