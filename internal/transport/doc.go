// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw socket layer for hioload-relay. Wraps non-blocking file descriptors in
// api.Socket: scatter/gather sends with optional MSG_ZEROCOPY, sendfile, and
// zero-copy completion reports read from the socket error queue. Also opens
// the SO_REUSEPORT listeners and multicast receivers the relay workers poll.
// Platform code is strictly separated by build tags; non-Linux builds get
// stubs that report api.ErrNotSupported.

package transport
