// File: internal/transport/feature_detect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Advertises the socket capabilities the relay can rely on at runtime.

package transport

import (
	"runtime"
	"sync"
)

// Features lists the kernel socket capabilities detected on this host.
type Features struct {
	ZeroCopy  bool // SO_ZEROCOPY / MSG_ZEROCOPY on TCP sockets
	ReusePort bool // SO_REUSEPORT listeners, one per worker
	OS        string
}

var (
	detectOnce sync.Once
	detected   Features
)

// DetectFeatures probes the kernel once and caches the result.
func DetectFeatures() Features {
	detectOnce.Do(func() {
		detected = Features{
			ZeroCopy:  probeZeroCopy(),
			ReusePort: probeReusePort(),
			OS:        runtime.GOOS,
		}
	})
	return detected
}

// ZeroCopySupported reports whether MSG_ZEROCOPY sends are available.
func ZeroCopySupported() bool {
	return DetectFeatures().ZeroCopy
}
