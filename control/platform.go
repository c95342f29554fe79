// control/platform.go
// Author: momentics <momentics@gmail.com>
//
// Host capability probes.

package control

import (
	"runtime"

	"github.com/momentics/hioload-relay/internal/transport"
)

// RegisterPlatformProbes publishes CPU count and socket capabilities.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.sockets", func() any {
		return transport.DetectFeatures()
	})
}
