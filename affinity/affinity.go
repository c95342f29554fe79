// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files guarded by build tags.

package affinity

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-relay/api"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// logical CPU cpuID. The goroutine stays locked until it exits; an event
// loop calls Pin once at the top of its run function.
func Pin(cpuID int) error {
	if cpuID < 0 {
		return fmt.Errorf("affinity: cpu %d: %w", cpuID, api.ErrInvalidArgument)
	}
	runtime.LockOSThread()
	if err := setAffinityPlatform(cpuID); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	return nil
}

// CPUFor spreads worker ids across the available CPUs.
func CPUFor(worker int) int {
	return worker % runtime.NumCPU()
}
