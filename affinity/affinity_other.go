//go:build !linux
// +build !linux

// File: affinity/affinity_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package affinity

import "github.com/momentics/hioload-relay/api"

func setAffinityPlatform(int) error {
	return api.ErrNotSupported
}

// Current is not available on this platform.
func Current() ([]int, error) {
	return nil, api.ErrNotSupported
}
