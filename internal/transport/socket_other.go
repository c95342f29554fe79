// File: internal/transport/socket_other.go
//go:build !linux
// +build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stubs for platforms without the raw socket path.

package transport

import (
	"os"

	"github.com/momentics/hioload-relay/api"
)

// Socket is unavailable on this platform.
type Socket struct{ fd int }

// NewSocket wraps fd.
func NewSocket(fd int) *Socket { return &Socket{fd: fd} }

func (s *Socket) FD() int { return s.fd }

func (s *Socket) SendBuffers([][]byte, bool) (int, error) { return 0, api.ErrNotSupported }

func (s *Socket) SendFile(*os.File, int64, int) (int, error) { return 0, api.ErrNotSupported }

func (s *Socket) ReadCompletions([]api.Completion) (int, error) { return 0, api.ErrNotSupported }

func (s *Socket) Err() error { return nil }

func (s *Socket) Close() error { return nil }

func SocketError(int) error { return nil }

func EnableZeroCopy(int) error { return api.ErrNotSupported }

func Listen(string, bool, int) (int, error) { return -1, api.ErrNotSupported }

func Accept(int) (int, error) { return -1, api.ErrNotSupported }

func LocalPort(int) (int, error) { return 0, api.ErrNotSupported }

func OpenSource(string, string, int) (int, error) { return -1, api.ErrNotSupported }

func ReadPacket(int, []byte) (int, error) { return 0, api.ErrNotSupported }

func Close(int) error { return nil }

func probeZeroCopy() bool { return false }

func probeReusePort() bool { return false }
