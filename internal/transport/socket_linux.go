// File: internal/transport/socket_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux api.Socket over a raw non-blocking file descriptor.

package transport

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-relay/api"
)

const sendFlags = unix.MSG_DONTWAIT | unix.MSG_NOSIGNAL

// Socket is a connected, non-blocking stream socket.
type Socket struct {
	fd  int
	oob []byte
	buf []byte
}

// NewSocket wraps fd. The Socket takes ownership and closes fd in Close.
func NewSocket(fd int) *Socket {
	return &Socket{
		fd:  fd,
		oob: make([]byte, 256),
		buf: make([]byte, 64),
	}
}

// FD returns the descriptor for reactor registration.
func (s *Socket) FD() int { return s.fd }

// SendBuffers implements api.Socket.SendBuffers with sendmsg(2).
func (s *Socket) SendBuffers(bufs [][]byte, zeroCopy bool) (int, error) {
	flags := sendFlags
	if zeroCopy {
		flags |= unix.MSG_ZEROCOPY
	}
	n, err := unix.SendmsgBuffers(s.fd, bufs, nil, nil, flags)
	if err != nil {
		return 0, mapErr("sendmsg", err)
	}
	return n, nil
}

// SendFile implements api.Socket.SendFile with sendfile(2).
func (s *Socket) SendFile(f *os.File, offset int64, count int) (int, error) {
	off := offset
	n, err := unix.Sendfile(s.fd, int(f.Fd()), &off, count)
	if err != nil {
		if n > 0 {
			return n, nil
		}
		return 0, mapErr("sendfile", err)
	}
	return n, nil
}

// ReadCompletions implements api.Socket.ReadCompletions by draining the
// socket error queue.
func (s *Socket) ReadCompletions(dst []api.Completion) (int, error) {
	got := 0
	for got < len(dst) {
		_, oobn, _, _, err := unix.Recvmsg(s.fd, s.buf, s.oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if err != nil {
			if got > 0 && errors.Is(err, unix.EAGAIN) {
				return got, nil
			}
			return got, mapErr("recvmsg errqueue", err)
		}
		c, ok, err := parseCompletion(s.oob[:oobn])
		if err != nil {
			return got, err
		}
		if ok {
			dst[got] = c
			got++
		}
	}
	return got, nil
}

// Err returns the pending socket error, clearing it.
func (s *Socket) Err() error {
	return SocketError(s.fd)
}

// Close closes the descriptor.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// SocketError reads and clears SO_ERROR on fd.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// EnableZeroCopy sets SO_ZEROCOPY so MSG_ZEROCOPY sends are honored.
func EnableZeroCopy(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1); err != nil {
		return mapErr("setsockopt SO_ZEROCOPY", err)
	}
	return nil
}

func probeZeroCopy() bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1) == nil
}

func probeReusePort() bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1) == nil
}

// mapErr folds the transient errnos onto the api sentinels.
func mapErr(op string, err error) error {
	switch {
	case errors.Is(err, unix.EAGAIN):
		return fmt.Errorf("%s: %w", op, api.ErrWouldBlock)
	case errors.Is(err, unix.ENOBUFS):
		return fmt.Errorf("%s: %w", op, api.ErrNoBufferSpace)
	case errors.Is(err, unix.ENOPROTOOPT), errors.Is(err, unix.EOPNOTSUPP):
		return fmt.Errorf("%s: %w: %w", op, api.ErrNotSupported, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
