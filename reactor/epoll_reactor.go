//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// epollReactor implements Reactor using level-triggered epoll.
type epollReactor struct {
	epfd      int
	callbacks map[int]Callback
	events    [maxEvents]unix.EpollEvent
}

// New creates an epoll reactor.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{
		epfd:      epfd,
		callbacks: make(map[int]Callback),
	}, nil
}

func toEpoll(events EventType) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if events&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) EventType {
	var t EventType
	if ev&unix.EPOLLIN != 0 {
		t |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		t |= EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		t |= EventError
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		t |= EventHangup
	}
	return t
}

// Register adds fd to the epoll watch list.
func (r *epollReactor) Register(fd int, events EventType, cb Callback) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	r.callbacks[fd] = cb
	return nil
}

// Modify changes the interest set of fd.
func (r *epollReactor) Modify(fd int, events EventType) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Unregister removes fd from the epoll watch list.
func (r *epollReactor) Unregister(fd int) error {
	delete(r.callbacks, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Poll waits for events and runs their callbacks.
func (r *epollReactor) Poll(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(r.epfd, r.events[:], ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	ran := 0
	for i := 0; i < n; i++ {
		ev := r.events[i]
		// Looked up per event: an earlier callback may have unregistered fd.
		cb, ok := r.callbacks[int(ev.Fd)]
		if !ok {
			continue
		}
		cb(int(ev.Fd), fromEpoll(ev.Events))
		ran++
	}
	return ran, nil
}

// Close releases the epoll file descriptor.
func (r *epollReactor) Close() error {
	r.callbacks = nil
	return unix.Close(r.epfd)
}
