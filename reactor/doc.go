// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the poll-mode event reactor each relay worker
// runs on: one epoll instance, one callback per file descriptor, dispatched
// on the goroutine that calls Poll.
package reactor
