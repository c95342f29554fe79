// File: internal/transport/completion_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decoding of MSG_ZEROCOPY completion reports. Each report is a RECVERR
// control message carrying a struct sock_extended_err whose origin is
// SO_EE_ORIGIN_ZEROCOPY; ee_info and ee_data bound the completed id range.

package transport

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-relay/api"
)

// sizeofExtendedErr is the fixed head of struct sock_extended_err.
const sizeofExtendedErr = 16

func decodeExtendedErr(b []byte) unix.SockExtendedErr {
	return unix.SockExtendedErr{
		Errno:  binary.NativeEndian.Uint32(b[0:4]),
		Origin: b[4],
		Type:   b[5],
		Code:   b[6],
		Pad:    b[7],
		Info:   binary.NativeEndian.Uint32(b[8:12]),
		Data:   binary.NativeEndian.Uint32(b[12:16]),
	}
}

// parseCompletion extracts a zero-copy completion from one error queue
// message. ok is false for messages of other origins.
func parseCompletion(oob []byte) (c api.Completion, ok bool, err error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return c, false, fmt.Errorf("parse error queue control message: %w", err)
	}
	for _, m := range msgs {
		ip4 := m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVERR
		ip6 := m.Header.Level == unix.SOL_IPV6 && m.Header.Type == unix.IPV6_RECVERR
		if !ip4 && !ip6 || len(m.Data) < sizeofExtendedErr {
			continue
		}
		ee := decodeExtendedErr(m.Data)
		if ee.Origin != unix.SO_EE_ORIGIN_ZEROCOPY || ee.Errno != 0 {
			continue
		}
		return api.Completion{
			Lo:     ee.Info,
			Hi:     ee.Data,
			Copied: ee.Code&unix.SO_EE_CODE_ZEROCOPY_COPIED != 0,
		}, true, nil
	}
	return c, false, nil
}
