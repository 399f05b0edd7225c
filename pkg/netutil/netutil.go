// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netutil holds small networking helpers shared by the broker and
// its workers.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrPortInUse indicates a requested TCP port is already bound.
var ErrPortInUse = errors.New("port already in use")

// Listen binds a TCP listener, mapping "address already in use" to
// ErrPortInUse so callers can tell it apart from other bind failures.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if IsAddrInUse(err) {
			return nil, fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return nil, err
	}
	return ln, nil
}

// ProbePort reports ErrPortInUse if a listener is already bound to
// 127.0.0.1:port.
func ProbePort(port int) error {
	ln, err := Listen(context.Background(), LoopbackAddr(port))
	if err != nil {
		return err
	}
	return ln.Close()
}

// LoopbackAddr formats 127.0.0.1:port.
func LoopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
