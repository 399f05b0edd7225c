// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netutil

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListen_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	_, err = Listen(context.Background(), LoopbackAddr(port))
	assert.ErrorIs(t, err, ErrPortInUse)
	assert.ErrorIs(t, ProbePort(port), ErrPortInUse)
}

func TestIsAddrInUse_OtherErrors(t *testing.T) {
	assert.False(t, IsAddrInUse(nil))
	assert.False(t, IsAddrInUse(errors.New("boom")))
}
