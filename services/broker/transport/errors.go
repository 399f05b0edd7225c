// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport operations.
var (
	// ErrTransport is matched by every error a Transport returns.
	ErrTransport = errors.New("transport error")

	// ErrConnectionClosed indicates the connection has ended, either because
	// the peer went away or because Close was called.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrFrameTooLarge indicates a frame exceeds Config.MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// errBadFrame marks a framer error that leaves the stream in sync, so the
	// receive loop can continue with the next frame.
	errBadFrame = errors.New("unusable frame")
)

// Op names the transport operation that failed.
type Op string

const (
	// OpSend is writing a frame.
	OpSend Op = "send"

	// OpReceive is reading a frame off the connection.
	OpReceive Op = "receive"

	// OpDecode is parsing a received frame. Decode errors are recoverable.
	OpDecode Op = "decode"

	// OpEncode is building a frame for sending.
	OpEncode Op = "encode"
)

// Error is a transport failure tied to the operation that produced it.
//
// Description:
//
//	errors.Is(err, ErrTransport) holds for every *Error, as does errors.Is
//	against the wrapped cause.
type Error struct {
	Op  Op
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrTransport and the cause.
func (e *Error) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// IsRecoverable reports whether err describes a single bad frame after which
// the connection remains usable.
func IsRecoverable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Op == OpDecode
}
