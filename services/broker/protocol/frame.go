// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// headerSize is the fixed id + requestId prefix.
const headerSize = 16

// MinFrameSize is the smallest well-formed frame: header, one name byte and
// two NUL terminators around an empty args array.
const MinFrameSize = headerSize + 1 + 1 + 2 + 1

// =============================================================================
// ENCODING
// =============================================================================

// Encode serializes a message into a single contiguous frame.
//
// Description:
//
//	Validates the name and args, then lays out the frame described in the
//	package documentation. A nil Args encodes as an empty array.
//
// Inputs:
//
//	m - The message to encode. Must not be nil.
//
// Outputs:
//
//	[]byte - The frame
//	error - ErrInvalidMessage if the name or args cannot be framed
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := validateName(m.Name); err != nil {
		return nil, err
	}
	args := []byte(m.Args)
	if len(args) == 0 {
		args = emptyArgs
	}
	if !isJSONArray(args) {
		return nil, fmt.Errorf("%w: args must be a JSON array", ErrInvalidMessage)
	}
	if bytes.IndexByte(args, 0) >= 0 {
		return nil, fmt.Errorf("%w: args contain NUL", ErrInvalidMessage)
	}

	frame := make([]byte, headerSize, headerSize+len(m.Name)+len(args)+2+len(m.Blob))
	binary.LittleEndian.PutUint64(frame[0:8], m.ID)
	binary.LittleEndian.PutUint64(frame[8:16], m.RequestID)
	frame = append(frame, m.Name...)
	frame = append(frame, 0)
	frame = append(frame, args...)
	frame = append(frame, 0)
	frame = append(frame, m.Blob...)
	return frame, nil
}

// =============================================================================
// DECODING
// =============================================================================

// Decode parses a frame into a message.
//
// Description:
//
//	Never panics on hostile input. The returned message's Blob aliases the
//	frame buffer; callers hand over ownership of frame.
//
// Inputs:
//
//	frame - One complete frame
//
// Outputs:
//
//	*Message - The decoded message
//	error - ErrMalformedFrame (wrapped) describing the defect
func Decode(frame []byte) (*Message, error) {
	if len(frame) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the minimum frame", ErrMalformedFrame, len(frame))
	}

	m := &Message{
		ID:        binary.LittleEndian.Uint64(frame[0:8]),
		RequestID: binary.LittleEndian.Uint64(frame[8:16]),
	}

	rest := frame[headerSize:]
	nameEnd := bytes.IndexByte(rest, 0)
	if nameEnd < 0 {
		return nil, fmt.Errorf("%w: unterminated name", ErrMalformedFrame)
	}
	if nameEnd == 0 {
		return nil, fmt.Errorf("%w: empty name", ErrMalformedFrame)
	}
	m.Name = string(rest[:nameEnd])
	rest = rest[nameEnd+1:]

	argsEnd := bytes.IndexByte(rest, 0)
	if argsEnd < 0 {
		return nil, fmt.Errorf("%w: unterminated args", ErrMalformedFrame)
	}
	args := rest[:argsEnd]
	if !isJSONArray(args) {
		return nil, fmt.Errorf("%w: args are not a JSON array", ErrMalformedFrame)
	}
	m.Args = args

	if blob := rest[argsEnd+1:]; len(blob) > 0 {
		m.Blob = blob
	}
	return m, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMessage)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: name contains NUL", ErrInvalidMessage)
	}
	return nil
}
