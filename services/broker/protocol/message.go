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
	"encoding/json"
	"fmt"
)

// ErrorReplyName is the name of a response that reports a failed request.
// Its args hold a single string with the failure description.
const ErrorReplyName = "!error"

// emptyArgs is the encoding used when a message carries no arguments.
var emptyArgs = json.RawMessage("[]")

// =============================================================================
// MESSAGE
// =============================================================================

// Message is the unit of wire exchange.
//
// Description:
//
//	Messages are treated as immutable once constructed. Transports do not
//	retain references after a send or receive completes.
type Message struct {
	// ID is assigned by the sender and strictly increases per connection.
	ID uint64

	// RequestID is zero for requests and events, otherwise the ID of the
	// message this one answers.
	RequestID uint64

	// Name is the operation or event identifier.
	Name string

	// Args is a JSON array of positional arguments.
	Args json.RawMessage

	// Blob is an optional raw trailing payload.
	Blob []byte
}

// NewMessage builds a message with the given name and positional arguments.
//
// Description:
//
//	Marshals args into a JSON array. ID and RequestID are left zero; the
//	session assigns them when the message is sent.
//
// Inputs:
//
//	name - Operation or event name. Must be non-empty and free of NUL bytes.
//	args - Positional arguments, each JSON-marshalable.
//
// Outputs:
//
//	*Message - The message
//	error - Non-nil if the name is invalid or an argument cannot be marshaled
func NewMessage(name string, args ...any) (*Message, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	raw, err := MarshalArgs(args...)
	if err != nil {
		return nil, err
	}
	return &Message{Name: name, Args: raw}, nil
}

// MarshalArgs encodes positional arguments as a JSON array.
func MarshalArgs(args ...any) (json.RawMessage, error) {
	if len(args) == 0 {
		return emptyArgs, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	return data, nil
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.RequestID != 0
}

// IsError reports whether the message is an error reply.
func (m *Message) IsError() bool {
	return m.RequestID != 0 && m.Name == ErrorReplyName
}

// ArgList splits Args into its raw elements.
func (m *Message) ArgList() ([]json.RawMessage, error) {
	if len(m.Args) == 0 {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(m.Args, &list); err != nil {
		return nil, fmt.Errorf("%w: args: %v", ErrMalformedFrame, err)
	}
	return list, nil
}

// DecodeArgs unmarshals the leading positional arguments into dst.
//
// Description:
//
//	Each element of dst receives the argument at the same position. Extra
//	arguments are ignored; missing arguments leave dst untouched.
//
// Inputs:
//
//	dst - Pointers to decode into
//
// Outputs:
//
//	error - Non-nil if Args is not an array or an element does not fit
func (m *Message) DecodeArgs(dst ...any) error {
	list, err := m.ArgList()
	if err != nil {
		return err
	}
	for i, d := range dst {
		if i >= len(list) {
			break
		}
		if err := json.Unmarshal(list[i], d); err != nil {
			return fmt.Errorf("decode arg %d: %w", i, err)
		}
	}
	return nil
}

// ErrorText returns the description carried by an error reply.
func (m *Message) ErrorText() string {
	var text string
	if err := m.DecodeArgs(&text); err != nil || text == "" {
		return "remote error"
	}
	return text
}

// String returns a compact description suitable for logs.
func (m *Message) String() string {
	return fmt.Sprintf("#%d->%d %s (%d arg bytes, %d blob bytes)",
		m.ID, m.RequestID, m.Name, len(m.Args), len(m.Blob))
}

// isJSONArray reports whether raw holds exactly one JSON array.
func isJSONArray(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '[' {
		return false
	}
	return json.Valid(trimmed)
}
