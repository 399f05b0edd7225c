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

import "time"

// Remote broker HTTP surface. Paths are relative to the broker base URL.
const (
	PathHealth       = "/health"
	PathAbout        = "/about"
	PathInfo         = "/info"
	PathInterpreters = "/interpreters"
	PathSessions     = "/sessions"
)

// SessionPath returns the path of the named session resource. The name
// must already be path-escaped.
func SessionPath(name string) string {
	return PathSessions + "/" + name
}

// PipePath returns the WebSocket path of the named session.
func PipePath(name string) string {
	return SessionPath(name) + "/pipe"
}

// CreateSessionRequest is the optional body of PUT /sessions/{name}.
type CreateSessionRequest struct {
	// Interpreter selects an installation by InterpreterInfo.ID. Empty
	// selects the newest compatible one.
	Interpreter string `json:"interpreter,omitempty"`

	// Args are extra worker arguments.
	Args []string `json:"args,omitempty"`
}

// SessionInfo describes a session hosted by a remote broker.
type SessionInfo struct {
	Name        string    `json:"name"`
	Interpreter string    `json:"interpreter"`
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	Owner       string    `json:"owner"`
	Attached    bool      `json:"attached"`
	Started     time.Time `json:"started"`
}
