// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

// State is the lifecycle state of a supervised worker.
type State int

const (
	// StateNotStarted is the initial state.
	StateNotStarted State = iota

	// StateStarting means the process is launched but not yet ready.
	StateStarting

	// StateRunning means the worker reported ready.
	StateRunning

	// StateExited means the worker ended cleanly or was stopped on request.
	StateExited

	// StateCrashed means the worker ended on its own with a failure.
	StateCrashed

	// StateKilledByTimeout means the worker was killed for missing the
	// startup deadline.
	StateKilledByTimeout
)

// String returns a human-readable state name.
func (s State) String() string {
	names := []string{"not_started", "starting", "running", "exited", "crashed", "killed_by_timeout"}
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateExited || s == StateCrashed || s == StateKilledByTimeout
}
