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

import (
	"errors"
	"fmt"
)

// Sentinel errors for supervisor operations.
var (
	// ErrStartupTimeout indicates the worker did not report ready in time.
	// The process has been killed.
	ErrStartupTimeout = errors.New("worker startup timed out")

	// ErrPortInUse indicates the configured endpoint port is already bound,
	// either detected before launch or reported by the worker's exit code.
	ErrPortInUse = errors.New("worker port already in use")

	// ErrStartupFailed indicates the worker could not be launched or exited
	// before becoming ready.
	ErrStartupFailed = errors.New("worker startup failed")

	// ErrReservedArgument indicates extra worker arguments tried to set a
	// launch-contract flag.
	ErrReservedArgument = errors.New("reserved worker argument")

	// ErrNotLoopback indicates a TCP worker announced an endpoint outside
	// the loopback interface. The process has been killed.
	ErrNotLoopback = errors.New("worker endpoint is not loopback")

	// ErrAlreadyStarted indicates Start was called on a used supervisor.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrProcessExited is matched by the error reported after the worker
	// terminates.
	ErrProcessExited = errors.New("worker process exited")
)

// ExitStatus describes how the worker terminated.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process was killed by a signal.
	Code int `json:"code"`

	// Signal names the terminating signal, empty if none.
	Signal string `json:"signal,omitempty"`
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// ExitError reports worker termination.
type ExitError struct {
	State  State
	Status ExitStatus
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("worker process exited (%s, %s)", e.State, e.Status)
}

// Unwrap makes errors.Is(err, ErrProcessExited) hold.
func (e *ExitError) Unwrap() error {
	return ErrProcessExited
}
