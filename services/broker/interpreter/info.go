// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package interpreter discovers installed interpreters and selects one that
// matches a supported version range.
//
// Discovery runs a set of platform Sources (well-known filesystem roots,
// the Windows registry, configured directories) and verifies each candidate
// install. Every call returns a fresh snapshot of immutable values.
package interpreter

import (
	"context"
	"errors"
)

// ErrNoCompatibleInterpreter is returned when no verified installation lies
// within the requested range.
var ErrNoCompatibleInterpreter = errors.New("no compatible interpreter found")

// InterpreterInfo describes one verified installation.
//
// Description:
//
//	Values are immutable snapshots. A rescan produces new values and never
//	modifies ones already handed out.
type InterpreterInfo struct {
	// Name is a display name such as "R 4.3.1".
	Name string `json:"name"`

	// Version is the installation's release.
	Version Version `json:"version"`

	// InstallPath is the interpreter home directory.
	InstallPath string `json:"install_path"`

	// BinPath is the interpreter executable.
	BinPath string `json:"bin_path"`

	// LibPath is the directory holding the shared library.
	LibPath string `json:"lib_path"`

	// LibName is the shared library file name within LibPath.
	LibName string `json:"lib_name"`

	// DocPath is the documentation directory, empty if absent.
	DocPath string `json:"doc_path,omitempty"`

	// IncludePath is the C headers directory, empty if absent.
	IncludePath string `json:"include_path,omitempty"`

	// SiteLibraryPath is the site package library, empty if absent.
	SiteLibraryPath string `json:"site_library_path,omitempty"`

	// Source names the discovery source that found the installation.
	Source string `json:"source"`
}

// ID returns a stable identifier for the installation.
func (i InterpreterInfo) ID() string {
	return i.Version.String() + "@" + i.InstallPath
}

// Candidate is an unverified installation reported by a Source.
type Candidate struct {
	// Home is the claimed install path.
	Home string

	// VersionHint is used when the install carries no version header.
	VersionHint string
}

// Source enumerates candidate installations from one platform location.
//
// Description:
//
//	Implementations exist per platform and are selected at build time.
//	A Source only proposes; the Registry verifies.
type Source interface {
	// Name identifies the source in logs and InterpreterInfo.Source.
	Name() string

	// Candidates lists possible installations.
	Candidates(ctx context.Context) ([]Candidate, error)
}
