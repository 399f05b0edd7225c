// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package interpreter

import (
	"path/filepath"
	"strings"
)

// DefaultSources returns the sources for this platform plus extraRoots.
//
// Description:
//
//	Linux and macOS installs live under a handful of well-known roots:
//	distribution packages, /opt/R/<version> builds and R.framework
//	versions. R_HOME is honored first.
func DefaultSources(extraRoots []string) []Source {
	sources := []Source{
		EnvSource{Variable: "R_HOME"},
		GlobSource{
			SourceName: "system",
			Patterns:   []string{"/usr/lib/R", "/usr/lib64/R", "/usr/local/lib/R", "/usr/local/lib64/R"},
		},
		GlobSource{
			SourceName: "opt",
			Patterns:   []string{"/opt/R/*/lib/R", "/opt/R/*/lib64/R"},
			HintFrom:   optVersion,
		},
		GlobSource{
			SourceName: "framework",
			Patterns:   []string{"/Library/Frameworks/R.framework/Versions/*/Resources"},
			HintFrom:   frameworkVersion,
		},
	}
	if len(extraRoots) > 0 {
		sources = append(sources, DirectorySource{SourceName: "configured", Roots: extraRoots})
	}
	return sources
}

// optVersion maps /opt/R/4.3.1/lib/R to "4.3.1".
func optVersion(match string) string {
	return filepath.Base(filepath.Dir(filepath.Dir(match)))
}

// frameworkVersion maps .../Versions/4.3-arm64/Resources to "4.3".
func frameworkVersion(match string) string {
	v := filepath.Base(filepath.Dir(match))
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v = v[:i]
	}
	return v
}
