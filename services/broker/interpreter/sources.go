// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package interpreter

import (
	"context"
	"os"
	"path/filepath"
)

// DirectorySource proposes every child of its roots as a candidate, and the
// roots themselves.
type DirectorySource struct {
	SourceName string
	Roots      []string
}

// Name implements Source.
func (d DirectorySource) Name() string {
	if d.SourceName == "" {
		return "directory"
	}
	return d.SourceName
}

// Candidates implements Source. Missing roots are skipped.
func (d DirectorySource) Candidates(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	for _, root := range d.Roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, Candidate{Home: root, VersionHint: filepath.Base(root)})
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				out = append(out, Candidate{Home: filepath.Join(root, e.Name()), VersionHint: e.Name()})
			}
		}
	}
	return out, nil
}

// GlobSource proposes paths matching shell patterns.
type GlobSource struct {
	SourceName string
	Patterns   []string

	// HintFrom extracts a version hint from a match; nil means none.
	HintFrom func(match string) string
}

// Name implements Source.
func (g GlobSource) Name() string {
	return g.SourceName
}

// Candidates implements Source.
func (g GlobSource) Candidates(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	for _, pattern := range g.Patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			c := Candidate{Home: m}
			if g.HintFrom != nil {
				c.VersionHint = g.HintFrom(m)
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// EnvSource proposes the installation named by an environment variable.
type EnvSource struct {
	Variable string
}

// Name implements Source.
func (e EnvSource) Name() string {
	return "env:" + e.Variable
}

// Candidates implements Source.
func (e EnvSource) Candidates(context.Context) ([]Candidate, error) {
	home := os.Getenv(e.Variable)
	if home == "" {
		return nil, nil
	}
	return []Candidate{{Home: home}}, nil
}
