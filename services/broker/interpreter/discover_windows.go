// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package interpreter

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows/registry"
)

// registryKey is where the R installer records installations.
const registryKey = `SOFTWARE\R-core\R`

// DefaultSources returns the sources for this platform plus extraRoots.
func DefaultSources(extraRoots []string) []Source {
	sources := []Source{
		EnvSource{Variable: "R_HOME"},
		RegistrySource{Root: registry.LOCAL_MACHINE},
		RegistrySource{Root: registry.CURRENT_USER},
		DirectorySource{
			SourceName: "program-files",
			Roots:      []string{filepath.Join(os.Getenv("ProgramFiles"), "R")},
		},
	}
	if len(extraRoots) > 0 {
		sources = append(sources, DirectorySource{SourceName: "configured", Roots: extraRoots})
	}
	return sources
}

// RegistrySource reads installations from the Windows registry. Each
// version subkey carries an InstallPath value.
type RegistrySource struct {
	Root registry.Key
}

// Name implements Source.
func (s RegistrySource) Name() string {
	if s.Root == registry.CURRENT_USER {
		return "registry:hkcu"
	}
	return "registry:hklm"
}

// Candidates implements Source.
func (s RegistrySource) Candidates(ctx context.Context) ([]Candidate, error) {
	key, err := registry.OpenKey(s.Root, registryKey, registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer key.Close()

	names, err := key.ReadSubKeyNames(-1)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sub, err := registry.OpenKey(key, name, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		home, _, err := sub.GetStringValue("InstallPath")
		sub.Close()
		if err != nil || home == "" {
			continue
		}
		out = append(out, Candidate{Home: home, VersionHint: name})
	}
	return out, nil
}
