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
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry discovers interpreter installations.
//
// Description:
//
//	Holds no cached results; each Discover runs the sources again.
//	Concurrent Discover calls share a single scan.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Registry struct {
	sources []Source
	group   singleflight.Group
	logger  *slog.Logger
}

// NewRegistry creates a registry over the given sources. With no sources it
// uses DefaultSources(nil).
func NewRegistry(sources ...Source) *Registry {
	if len(sources) == 0 {
		sources = DefaultSources(nil)
	}
	return &Registry{
		sources: sources,
		logger:  slog.Default().With(slog.String("component", "interpreter_registry")),
	}
}

// Discover scans every source and returns all verified installations.
//
// Description:
//
//	Sources that fail are logged and skipped. Candidates failing
//	verification are dropped. Installations reachable through several
//	sources are reported once, attributed to the first source.
//
// Inputs:
//
//	ctx - Cancels the scan
//
// Outputs:
//
//	[]InterpreterInfo - A fresh slice owned by the caller
//	error - ctx.Err() if cancelled
func (r *Registry) Discover(ctx context.Context) ([]InterpreterInfo, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	ch := r.group.DoChan("discover", func() (any, error) {
		return r.scan(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]InterpreterInfo)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) scan(ctx context.Context) ([]InterpreterInfo, error) {
	seen := make(map[string]bool)
	var found []InterpreterInfo

	for _, src := range r.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates, err := src.Candidates(ctx)
		if err != nil {
			r.logger.Warn("interpreter source failed",
				slog.String("source", src.Name()),
				slog.String("error", err.Error()))
			continue
		}
		for _, c := range candidates {
			key := canonicalPath(c.Home)
			if seen[key] {
				continue
			}
			info, err := verify(c, src.Name())
			if err != nil {
				r.logger.Debug("interpreter candidate rejected",
					slog.String("source", src.Name()),
					slog.String("home", c.Home),
					slog.String("reason", err.Error()))
				continue
			}
			seen[key] = true
			found = append(found, info)
		}
	}
	return found, nil
}

// ListCompatible returns the installations within rng, newest first.
func (r *Registry) ListCompatible(ctx context.Context, rng SupportedVersionRange) ([]InterpreterInfo, error) {
	all, err := r.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return FilterCompatible(all, rng), nil
}

// Find returns the newest installation within rng.
//
// Outputs:
//
//	InterpreterInfo - The selected installation
//	error - ErrNoCompatibleInterpreter if none qualifies, ctx.Err() if cancelled
func (r *Registry) Find(ctx context.Context, rng SupportedVersionRange) (InterpreterInfo, error) {
	list, err := r.ListCompatible(ctx, rng)
	if err != nil {
		return InterpreterInfo{}, err
	}
	info, err := SelectLatest(list)
	if err != nil {
		return InterpreterInfo{}, fmt.Errorf("%w in range %s", err, rng)
	}
	return info, nil
}

// Lookup returns the compatible installation whose ID is id.
func (r *Registry) Lookup(ctx context.Context, rng SupportedVersionRange, id string) (InterpreterInfo, error) {
	list, err := r.ListCompatible(ctx, rng)
	if err != nil {
		return InterpreterInfo{}, err
	}
	for _, info := range list {
		if info.ID() == id {
			return info, nil
		}
	}
	return InterpreterInfo{}, fmt.Errorf("%w: %s", ErrNoCompatibleInterpreter, id)
}

// FilterCompatible keeps the entries within rng and orders them newest first.
// The input is not modified.
func FilterCompatible(list []InterpreterInfo, rng SupportedVersionRange) []InterpreterInfo {
	out := make([]InterpreterInfo, 0, len(list))
	for _, info := range list {
		if rng.Contains(info.Version) {
			out = append(out, info)
		}
	}
	slices.SortStableFunc(out, func(a, b InterpreterInfo) int {
		return b.Version.Compare(a.Version)
	})
	return out
}

// SelectLatest returns the newest entry in list.
//
// Outputs:
//
//	InterpreterInfo - The newest entry
//	error - ErrNoCompatibleInterpreter if list is empty
func SelectLatest(list []InterpreterInfo) (InterpreterInfo, error) {
	if len(list) == 0 {
		return InterpreterInfo{}, ErrNoCompatibleInterpreter
	}
	best := list[0]
	for _, info := range list[1:] {
		if info.Version.Compare(best.Version) > 0 {
			best = info
		}
	}
	return best, nil
}

func canonicalPath(p string) string {
	p = filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return p
}
