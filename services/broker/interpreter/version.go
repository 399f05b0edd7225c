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
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is an interpreter release number.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// ParseVersion parses "MAJOR[.MINOR[.PATCH]]", tolerating a leading "v"
// and trailing qualifiers such as "4.3.1-patched".
func ParseVersion(s string) (Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(trimmed, " -+"); i >= 0 {
		trimmed = trimmed[:i]
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String returns "MAJOR.MINOR.PATCH".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or +1 as v is older than, equal to, or newer than o.
func (v Version) Compare(o Version) int {
	return semver.Compare(v.canonical(), o.canonical())
}

// MajorMinor drops the patch component.
func (v Version) MajorMinor() MajorMinor {
	return MajorMinor{Major: v.Major, Minor: v.Minor}
}

func (v Version) canonical() string {
	return "v" + v.String()
}

// MajorMinor is a (major, minor) pair used for range bounds.
type MajorMinor struct {
	Major int `json:"major" yaml:"major"`
	Minor int `json:"minor" yaml:"minor"`
}

func (m MajorMinor) String() string {
	return fmt.Sprintf("%d.%d", m.Major, m.Minor)
}

func (m MajorMinor) compare(o MajorMinor) int {
	return semver.Compare(fmt.Sprintf("v%d.%d.0", m.Major, m.Minor), fmt.Sprintf("v%d.%d.0", o.Major, o.Minor))
}

// SupportedVersionRange bounds the interpreter versions a session accepts.
type SupportedVersionRange struct {
	Min MajorMinor `json:"min" yaml:"min"`
	Max MajorMinor `json:"max" yaml:"max"`
}

// DefaultSupportedRange covers the interpreter releases the worker host
// is known to run against.
var DefaultSupportedRange = SupportedVersionRange{
	Min: MajorMinor{Major: 3, Minor: 2},
	Max: MajorMinor{Major: 4, Minor: 5},
}

// Contains reports whether v's (major, minor) lies within [Min, Max].
// The patch component is ignored.
func (r SupportedVersionRange) Contains(v Version) bool {
	mm := v.MajorMinor()
	return mm.compare(r.Min) >= 0 && mm.compare(r.Max) <= 0
}

func (r SupportedVersionRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Min, r.Max)
}

// ParseMajorMinor parses "MAJOR.MINOR". A patch component is rejected.
func ParseMajorMinor(s string) (MajorMinor, error) {
	if strings.Count(s, ".") != 1 {
		return MajorMinor{}, fmt.Errorf("invalid version bound %q: want MAJOR.MINOR", s)
	}
	v, err := ParseVersion(s)
	if err != nil {
		return MajorMinor{}, err
	}
	return v.MajorMinor(), nil
}

// Valid reports whether Min does not exceed Max.
func (r SupportedVersionRange) Valid() bool {
	return r.Min.compare(r.Max) <= 0
}
