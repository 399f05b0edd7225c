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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// installLayout names the files a valid installation must contain,
// relative to its home directory.
type installLayout struct {
	binRel string
	libDir string
	lib    string
}

func platformLayout() installLayout {
	switch runtime.GOOS {
	case "windows":
		return installLayout{binRel: filepath.Join("bin", "x64", "R.exe"), libDir: filepath.Join("bin", "x64"), lib: "R.dll"}
	case "darwin":
		return installLayout{binRel: filepath.Join("bin", "R"), libDir: "lib", lib: "libR.dylib"}
	default:
		return installLayout{binRel: filepath.Join("bin", "R"), libDir: "lib", lib: "libR.so"}
	}
}

// ExecutablePath returns where the interpreter binary lives under home.
func ExecutablePath(home string) string {
	return filepath.Join(home, platformLayout().binRel)
}

// LibraryPath returns where the interpreter shared library lives under home.
func LibraryPath(home string) string {
	l := platformLayout()
	return filepath.Join(home, l.libDir, l.lib)
}

var versionDefine = regexp.MustCompile(`^#define\s+R_(MAJOR|MINOR)\s+"([0-9.]+)"`)

// verify checks a candidate and builds its InterpreterInfo.
//
// Description:
//
//	The version comes from include/Rversion.h when present, otherwise from
//	the candidate's hint. The executable and shared library must exist.
//
// Outputs:
//
//	InterpreterInfo - The verified installation
//	error - Non-nil describing why the candidate was rejected
func verify(c Candidate, source string) (InterpreterInfo, error) {
	home := filepath.Clean(c.Home)
	st, err := os.Stat(home)
	if err != nil {
		return InterpreterInfo{}, err
	}
	if !st.IsDir() {
		return InterpreterInfo{}, fmt.Errorf("%s is not a directory", home)
	}

	layout := platformLayout()
	bin := filepath.Join(home, layout.binRel)
	if !isFile(bin) {
		return InterpreterInfo{}, fmt.Errorf("missing executable %s", bin)
	}
	libDir := filepath.Join(home, layout.libDir)
	if !isFile(filepath.Join(libDir, layout.lib)) {
		return InterpreterInfo{}, fmt.Errorf("missing library %s", filepath.Join(libDir, layout.lib))
	}

	include := firstDir(
		filepath.Join(home, "include"),
		filepath.Join(filepath.Dir(filepath.Dir(home)), "share", "R", "include"),
	)

	var version Version
	var verr error
	if include != "" {
		version, verr = readVersionHeader(filepath.Join(include, "Rversion.h"))
	}
	if include == "" || verr != nil {
		if c.VersionHint == "" {
			return InterpreterInfo{}, fmt.Errorf("cannot determine version of %s", home)
		}
		version, err = ParseVersion(c.VersionHint)
		if err != nil {
			return InterpreterInfo{}, err
		}
	}

	return InterpreterInfo{
		Name:        "R " + version.String(),
		Version:     version,
		InstallPath: home,
		BinPath:     bin,
		LibPath:     libDir,
		LibName:     layout.lib,
		DocPath: firstDir(
			filepath.Join(home, "doc"),
			filepath.Join(filepath.Dir(filepath.Dir(home)), "share", "R", "doc"),
		),
		IncludePath:     include,
		SiteLibraryPath: firstDir(filepath.Join(home, "site-library"), filepath.Join(home, "library")),
		Source:          source,
	}, nil
}

// readVersionHeader extracts R_MAJOR and R_MINOR. R_MINOR carries
// "minor.patch", e.g. "3.1".
func readVersionHeader(path string) (Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return Version{}, err
	}
	defer f.Close()

	var major, minor string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := versionDefine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		if m[1] == "MAJOR" {
			major = m[2]
		} else {
			minor = m[2]
		}
	}
	if err := sc.Err(); err != nil {
		return Version{}, err
	}
	if major == "" || minor == "" {
		return Version{}, fmt.Errorf("%s: version defines not found", path)
	}
	return ParseVersion(major + "." + minor)
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func firstDir(paths ...string) string {
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			return p
		}
	}
	return ""
}
