// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectMode_NonTerminalIsPlain(t *testing.T) {
	assert.Equal(t, ModePlain, DetectMode(&bytes.Buffer{}))
}

func TestDetectMode_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.Equal(t, ModePlain, DetectMode(nil))
}

func TestPrinter_PlainStatusLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Title("ignored")
	p.Success("session %s open", "a")
	p.Warning("slow")
	p.Error("failed: %d", 3)
	p.Line("raw")

	assert.Equal(t, "OK: session a open\nWARN: slow\nERROR: failed: 3\nraw\n", buf.String())
}

func TestPrinter_PlainTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	require.NoError(t, p.Table([]string{"VERSION", "HOME"}, [][]string{
		{"4.3.1", "/opt/R/4.3.1"},
		{"4.2.0", "/opt/R/4.2.0"},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "VERSION"))
	assert.Contains(t, lines[1], "/opt/R/4.3.1")
	assert.Equal(t, strings.Index(lines[0], "HOME"), strings.Index(lines[1], "/opt"))
}

func TestPrinter_StyledTableContainsCells(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeStyled)

	require.NoError(t, p.Table([]string{"VERSION"}, [][]string{{"4.3.1"}}))
	p.Success("done")

	out := buf.String()
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "4.3.1")
	assert.Contains(t, out, "done")
	assert.Equal(t, ModeStyled, p.Mode())
}
