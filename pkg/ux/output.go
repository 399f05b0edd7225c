// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders command-line output for the broker CLI. Styled output
// is used on terminals; pipes and files get plain, parseable text.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles holds the pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Border  lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Border:  lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Mode selects how a Printer renders.
type Mode int

const (
	// ModePlain writes undecorated text with "OK:"/"WARN:"/"ERROR:" prefixes.
	ModePlain Mode = iota

	// ModeStyled writes colors, icons and bordered tables.
	ModeStyled
)

// DetectMode returns ModeStyled when w is a terminal and NO_COLOR is unset.
func DetectMode(w io.Writer) Mode {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return ModePlain
	}
	f, ok := w.(*os.File)
	if !ok {
		return ModePlain
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return ModeStyled
	}
	return ModePlain
}

// Printer writes status lines and tables.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a printer writing to w in the given mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Auto creates a printer whose mode is detected from w.
func Auto(w io.Writer) *Printer {
	return NewPrinter(w, DetectMode(w))
}

// Mode returns the printer's rendering mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a heading. Plain mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModePlain {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.status("OK", "✓", Styles.Success, format, args...)
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.status("WARN", "⚠", Styles.Warning, format, args...)
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	p.status("ERROR", "✗", Styles.Error, format, args...)
}

// Line prints text unchanged.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.w, text)
}

func (p *Printer) status(prefix, icon string, style lipgloss.Style, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "%s: %s\n", prefix, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", style.Render(icon), text)
}

// Table prints rows under headers. Plain mode writes tab-aligned columns;
// styled mode draws a rounded table.
//
// Outputs:
//
//	error - Non-nil if the writer fails
func (p *Printer) Table(headers []string, rows [][]string) error {
	if p.mode == ModePlain {
		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	_, err := fmt.Fprintln(p.w, t.Render())
	return err
}
