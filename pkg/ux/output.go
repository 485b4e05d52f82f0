// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders treefabric CLI output.
//
// A Printer writes either styled text for a terminal or plain JSON for
// scripts. The mode is chosen once, from the destination, and can be forced
// with a flag or the TREEFABRIC_OUTPUT environment variable.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette: deep ocean teals.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// =============================================================================
// Mode
// =============================================================================

// Mode selects how a Printer writes.
type Mode string

const (
	// ModeAuto picks ModeStyled for terminals and ModeJSON otherwise.
	ModeAuto Mode = "auto"

	// ModeStyled writes colored, boxed text.
	ModeStyled Mode = "styled"

	// ModeJSON writes one indented JSON document per value.
	ModeJSON Mode = "json"
)

// EnvOutput overrides ModeAuto when set.
const EnvOutput = "TREEFABRIC_OUTPUT"

// ParseMode converts a flag value into a Mode. Unknown values are ModeAuto.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "styled", "text", "pretty":
		return ModeStyled
	case "json", "machine":
		return ModeJSON
	default:
		return ModeAuto
	}
}

// resolve turns ModeAuto into a concrete mode for w.
func resolve(mode Mode, w io.Writer) Mode {
	if mode != ModeAuto {
		return mode
	}
	if env := ParseMode(os.Getenv(EnvOutput)); env != ModeAuto {
		return env
	}
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			return ModeStyled
		}
	}
	return ModeJSON
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes command output in one mode.
type Printer struct {
	out  io.Writer
	mode Mode
}

// NewPrinter returns a Printer on out. ModeAuto is resolved immediately.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{out: out, mode: resolve(mode, out)}
}

// Mode returns the resolved mode.
func (p *Printer) Mode() Mode { return p.mode }

// Styled reports whether the printer writes styled text.
func (p *Printer) Styled() bool { return p.mode == ModeStyled }

// JSON writes v as indented JSON regardless of mode.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Line writes one line of text. It is silent in JSON mode.
func (p *Printer) Line(format string, args ...any) {
	if !p.Styled() {
		return
	}
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Box writes a titled box. It is silent in JSON mode.
func (p *Printer) Box(title string, lines []string) {
	if !p.Styled() {
		return
	}
	body := Styles.Title.Render(title)
	if len(lines) > 0 {
		body += "\n" + strings.Join(lines, "\n")
	}
	fmt.Fprintln(p.out, Styles.Box.Render(body))
}

// Status writes an icon and a message. It is silent in JSON mode.
func (p *Printer) Status(icon Icon, msg string) {
	_ = p.status(icon, msg)
}

func (p *Printer) status(icon Icon, msg string) error {
	if !p.Styled() {
		return nil
	}
	_, err := fmt.Fprintf(p.out, "%s %s\n", icon.Render(), msg)
	return err
}
