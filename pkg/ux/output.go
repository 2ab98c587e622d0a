// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders command results for terminals and pipes.
package ux

import (
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

// Styles used by Printer in ModeStyled.
var Styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Label:   lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Value:   lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
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
)

// Render returns the icon in its status color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Mode selects how a Printer formats output.
type Mode int

const (
	// ModeStyled uses colors and boxes.
	ModeStyled Mode = iota

	// ModePlain keeps the layout without escape sequences.
	ModePlain

	// ModeMachine writes key=value lines for scripts.
	ModeMachine
)

// DetectMode returns ModeStyled for a terminal and ModePlain otherwise.
func DetectMode(w io.Writer) Mode {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeStyled
	}
	return ModePlain
}

// Printer writes titled key/value reports.
type Printer struct {
	w          io.Writer
	mode       Mode
	labelWidth int
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode, labelWidth: 13}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a heading. Skipped in ModeMachine.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeMachine:
	case ModePlain:
		fmt.Fprintf(p.w, "%s\n%s\n", text, strings.Repeat("-", len(text)))
	default:
		fmt.Fprintln(p.w, Styles.Title.Render(text))
	}
}

// Field prints one labelled value.
func (p *Printer) Field(label string, value any) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "%s=%v\n", machineKey(label), value)
	case ModePlain:
		fmt.Fprintf(p.w, "%-*s %v\n", p.labelWidth, label+":", value)
	default:
		fmt.Fprintf(p.w, "%s %s\n",
			Styles.Label.Render(fmt.Sprintf("%-*s", p.labelWidth, label+":")),
			Styles.Value.Render(fmt.Sprint(value)))
	}
}

// Check prints a pass/fail line.
func (p *Printer) Check(ok bool, text string) {
	switch p.mode {
	case ModeMachine:
		status := "OK"
		if !ok {
			status = "FAIL"
		}
		fmt.Fprintf(p.w, "%s: %s\n", status, text)
	case ModePlain:
		icon := IconSuccess
		if !ok {
			icon = IconError
		}
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		if ok {
			fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
		} else {
			fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
		}
	}
}

// Box prints lines inside a rounded border in ModeStyled and as an
// indented block otherwise.
func (p *Printer) Box(title string, lines ...string) {
	switch p.mode {
	case ModeMachine:
		for _, l := range lines {
			fmt.Fprintf(p.w, "%s: %s\n", machineKey(title), l)
		}
	case ModePlain:
		fmt.Fprintf(p.w, "[%s]\n", title)
		for _, l := range lines {
			fmt.Fprintf(p.w, "  %s\n", l)
		}
	default:
		body := Styles.Title.Render(title) + "\n" + strings.Join(lines, "\n")
		fmt.Fprintln(p.w, Styles.Box.Render(body))
	}
}

func machineKey(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}
