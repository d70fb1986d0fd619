// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output for the chatrelay CLI.
package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Color palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // assistant text, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // prompt marker
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles are the lipgloss styles used by Printer.
var Styles = struct {
	Title     lipgloss.Style
	Prompt    lipgloss.Style
	Assistant lipgloss.Style
	Muted     lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Prompt:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Assistant: lipgloss.NewStyle().Foreground(ColorTealBright),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
}

// Printer writes styled or plain output depending on its Level.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	out   io.Writer
	level Level
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer, level Level) *Printer {
	return &Printer{out: out, level: level}
}

// Level returns the printer's output level.
func (p *Printer) Level() Level {
	return p.level
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.level == LevelPlain {
		return text
	}
	return s.Render(text)
}

// Title prints a heading. Plain output skips it.
func (p *Printer) Title(text string) {
	if p.level == LevelPlain {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Prompt prints the input marker without a newline.
func (p *Printer) Prompt() {
	if p.level == LevelPlain {
		return
	}
	fmt.Fprint(p.out, Styles.Prompt.Render("you › "))
}

// Delta prints one piece of assistant text as it arrives.
func (p *Printer) Delta(text string) {
	fmt.Fprint(p.out, p.style(Styles.Assistant, text))
}

// EndReply terminates an assistant reply.
func (p *Printer) EndReply() {
	fmt.Fprintln(p.out)
}

// Muted prints secondary information. Plain output skips it.
func (p *Printer) Muted(text string) {
	if p.level == LevelPlain {
		return
	}
	fmt.Fprintln(p.out, Styles.Muted.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if p.level == LevelPlain {
		fmt.Fprintf(p.out, "WARN: %s\n", text)
		return
	}
	fmt.Fprintln(p.out, Styles.Warning.Render("⚠ "+text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	if p.level == LevelPlain {
		fmt.Fprintf(p.out, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintln(p.out, Styles.Error.Render("✗ "+text))
}
