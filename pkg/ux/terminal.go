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
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Level selects rich or plain output.
type Level string

const (
	// LevelRich uses colors and prompt markers.
	LevelRich Level = "rich"

	// LevelPlain writes bare text suitable for pipes and scripts.
	LevelPlain Level = "plain"
)

// EnvOutput overrides terminal detection with "rich" or "plain".
const EnvOutput = "CHATRELAY_OUTPUT"

// ParseLevel converts s to a Level. Unknown values are rich.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "machine", "quiet":
		return LevelPlain
	default:
		return LevelRich
	}
}

// DetectLevel picks the output level for f.
//
// EnvOutput wins when set. NO_COLOR or a non-terminal f gives plain output.
func DetectLevel(f *os.File) Level {
	if v := os.Getenv(EnvOutput); v != "" {
		return ParseLevel(v)
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return LevelPlain
	}
	if !IsTerminal(f) {
		return LevelPlain
	}
	return LevelRich
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
