// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts manages the directory of markdown system prompts and the
// globally active one.
package prompts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultFallback is used whenever no prompt file can be read.
const DefaultFallback = "You are a helpful AI assistant."

const promptExt = ".md"

var (
	// ErrInvalidFilename is returned for names that are not a bare *.md file.
	ErrInvalidFilename = errors.New("invalid prompt filename")

	// ErrPromptNotFound is returned when the named prompt file does not exist.
	ErrPromptNotFound = errors.New("prompt not found")
)

// SystemPromptReplacer rewrites the system turn of every live session.
type SystemPromptReplacer interface {
	ReplaceSystemPrompt(text string) int
}

// Prompt is one prompt file.
type Prompt struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Provider serves system prompts from a directory.
//
// # Description
//
// Every *.md file in the directory is a prompt. The active prompt starts as
// the first file in name order and can be switched at runtime; switching
// rewrites the system turn of every existing session through the injected
// SystemPromptReplacer. When nothing can be read, the fallback text is used.
//
// # Thread Safety
//
// Safe for concurrent use.
type Provider struct {
	dir      string
	fallback string
	sessions SystemPromptReplacer

	mu         sync.RWMutex
	activeFile string
}

// NewProvider creates a Provider. sessions may be nil, in which case prompt
// switches only affect new sessions.
func NewProvider(dir, fallback string, sessions SystemPromptReplacer) *Provider {
	if fallback == "" {
		fallback = DefaultFallback
	}
	return &Provider{
		dir:      dir,
		fallback: fallback,
		sessions: sessions,
	}
}

// Dir returns the prompt directory.
func (p *Provider) Dir() string {
	return p.dir
}

// ActiveFilename returns the active prompt file, resolving the default if
// none has been chosen yet. Empty when the directory has no prompts.
func (p *Provider) ActiveFilename() string {
	p.mu.RLock()
	active := p.activeFile
	p.mu.RUnlock()
	if active != "" {
		return active
	}

	first, err := p.firstPromptFile()
	if err != nil {
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeFile == "" {
		p.activeFile = first
	}
	return p.activeFile
}

// LoadActivePrompt returns the active prompt text, read fresh from disk so
// edits apply to the next session created. Never fails; falls back to the
// configured fallback text.
func (p *Provider) LoadActivePrompt() string {
	active := p.ActiveFilename()
	if active == "" {
		slog.Warn("No system prompt files found, using fallback", "dir", p.dir)
		return p.fallback
	}

	content, err := p.read(active)
	if err != nil {
		slog.Error("Failed to load active system prompt, using fallback",
			"file", active,
			"error", err,
		)
		return p.fallback
	}
	return content
}

// List returns every prompt in filename order.
func (p *Provider) List() ([]Prompt, error) {
	files, err := p.promptFiles()
	if err != nil {
		return nil, fmt.Errorf("read prompt directory: %w", err)
	}

	prompts := make([]Prompt, 0, len(files))
	for _, name := range files {
		content, err := p.read(name)
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", name, err)
		}
		prompts = append(prompts, Prompt{
			Name:     strings.TrimSuffix(name, promptExt),
			Filename: name,
			Content:  content,
		})
	}
	return prompts, nil
}

// Save writes a prompt file. Saving the active prompt propagates the new text
// to every session.
func (p *Provider) Save(filename, content string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create prompt directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.dir, filename), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write prompt %s: %w", filename, err)
	}

	slog.Info("Saved system prompt", "file", filename, "bytes", len(content))

	if filename == p.ActiveFilename() {
		p.propagate(content)
	}
	return nil
}

// SetActive switches the active prompt and rewrites the system turn of every
// session. Returns the new prompt text.
func (p *Provider) SetActive(filename string) (string, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}

	content, err := p.read(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrPromptNotFound, filename)
		}
		return "", fmt.Errorf("read prompt %s: %w", filename, err)
	}

	p.mu.Lock()
	p.activeFile = filename
	p.mu.Unlock()

	slog.Info("Active system prompt changed", "file", filename)
	p.propagate(content)
	return content, nil
}

// ReloadActive re-reads the active prompt and propagates it. Used by the
// directory watcher.
func (p *Provider) ReloadActive() error {
	active := p.ActiveFilename()
	if active == "" {
		return fmt.Errorf("%w: no active prompt", ErrPromptNotFound)
	}
	content, err := p.read(active)
	if err != nil {
		return fmt.Errorf("reload prompt %s: %w", active, err)
	}
	p.propagate(content)
	return nil
}

func (p *Provider) propagate(content string) {
	if p.sessions == nil {
		return
	}
	n := p.sessions.ReplaceSystemPrompt(content)
	slog.Info("Propagated system prompt to sessions", "sessions", n)
}

func (p *Provider) read(filename string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, filename))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// promptFiles lists *.md files; os.ReadDir returns them sorted by name.
func (p *Provider) promptFiles() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), promptExt) {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

func (p *Provider) firstPromptFile() (string, error) {
	files, err := p.promptFiles()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", ErrPromptNotFound
	}
	return files[0], nil
}

// ValidateFilename accepts only a bare file name ending in ".md".
func ValidateFilename(filename string) error {
	switch {
	case !strings.HasSuffix(filename, promptExt) || len(filename) == len(promptExt):
		return fmt.Errorf("%w: %q must end in %s", ErrInvalidFilename, filename, promptExt)
	case strings.ContainsAny(filename, `/\`) || filepath.Base(filename) != filename:
		return fmt.Errorf("%w: %q must not contain a path", ErrInvalidFilename, filename)
	case strings.HasPrefix(filename, "."):
		return fmt.Errorf("%w: %q must not be hidden", ErrInvalidFilename, filename)
	}
	return nil
}
