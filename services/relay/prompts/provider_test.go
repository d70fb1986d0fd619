// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// recordingReplacer captures every propagated prompt.
type recordingReplacer struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingReplacer) ReplaceSystemPrompt(text string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return 1
}

func (r *recordingReplacer) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

func writePrompt(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newPromptDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writePrompt(t, dir, "b_coder.md", "You write code.")
	writePrompt(t, dir, "a_default.md", "You are terse.")
	writePrompt(t, dir, "notes.txt", "not a prompt")
	return dir
}

// =============================================================================
// Provider
// =============================================================================

func TestProvider_FirstFileIsDefault(t *testing.T) {
	p := NewProvider(newPromptDir(t), "", nil)
	assert.Equal(t, "a_default.md", p.ActiveFilename())
	assert.Equal(t, "You are terse.", p.LoadActivePrompt())
}

func TestProvider_FallbackWhenEmpty(t *testing.T) {
	p := NewProvider(t.TempDir(), "", nil)
	assert.Equal(t, DefaultFallback, p.LoadActivePrompt())

	missing := NewProvider(filepath.Join(t.TempDir(), "nope"), "custom fallback", nil)
	assert.Equal(t, "custom fallback", missing.LoadActivePrompt())
}

func TestProvider_List(t *testing.T) {
	p := NewProvider(newPromptDir(t), "", nil)
	prompts, err := p.List()
	require.NoError(t, err)
	assert.Equal(t, []Prompt{
		{Name: "a_default", Filename: "a_default.md", Content: "You are terse."},
		{Name: "b_coder", Filename: "b_coder.md", Content: "You write code."},
	}, prompts)
}

func TestProvider_ListMissingDir(t *testing.T) {
	p := NewProvider(filepath.Join(t.TempDir(), "nope"), "", nil)
	_, err := p.List()
	assert.Error(t, err)
}

func TestProvider_SetActivePropagates(t *testing.T) {
	rec := &recordingReplacer{}
	p := NewProvider(newPromptDir(t), "", rec)

	content, err := p.SetActive("b_coder.md")
	require.NoError(t, err)
	assert.Equal(t, "You write code.", content)
	assert.Equal(t, "b_coder.md", p.ActiveFilename())
	assert.Equal(t, "You write code.", rec.last())
	assert.Equal(t, "You write code.", p.LoadActivePrompt())
}

func TestProvider_SetActiveErrors(t *testing.T) {
	rec := &recordingReplacer{}
	p := NewProvider(newPromptDir(t), "", rec)

	_, err := p.SetActive("missing.md")
	assert.ErrorIs(t, err, ErrPromptNotFound)

	_, err = p.SetActive("notes.txt")
	assert.ErrorIs(t, err, ErrInvalidFilename)

	assert.Empty(t, rec.texts, "failed switches do not propagate")
	assert.Equal(t, "a_default.md", p.ActiveFilename())
}

func TestProvider_SaveActivePropagates(t *testing.T) {
	rec := &recordingReplacer{}
	dir := newPromptDir(t)
	p := NewProvider(dir, "", rec)

	require.NoError(t, p.Save("a_default.md", "Be even more terse."))
	assert.Equal(t, "Be even more terse.", rec.last())

	require.NoError(t, p.Save("new.md", "Unrelated."))
	assert.Len(t, rec.texts, 1, "saving an inactive prompt does not propagate")

	data, err := os.ReadFile(filepath.Join(dir, "new.md"))
	require.NoError(t, err)
	assert.Equal(t, "Unrelated.", string(data))
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"prompt.md", true},
		{"my prompt.md", true},
		{".md", false},
		{".hidden.md", false},
		{"prompt.txt", false},
		{"../escape.md", false},
		{"dir/prompt.md", false},
		{`dir\prompt.md`, false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilename(tt.name)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidFilename)
			}
		})
	}
}

// =============================================================================
// Watcher
// =============================================================================

func TestWatcher_ReloadsActivePromptOnWrite(t *testing.T) {
	rec := &recordingReplacer{}
	dir := newPromptDir(t)
	p := NewProvider(dir, "", rec)
	require.Equal(t, "a_default.md", p.ActiveFilename())

	reloaded := make(chan string, 4)
	w, err := NewWatcher(p, 20*time.Millisecond, func(f string) { reloaded <- f })
	require.NoError(t, err)
	w.Start(context.Background())
	defer w.Stop()

	writePrompt(t, dir, "a_default.md", "Edited on disk.")

	select {
	case f := <-reloaded:
		assert.Equal(t, "a_default.md", f)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload the active prompt")
	}
	assert.Equal(t, "Edited on disk.", rec.last())
}

func TestWatcher_IgnoresInactiveFiles(t *testing.T) {
	rec := &recordingReplacer{}
	dir := newPromptDir(t)
	p := NewProvider(dir, "", rec)
	p.ActiveFilename()

	reloaded := make(chan string, 4)
	w, err := NewWatcher(p, 10*time.Millisecond, func(f string) { reloaded <- f })
	require.NoError(t, err)
	w.Start(context.Background())
	defer w.Stop()

	writePrompt(t, dir, "b_coder.md", "changed")

	select {
	case f := <-reloaded:
		t.Fatalf("unexpected reload of %s", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	p := NewProvider(t.TempDir(), "", nil)
	w, err := NewWatcher(p, 0, nil)
	require.NoError(t, err)
	w.Start(context.Background())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestNewWatcher_MissingDir(t *testing.T) {
	p := NewProvider(filepath.Join(t.TempDir(), "nope"), "", nil)
	_, err := NewWatcher(p, 0, nil)
	assert.Error(t, err)
}
