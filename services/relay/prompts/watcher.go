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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the active prompt when its file changes on disk.
//
// # Description
//
// Watches the prompt directory with fsnotify. Writes, creates and renames of
// the active prompt file are debounced and then trigger
// Provider.ReloadActive, which propagates the new text to every session.
// Changes to other files are ignored.
type Watcher struct {
	provider *Provider
	debounce time.Duration
	watcher  *fsnotify.Watcher
	onReload func(filename string)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher on provider's directory. onReload may be nil.
func NewWatcher(provider *Provider, debounce time.Duration, onReload func(filename string)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create prompt watcher: %w", err)
	}
	if err := fw.Add(provider.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch prompt directory %s: %w", provider.Dir(), err)
	}
	return &Watcher{
		provider: provider,
		debounce: debounce,
		watcher:  fw,
		onReload: onReload,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
	slog.Info("Watching system prompt directory", "dir", w.provider.Dir())
}

// Stop ends the loop and releases the fsnotify watcher. Idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Prompt watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	return filepath.Base(event.Name) == w.provider.ActiveFilename()
}

func (w *Watcher) reload() {
	active := w.provider.ActiveFilename()
	if err := w.provider.ReloadActive(); err != nil {
		slog.Warn("Failed to reload active system prompt", "file", active, "error", err)
		return
	}
	slog.Info("Reloaded active system prompt after file change", "file", active)
	if w.onReload != nil {
		w.onReload(active)
	}
}
