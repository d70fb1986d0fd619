// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// doneFrame terminates a successful stream.
const doneFrame = "data: [DONE]\n\n"

// SSEWriter writes the relay's outbound event stream.
//
// # Description
//
// Content deltas are written as plain-text data frames, not JSON. A delta
// that contains newlines becomes one frame with several "data:" lines, which
// SSE clients join back with "\n". Every write is flushed immediately.
//
// # Thread Safety
//
// Safe for concurrent use; the heartbeat goroutine and the request goroutine
// share one writer.
type SSEWriter interface {
	// WriteData writes one content delta as a single frame.
	WriteData(text string) error

	// WriteDone writes the "data: [DONE]" terminator.
	WriteDone() error

	// WriteError writes an "event: error" frame. Only used when in-band error
	// reporting is enabled.
	WriteError(message string) error

	// WriteKeepAlive writes an SSE comment that clients ignore.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w. Returns an error if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteData(text string) error {
	return w.write(formatDataFrame(text))
}

func (w *sseWriter) WriteDone() error {
	return w.write(doneFrame)
}

func (w *sseWriter) WriteError(message string) error {
	return w.write("event: error\n" + formatDataFrame(message))
}

func (w *sseWriter) WriteKeepAlive() error {
	return w.write(": ping\n\n")
}

func (w *sseWriter) write(frame string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := io.WriteString(w.writer, frame); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// formatDataFrame renders text as "data: <line>\n" per line plus the blank
// line that ends the frame.
func formatDataFrame(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	return sb.String()
}

// SetSSEHeaders sets the response headers for an event stream.
//
// X-Accel-Buffering stops nginx from holding frames back.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
