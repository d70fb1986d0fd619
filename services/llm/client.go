// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm talks to the upstream chat-completion provider.
//
// # Description
//
// The package exposes a CompletionClient with a buffered mode (one request,
// one assistant message) and a streaming mode that hands back the raw
// response body as a sequence of byte chunks. Turning those chunks into
// content deltas is the job of Decoder, which is transport independent.
//
// The wire format is the OpenAI-compatible /chat/completions API used by
// Venice and most hosted providers.
package llm

import (
	"context"
	"fmt"
)

// Message is one entry of the conversation history sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries per-call model and sampling parameters. Nil pointers and
// zero values are omitted from the upstream request.
type Options struct {
	// Model overrides the client's active model when non-empty.
	Model string

	MaxTokens        int
	Temperature      *float32
	TopP             *float32
	FrequencyPenalty *float32
	PresencePenalty  *float32

	// VeniceParameters is forwarded verbatim as "venice_parameters".
	VeniceParameters map[string]any
}

// CompletionClient defines the upstream operations used by the relay.
type CompletionClient interface {
	// Complete sends history with stream=false and returns the assistant text.
	Complete(ctx context.Context, history []Message, opts Options) (string, error)

	// Stream sends history with stream=true and returns a handle over the raw
	// response body. The caller must Close the handle.
	Stream(ctx context.Context, history []Message, opts Options) (*Stream, error)
}

// UpstreamError describes a failed exchange with the completion provider.
//
// Exactly one of StatusCode (non-2xx response) or Err (transport failure) is set.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream transport error: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether the failure happened below HTTP (dial, reset, timeout).
func (e *UpstreamError) IsTransport() bool {
	return e.Err != nil
}
