// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the relay's HTTP request and response bodies.
package datatypes

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxEncodedMessageBytes bounds the base64 message field before decoding.
// The word limit is checked after decoding; this only stops absurd bodies.
const MaxEncodedMessageBytes = 4 << 20

// MaxPromptBytes bounds a saved system prompt.
const MaxPromptBytes = 256 << 10

// =============================================================================
// Shared Validator Instance
// =============================================================================

var relayValidate *validator.Validate

func init() {
	relayValidate = validator.New()
	_ = relayValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) against the limit in
// the tag parameter, falling back to MaxEncodedMessageBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	limit := MaxEncodedMessageBytes
	if fl.Param() == "prompt" {
		limit = MaxPromptBytes
	}
	return len(fl.Field().String()) <= limit
}

// =============================================================================
// Chat
// =============================================================================

// ChatRequest is the body of POST /api/chat.
//
// # Fields
//
//   - Message: base64 of the percent-encoded UTF-8 text, as produced by
//     btoa(encodeURIComponent(text)) in the browser.
//   - ConversationID: Optional. A UUID is generated when empty and returned
//     to the caller.
type ChatRequest struct {
	Message        string `json:"message" validate:"required,maxbytes,base64"`
	ConversationID string `json:"conversationId" validate:"omitempty,max=128"`
}

// Validate checks struct tags.
func (r *ChatRequest) Validate() error {
	return relayValidate.Struct(r)
}

// EnsureDefaults generates a conversation id if none was given.
func (r *ChatRequest) EnsureDefaults() {
	if r.ConversationID == "" {
		r.ConversationID = uuid.NewString()
	}
}

// ChatResponse is the buffered reply.
type ChatResponse struct {
	Chat           string `json:"chat"`
	ConversationID string `json:"conversationId"`
}

// DeleteTurnResponse is the reply to a turn deletion.
type DeleteTurnResponse struct {
	Success      bool   `json:"success"`
	Conversation []Turn `json:"conversation"`
}

// Turn is the wire form of a session turn.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// Prompts and Models
// =============================================================================

// SavePromptRequest is the body of POST /api/system-prompts/:filename.
type SavePromptRequest struct {
	Content string `json:"content" validate:"maxbytes=prompt"`
}

// Validate checks struct tags.
func (r *SavePromptRequest) Validate() error {
	return relayValidate.Struct(r)
}

// ActivePromptRequest is the body of POST /api/active-prompt.
type ActivePromptRequest struct {
	Filename string `json:"filename" validate:"required,max=255"`
}

// Validate checks struct tags.
func (r *ActivePromptRequest) Validate() error {
	return relayValidate.Struct(r)
}

// UpdateModelRequest is the body of POST /api/update-model and /api/update-config.
type UpdateModelRequest struct {
	Model string `json:"model" validate:"required,max=200,printascii"`
}

// Validate checks struct tags.
func (r *UpdateModelRequest) Validate() error {
	return relayValidate.Struct(r)
}
