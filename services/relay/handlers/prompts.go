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
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/chatrelay/services/relay/datatypes"
	"github.com/AleutianAI/chatrelay/services/relay/prompts"
	"github.com/gin-gonic/gin"
)

// PromptStore is implemented by *prompts.Provider.
type PromptStore interface {
	List() ([]prompts.Prompt, error)
	Save(filename, content string) error
	SetActive(filename string) (string, error)
}

// ListPrompts handles GET /api/system-prompts.
func ListPrompts(store PromptStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := store.List()
		if err != nil {
			slog.Error("Failed to list system prompts", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to read system prompts"})
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// SavePrompt handles POST /api/system-prompts/:filename.
func SavePrompt(store PromptStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filename := c.Param("filename")

		var req datatypes.SavePromptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request", Details: err.Error()})
			return
		}

		if err := store.Save(filename, req.Content); err != nil {
			if errors.Is(err, prompts.ErrInvalidFilename) {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid filename", Details: err.Error()})
				return
			}
			slog.Error("Failed to save system prompt", "file", filename, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to save system prompt"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// SetActivePrompt handles POST /api/active-prompt. The new prompt replaces
// the system turn of every live session.
func SetActivePrompt(store PromptStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ActivePromptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request", Details: err.Error()})
			return
		}

		content, err := store.SetActive(req.Filename)
		switch {
		case errors.Is(err, prompts.ErrInvalidFilename):
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid filename", Details: err.Error()})
			return
		case errors.Is(err, prompts.ErrPromptNotFound):
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "Prompt not found"})
			return
		case err != nil:
			slog.Error("Failed to set active prompt", "file", req.Filename, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to set active prompt"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "content": content})
	}
}
