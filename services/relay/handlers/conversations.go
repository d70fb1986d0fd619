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
	"strconv"

	"github.com/AleutianAI/chatrelay/services/relay/datatypes"
	"github.com/AleutianAI/chatrelay/services/relay/session"
	"github.com/gin-gonic/gin"
)

// ConversationStore is the read and edit surface of the session store.
type ConversationStore interface {
	Get(id string) (session.Session, bool)
	DeleteTurn(id string, index int) (session.Session, error)
	List() []session.Summary
}

// GetConversation handles GET /api/chat/:conversationId and returns the
// turns array, system turn included.
func GetConversation(store ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("conversationId")
		s, ok := store.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "Conversation not found"})
			return
		}
		c.JSON(http.StatusOK, toWireTurns(s.Turns))
	}
}

// DeleteTurn handles DELETE /api/chat/:conversationId/messages/:index.
//
// # Outputs
//
//   - 200: {success: true, conversation: remaining turns}.
//   - 400: index is not an integer or is out of range.
//   - 404: unknown conversation.
func DeleteTurn(store ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("conversationId")
		index, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid message index", Details: err.Error()})
			return
		}

		s, err := store.DeleteTurn(id, index)
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "Conversation not found"})
			return
		case errors.Is(err, session.ErrInvalidIndex):
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid message index"})
			return
		case err != nil:
			slog.Error("Failed to delete turn", "conversationId", id, "index", index, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Internal error"})
			return
		}

		slog.Info("Deleted turn", "conversationId", id, "index", index)
		c.JSON(http.StatusOK, datatypes.DeleteTurnResponse{
			Success:      true,
			Conversation: toWireTurns(s.Turns),
		})
	}
}

// ListConversations handles GET /api/chat.
func ListConversations(store ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, store.List())
	}
}

func toWireTurns(turns []session.Turn) []datatypes.Turn {
	out := make([]datatypes.Turn, len(turns))
	for i, t := range turns {
		out[i] = datatypes.Turn{Role: string(t.Role), Content: t.Content}
	}
	return out
}
