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
	"context"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/chatrelay/services/llm"
	"github.com/AleutianAI/chatrelay/services/relay/datatypes"
	"github.com/gin-gonic/gin"
)

// ModelCatalog lists upstream models and switches the active one.
// Implemented by *llm.OpenAIClient.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]llm.Model, error)
	Model() string
	SetModel(model string)

	// InvalidateModels drops any cached listing.
	InvalidateModels()
}

// ModelPersister writes the active model back to the config file. A nil
// persister keeps the change in memory only.
type ModelPersister func(model string) error

// ListModels handles GET /api/models.
func ListModels(catalog ModelCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		models, err := catalog.ListModels(c.Request.Context())
		if err != nil {
			slog.Error("Failed to fetch models", "error", err)
			c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: "Failed to fetch models", Details: err.Error()})
			return
		}
		c.JSON(http.StatusOK, models)
	}
}

// UpdateModel handles POST /api/update-model and its /api/update-config
// alias. The model applies to the next upstream call. A successful change
// also drops the cached model listing, so a model deployed upstream since
// the last fetch shows up on the next GET /api/models.
func UpdateModel(catalog ModelCatalog, persist ModelPersister) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpdateModelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Invalid model", Details: err.Error()})
			return
		}

		previous := catalog.Model()
		catalog.SetModel(req.Model)

		if persist != nil {
			if err := persist(req.Model); err != nil {
				catalog.SetModel(previous)
				slog.Error("Failed to persist model", "model", req.Model, "error", err)
				c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to save config", Details: err.Error()})
				return
			}
		}

		catalog.InvalidateModels()
		slog.Info("Active model changed", "from", previous, "to", req.Model)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Model updated to " + req.Model,
			"model":   req.Model,
		})
	}
}
