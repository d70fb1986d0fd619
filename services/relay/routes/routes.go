// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/chatrelay/services/relay/config"
	"github.com/AleutianAI/chatrelay/services/relay/handlers"
	"github.com/AleutianAI/chatrelay/services/relay/middleware"
	"github.com/AleutianAI/chatrelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps is everything the routes need.
type Deps struct {
	Chat         handlers.ChatService
	Stream       handlers.StreamOptions
	Sessions     handlers.ConversationStore
	Prompts      handlers.PromptStore
	Models       handlers.ModelCatalog
	PersistModel handlers.ModelPersister
	Config       config.Config
	Metrics      *observability.RelayMetrics
	RateLimiter  *middleware.RateLimiter

	// Gatherer backs /metrics. Nil skips the route.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers every relay route on router.
func SetupRoutes(router *gin.Engine, d Deps) {
	router.GET("/health", handlers.HealthCheck)
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	router.Static("/system_prompts", d.Config.Prompts.Dir)

	api := router.Group("/api")
	{
		chat := api.Group("/chat")
		{
			chat.POST("", middleware.RateLimit(d.RateLimiter, d.Metrics), handlers.HandleChat(d.Chat, d.Stream, d.Metrics))
			chat.GET("", handlers.ListConversations(d.Sessions))
			chat.GET("/:conversationId", handlers.GetConversation(d.Sessions))
			chat.DELETE("/:conversationId/messages/:index", handlers.DeleteTurn(d.Sessions))
		}

		api.GET("/system-prompts", handlers.ListPrompts(d.Prompts))
		api.POST("/system-prompts/:filename", handlers.SavePrompt(d.Prompts))
		api.POST("/active-prompt", handlers.SetActivePrompt(d.Prompts))

		api.GET("/models", handlers.ListModels(d.Models))
		updateModel := handlers.UpdateModel(d.Models, d.PersistModel)
		api.POST("/update-model", updateModel)
		api.POST("/update-config", updateModel)

		api.GET("/config", handlers.GetConfig(d.Config, d.Models.Model))
	}

	// The browser UI is served from the root, so it cannot be a wildcard
	// route next to /api.
	if dir := d.Config.Server.UIDir; dir != "" {
		files := http.FileServer(http.Dir(dir))
		router.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	}
}
