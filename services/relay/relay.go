// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the chat relay service.
//
// # Description
//
// New wires the session store, prompt provider, completion client and
// orchestrator behind a gin router with tracing, request ids, CORS and
// per-client rate limiting on the chat route. Background work (idle session
// eviction and prompt directory watching) starts with Run and stops when its
// context is cancelled.
//
// # Usage
//
//	loaded, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	svc, err := relay.New(ctx, loaded.Config, loaded.Path)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/chatrelay/services/llm"
	"github.com/AleutianAI/chatrelay/services/relay/chat"
	"github.com/AleutianAI/chatrelay/services/relay/config"
	"github.com/AleutianAI/chatrelay/services/relay/handlers"
	"github.com/AleutianAI/chatrelay/services/relay/middleware"
	"github.com/AleutianAI/chatrelay/services/relay/observability"
	"github.com/AleutianAI/chatrelay/services/relay/prompts"
	"github.com/AleutianAI/chatrelay/services/relay/routes"
	"github.com/AleutianAI/chatrelay/services/relay/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Version is reported as the service.version resource attribute.
var Version = "dev"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay's lifecycle.
//
// # Thread Safety
//
// Run must be called at most once.
type Service interface {
	// Run starts background workers and the HTTP server, and blocks until
	// ctx is cancelled or the server fails. On cancellation in-flight
	// requests get Server.ShutdownTimeout to finish.
	Run(ctx context.Context) error

	// Router returns the configured gin engine. Used by tests.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config     config.Config
	configPath string

	router   *gin.Engine
	registry *prometheus.Registry
	metrics  *observability.RelayMetrics

	store    *session.Store
	evictor  *session.Evictor
	prompts  *prompts.Provider
	client   *llm.OpenAIClient
	limiter  *middleware.RateLimiter
	shutdown observability.ShutdownFunc
}

// New builds the service from cfg.
//
// # Inputs
//
//   - ctx: Used while creating the telemetry exporters.
//   - cfg: Validated configuration.
//   - configPath: File the configuration came from, or "". Model changes
//     made over HTTP are written back to it when set.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if telemetry or the upstream client cannot be created.
func New(ctx context.Context, cfg config.Config, configPath string) (Service, error) {
	s := &service{
		config:     cfg,
		configPath: configPath,
		registry:   prometheus.NewRegistry(),
	}

	if cfg.Telemetry.Metrics {
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = observability.NewMetrics(s.registry)
	}

	shutdown, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		MetricExporter: cfg.Telemetry.MetricExporter,
		Registerer:     s.registry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.shutdown = shutdown

	s.store = session.NewStore(session.Options{Shards: cfg.Sessions.Shards})
	if cfg.Sessions.EvictionEnabled() {
		s.evictor = session.NewEvictor(s.store, session.EvictorConfig{
			IdleTTL:  cfg.Sessions.IdleTTL,
			Interval: cfg.Sessions.SweepInterval,
		}, s.observeEviction)
	}

	s.prompts = prompts.NewProvider(cfg.Prompts.Dir, cfg.Prompts.Fallback, s.store)

	s.client, err = llm.NewOpenAIClient(llm.Config{
		Endpoint:              cfg.Upstream.Endpoint,
		ModelsEndpoint:        cfg.Upstream.ModelsEndpoint,
		APIKey:                cfg.Upstream.APIKey,
		Model:                 cfg.Upstream.Model,
		Timeout:               cfg.Upstream.Timeout,
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout,
		ModelCacheTTL:         cfg.Upstream.ModelCacheTTL,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize upstream client: %w", err)
	}
	if cfg.Upstream.APIKey == "" {
		slog.Warn("No upstream API key configured; requests will likely be rejected",
			"env", config.EnvAPIKey)
	}

	s.limiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	s.initRouter()
	return s, nil
}

func (s *service) initRouter() {
	cfg := s.config
	orch := chat.NewOrchestrator(s.store, s.prompts, s.client, chat.Config{
		MaxWords:          cfg.Relay.MaxWords,
		Stream:            cfg.Upstream.Stream,
		SerializeSessions: cfg.Relay.SerializeSessions,
		Options: llm.Options{
			MaxTokens:        cfg.Upstream.MaxTokens,
			Temperature:      cfg.Upstream.Temperature,
			TopP:             cfg.Upstream.TopP,
			FrequencyPenalty: cfg.Upstream.FrequencyPenalty,
			PresencePenalty:  cfg.Upstream.PresencePenalty,
			VeniceParameters: cfg.Upstream.VeniceParameters,
		},
	}, s.metrics)

	var persist handlers.ModelPersister
	if s.configPath != "" {
		path := s.configPath
		persist = func(model string) error {
			return config.UpdateModel(path, model)
		}
	}

	var gatherer prometheus.Gatherer
	if s.metrics != nil {
		gatherer = s.registry
	}

	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.Telemetry.ServiceName),
		middleware.RequestID(),
		middleware.CORS(cfg.Server.CORSOrigins),
	)

	routes.SetupRoutes(s.router, routes.Deps{
		Chat: orch,
		Stream: handlers.StreamOptions{
			Heartbeat:   cfg.Relay.HeartbeatInterval,
			ErrorFrames: cfg.Relay.StreamErrorFrames,
		},
		Sessions:     s.store,
		Prompts:      s.prompts,
		Models:       s.client,
		PersistModel: persist,
		Config:       cfg,
		Metrics:      s.metrics,
		RateLimiter:  s.limiter,
		Gatherer:     gatherer,
	})
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	if s.evictor != nil {
		if err := s.evictor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session evictor: %w", err)
		}
	}

	if s.config.Prompts.Watch {
		watcher, err := prompts.NewWatcher(s.prompts, prompts.DefaultDebounce, func(filename string) {
			slog.Info("Active system prompt reloaded from disk", "file", filename)
		})
		if err != nil {
			// The relay works without live reload.
			slog.Warn("Prompt directory watch disabled", "dir", s.config.Prompts.Dir, "error", err)
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	server := &http.Server{
		Addr:    s.config.Server.Addr(),
		Handler: s.router,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting chat relay",
			"addr", server.Addr,
			"model", s.client.Model(),
			"stream", s.config.Upstream.Stream,
			"prompt", s.prompts.ActiveFilename(),
		)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down chat relay", "timeout", s.config.Server.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// observeEviction feeds sweep results into the session metrics.
func (s *service) observeEviction(r session.EvictionResult) {
	s.metrics.RecordEviction(r.Evicted, r.Remaining)
	if r.Evicted > 0 {
		slog.Info("Evicted idle sessions",
			"evicted", r.Evicted,
			"remaining", r.Remaining,
			"duration_ms", r.DurationMs(),
		)
	}
}

// cleanup stops background work and flushes telemetry.
func (s *service) cleanup() {
	if s.evictor != nil {
		if err := s.evictor.Stop(); err != nil {
			slog.Warn("Session evictor stop error", "error", err)
		}
	}
	if s.shutdown != nil {
		if err := s.shutdown(context.Background()); err != nil {
			slog.Warn("Telemetry shutdown error", "error", err)
		}
	}
}

var _ Service = (*service)(nil)
