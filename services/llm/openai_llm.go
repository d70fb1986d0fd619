// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

var (
	tracer = otel.Tracer("chatrelay.llm")
	meter  = otel.Meter("chatrelay.llm")
)

// maxErrorBody caps how much of a failed upstream response is kept for logs.
const maxErrorBody = 64 * 1024

// maxResponseBody caps buffered completion bodies.
const maxResponseBody = 16 * 1024 * 1024

// Config configures an OpenAIClient.
type Config struct {
	// Endpoint is the full chat completions URL.
	Endpoint string

	// ModelsEndpoint is the full model listing URL. Optional.
	ModelsEndpoint string

	// APIKey is sent as a bearer token.
	APIKey string

	// Model is the initially active model.
	Model string

	// Timeout bounds a whole buffered request (and model listing).
	Timeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers on streaming
	// requests. The body itself may stream for as long as the caller's
	// context allows.
	ResponseHeaderTimeout time.Duration

	// ModelCacheTTL is how long a model listing is reused. Zero disables caching.
	ModelCacheTTL time.Duration

	// HTTPClient replaces both internal clients when set. Used by tests.
	HTTPClient *http.Client
}

// OpenAIClient is a CompletionClient for OpenAI-compatible upstreams.
//
// # Description
//
// Requests are built from the conversation history and Options, marshaled as
// the /chat/completions JSON body and sent with a bearer token. Buffered
// responses are decoded with go-openai's ChatCompletionResponse. Streaming
// responses are not decoded here; see Stream and Decoder.
//
// # Thread Safety
//
// Safe for concurrent use. The active model can be swapped at runtime with
// SetModel and is read once per request.
type OpenAIClient struct {
	config       Config
	httpClient   *http.Client
	streamClient *http.Client

	modelMu sync.RWMutex
	model   string

	modelsMu      sync.Mutex
	models        []Model
	modelsFetched time.Time
	flight        singleflight.Group

	// requestDuration measures time to a complete buffered body or to
	// streaming response headers.
	requestDuration metric.Float64Histogram
}

// completionRequest is the upstream request body.
type completionRequest struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	Temperature      *float32       `json:"temperature,omitempty"`
	TopP             *float32       `json:"top_p,omitempty"`
	FrequencyPenalty *float32       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32       `json:"presence_penalty,omitempty"`
	Stream           bool           `json:"stream"`
	VeniceParameters map[string]any `json:"venice_parameters,omitempty"`
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("upstream endpoint is not configured")
	}
	if cfg.APIKey == "" {
		slog.Warn("Upstream API key is empty, requests will be sent without credentials")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = time.Minute
	}

	requestDuration, err := meter.Float64Histogram("llm.request.duration",
		metric.WithDescription("Upstream completion request latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create request duration histogram: %w", err)
	}

	c := &OpenAIClient{
		config:          cfg,
		model:           cfg.Model,
		requestDuration: requestDuration,
	}

	if cfg.HTTPClient != nil {
		c.httpClient = cfg.HTTPClient
		c.streamClient = cfg.HTTPClient
	} else {
		c.httpClient = &http.Client{Timeout: cfg.Timeout}
		c.streamClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			},
		}
	}

	slog.Info("Initializing upstream completion client",
		"endpoint", cfg.Endpoint,
		"model", cfg.Model,
	)
	return c, nil
}

// Model returns the active model id.
func (c *OpenAIClient) Model() string {
	c.modelMu.RLock()
	defer c.modelMu.RUnlock()
	return c.model
}

// SetModel changes the active model for subsequent requests.
func (c *OpenAIClient) SetModel(model string) {
	c.modelMu.Lock()
	defer c.modelMu.Unlock()
	c.model = model
}

// Complete implements CompletionClient.
func (c *OpenAIClient) Complete(ctx context.Context, history []Message, opts Options) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Complete")
	defer span.End()

	req, model, err := c.newRequest(ctx, history, opts, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(history)),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordDuration(ctx, start, model, "buffered", "transport_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Upstream completion request failed", "error", err, "model", model)
		return "", &UpstreamError{Err: err}
	}
	defer resp.Body.Close()
	defer func() { c.recordDuration(ctx, start, model, "buffered", strconv.Itoa(resp.StatusCode)) }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := readUpstreamError(resp)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		span.SetStatus(codes.Error, upErr.Error())
		slog.Error("Upstream completion returned an error",
			"status", upErr.StatusCode,
			"body", upErr.Body,
			"model", model,
		)
		return "", upErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", &UpstreamError{Err: fmt.Errorf("read completion body: %w", err)}
	}

	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse upstream completion", "error", err, "body", truncate(string(body), 512))
		return "", fmt.Errorf("parse upstream completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return "", fmt.Errorf("upstream returned no choices")
	}

	slog.Debug("Received upstream completion",
		"model", model,
		"finish_reason", completion.Choices[0].FinishReason,
	)
	return completion.Choices[0].Message.Content, nil
}

// Stream implements CompletionClient.
//
// # Description
//
// Sends the request with stream=true and returns once response headers
// arrive. A non-2xx status is read, closed and returned as *UpstreamError so
// the caller can still answer with a normal error response. On success the
// returned Stream owns the response body.
func (c *OpenAIClient) Stream(ctx context.Context, history []Message, opts Options) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Stream")
	defer span.End()

	req, model, err := c.newRequest(ctx, history, opts, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(history)),
	)

	start := time.Now()
	resp, err := c.streamClient.Do(req)
	if err != nil {
		c.recordDuration(ctx, start, model, "stream", "transport_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Upstream streaming request failed", "error", err, "model", model)
		return nil, &UpstreamError{Err: err}
	}

	c.recordDuration(ctx, start, model, "stream", strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := readUpstreamError(resp)
		resp.Body.Close()
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		span.SetStatus(codes.Error, upErr.Error())
		slog.Error("Upstream streaming request returned an error",
			"status", upErr.StatusCode,
			"body", upErr.Body,
			"model", model,
		)
		return nil, upErr
	}

	return newStream(ctx, resp.Body), nil
}

func (c *OpenAIClient) newRequest(ctx context.Context, history []Message, opts Options, stream bool) (*http.Request, string, error) {
	model := opts.Model
	if model == "" {
		model = c.Model()
	}
	if model == "" {
		return nil, "", fmt.Errorf("no model configured")
	}

	payload := completionRequest{
		Model:            model,
		Messages:         history,
		MaxTokens:        opts.MaxTokens,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		FrequencyPenalty: opts.FrequencyPenalty,
		PresencePenalty:  opts.PresencePenalty,
		Stream:           stream,
		VeniceParameters: opts.VeniceParameters,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return req, model, nil
}

func (c *OpenAIClient) recordDuration(ctx context.Context, start time.Time, model, mode, status string) {
	c.requestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("llm.model", model),
		attribute.String("llm.mode", mode),
		attribute.String("http.status", status),
	))
}

func readUpstreamError(resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ CompletionClient = (*OpenAIClient)(nil)
