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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Model is a normalized entry from the upstream model listing.
type Model struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Name          string   `json:"name"`
	ContextLength *int     `json:"context_length"`
	Traits        []string `json:"traits"`
}

// rawModel accepts the field spellings seen across providers.
type rawModel struct {
	ID            string   `json:"id"`
	Identifier    string   `json:"identifier"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	ContextLength *int     `json:"context_length"`
	Traits        []string `json:"traits"`
	ModelSpec     *struct {
		AvailableContextTokens *int     `json:"availableContextTokens"`
		Traits                 []string `json:"traits"`
	} `json:"model_spec"`
}

// ListModels returns the upstream's text models.
//
// # Description
//
// The listing is fetched from Config.ModelsEndpoint and cached for
// Config.ModelCacheTTL. Concurrent callers during a refresh share one
// upstream request. The response may be a bare array or an object with a
// "data" array; entries whose type is not text are dropped.
//
// # Outputs
//
// A fresh slice on every call. Callers may modify it.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]Model, error) {
	if c.config.ModelsEndpoint == "" {
		return nil, fmt.Errorf("models endpoint is not configured")
	}

	if cached, ok := c.cachedModels(); ok {
		return cached, nil
	}

	results := c.flight.DoChan("models", func() (interface{}, error) {
		// Shared by every caller in the flight, so no single caller's
		// cancellation may abort it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Timeout)
		defer cancel()

		models, err := c.fetchModels(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.modelsMu.Lock()
		c.models = models
		c.modelsFetched = time.Now()
		c.modelsMu.Unlock()
		return models, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("Model listing shared with concurrent caller")
		}
		return cloneModels(res.Val.([]Model)), nil
	}
}

// InvalidateModels drops the cached listing.
func (c *OpenAIClient) InvalidateModels() {
	c.modelsMu.Lock()
	defer c.modelsMu.Unlock()
	c.models = nil
	c.modelsFetched = time.Time{}
}

func (c *OpenAIClient) cachedModels() ([]Model, bool) {
	c.modelsMu.Lock()
	defer c.modelsMu.Unlock()
	if c.models == nil || c.config.ModelCacheTTL <= 0 {
		return nil, false
	}
	if time.Since(c.modelsFetched) > c.config.ModelCacheTTL {
		return nil, false
	}
	return cloneModels(c.models), true
}

func (c *OpenAIClient) fetchModels(ctx context.Context) ([]Model, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ListModels")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.ModelsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create models request: %w", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := readUpstreamError(resp)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		span.SetStatus(codes.Error, upErr.Error())
		return nil, upErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("read models body: %w", err)}
	}

	models, err := ParseModels(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("llm.num_models", len(models)))
	slog.Info("Fetched upstream model listing", "count", len(models))
	return models, nil
}

// ParseModels normalizes a model listing body and keeps text models only.
func ParseModels(body []byte) ([]Model, error) {
	var raws []rawModel
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("parse model list: %w", err)
		}
	} else {
		var wrapped struct {
			Data []rawModel `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("parse model list: %w", err)
		}
		raws = wrapped.Data
	}

	models := make([]Model, 0, len(raws))
	for _, r := range raws {
		if !strings.EqualFold(r.Type, "text") {
			continue
		}
		models = append(models, normalizeModel(r))
	}
	return models, nil
}

func normalizeModel(r rawModel) Model {
	m := Model{
		ID:            firstNonEmpty(r.ID, r.Identifier, r.Name),
		Type:          r.Type,
		ContextLength: r.ContextLength,
		Traits:        r.Traits,
	}
	m.Name = firstNonEmpty(r.Name, m.ID)

	if r.ModelSpec != nil {
		if m.ContextLength == nil {
			m.ContextLength = r.ModelSpec.AvailableContextTokens
		}
		if len(m.Traits) == 0 {
			m.Traits = r.ModelSpec.Traits
		}
	}
	if m.Traits == nil {
		m.Traits = []string{}
	}
	return m
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneModels(in []Model) []Model {
	out := make([]Model, len(in))
	for i, m := range in {
		out[i] = m
		out[i].Traits = append([]string{}, m.Traits...)
		if m.ContextLength != nil {
			n := *m.ContextLength
			out[i].ContextLength = &n
		}
	}
	return out
}
