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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestClient points an OpenAIClient at handler.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*OpenAIClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewOpenAIClient(Config{
		Endpoint:       server.URL + "/chat/completions",
		ModelsEndpoint: server.URL + "/models",
		APIKey:         "test-key",
		Model:          "test-model",
		Timeout:        5 * time.Second,
		ModelCacheTTL:  time.Minute,
	})
	require.NoError(t, err)
	return client, server
}

func ptr(f float32) *float32 { return &f }

// drain reads every chunk of s into one string.
func drain(t *testing.T, s *Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		chunk, err := s.Next()
		if err != nil {
			return sb.String(), err
		}
		sb.Write(chunk)
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewOpenAIClient_RequiresEndpoint(t *testing.T) {
	_, err := NewOpenAIClient(Config{})
	assert.Error(t, err)
}

func TestOpenAIClient_SetModel(t *testing.T) {
	c, err := NewOpenAIClient(Config{Endpoint: "http://example.invalid", Model: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", c.Model())
	c.SetModel("b")
	assert.Equal(t, "b", c.Model())
}

// =============================================================================
// Complete
// =============================================================================

func TestOpenAIClient_Complete_SendsRequest(t *testing.T) {
	var captured map[string]any
	var authHeader, contentType string

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}]}`)
	})

	text, err := client.Complete(context.Background(), []Message{
		{Role: "system", Content: ""},
		{Role: "user", Content: "hello"},
	}, Options{
		MaxTokens:        256,
		Temperature:      ptr(0.5),
		VeniceParameters: map[string]any{"include_venice_system_prompt": false},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)

	assert.Equal(t, "Bearer test-key", authHeader)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "test-model", captured["model"])
	assert.Equal(t, false, captured["stream"])
	assert.EqualValues(t, 256, captured["max_tokens"])
	assert.InDelta(t, 0.5, captured["temperature"], 1e-6)
	assert.NotContains(t, captured, "top_p")
	assert.Equal(t, map[string]any{"include_venice_system_prompt": false}, captured["venice_parameters"])

	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]any{"role": "system", "content": ""}, msgs[0], "empty content is still sent")
}

func TestOpenAIClient_Complete_ModelOverride(t *testing.T) {
	var model string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body completionRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		model = body.Model
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	_, err := client.Complete(context.Background(), nil, Options{Model: "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", model)
}

func TestOpenAIClient_Complete_UpstreamStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"slow down"}`)
	})

	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "x"}}, Options{})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusTooManyRequests, upErr.StatusCode)
	assert.Equal(t, `{"error":"slow down"}`, upErr.Body)
	assert.False(t, upErr.IsTransport())
}

func TestOpenAIClient_Complete_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewOpenAIClient(Config{Endpoint: url, Model: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), nil, Options{})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.True(t, upErr.IsTransport())
}

func TestOpenAIClient_Complete_NoChoices(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})
	_, err := client.Complete(context.Background(), nil, Options{})
	assert.Error(t, err)
}

// =============================================================================
// Stream
// =============================================================================

func TestOpenAIClient_Stream_YieldsRawBody(t *testing.T) {
	var streamFlag any
	body := deltaFrame("Hel") + "\n" + deltaFrame("lo") + "\n" + frameDone

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var captured map[string]any
		_ = json.NewDecoder(r.Body).Decode(&captured)
		streamFlag = captured["stream"]

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{body[:10], body[10:]} {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
		}
	})

	s, err := client.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	require.NoError(t, err)
	defer s.Close()

	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, body, got)
	assert.Equal(t, true, streamFlag)
}

func TestOpenAIClient_Stream_UpstreamStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	s, err := client.Stream(context.Background(), nil, Options{})
	assert.Nil(t, s)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusUnauthorized, upErr.StatusCode)
	assert.Equal(t, "bad key", upErr.Body)
}

func TestOpenAIClient_Stream_CancelAbortsRead(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, deltaFrame("first"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := client.Stream(ctx, nil, Options{})
	require.NoError(t, err)
	defer s.Close()

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Contains(t, string(chunk), "first")

	cancel()
	done := make(chan error, 1)
	go func() {
		_, err := s.Next()
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

// =============================================================================
// Stream handle
// =============================================================================

type erroringBody struct {
	data []byte
	err  error
	done bool
}

func (b *erroringBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, b.err
	}
	b.done = true
	return copy(p, b.data), nil
}

func (b *erroringBody) Close() error { return nil }

func TestStream_TransportErrorIsUpstreamError(t *testing.T) {
	boom := errors.New("connection reset")
	s := NewStream(context.Background(), &erroringBody{data: []byte("abc"), err: boom})

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(chunk))

	_, err = s.Next()
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.ErrorIs(t, err, boom)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	s := NewStream(context.Background(), closeCounter{&closes})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.EqualValues(t, 1, closes.Load())
}

type closeCounter struct{ n *atomic.Int32 }

func (closeCounter) Read([]byte) (int, error) { return 0, io.EOF }
func (c closeCounter) Close() error           { c.n.Add(1); return nil }

// =============================================================================
// ListModels
// =============================================================================

func TestParseModels(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Model
	}{
		{
			name: "wrapped data array",
			body: `{"data":[{"id":"llama","type":"text","context_length":8192,"traits":["default"]},{"id":"flux","type":"image"}]}`,
			want: []Model{{ID: "llama", Type: "text", Name: "llama", ContextLength: intPtr(8192), Traits: []string{"default"}}},
		},
		{
			name: "bare array with fallbacks",
			body: `[{"identifier":"qwen","name":"Qwen","type":"TEXT"}]`,
			want: []Model{{ID: "qwen", Type: "TEXT", Name: "Qwen", Traits: []string{}}},
		},
		{
			name: "model spec fields",
			body: `{"data":[{"id":"m","type":"text","model_spec":{"availableContextTokens":32768,"traits":["fastest"]}}]}`,
			want: []Model{{ID: "m", Type: "text", Name: "m", ContextLength: intPtr(32768), Traits: []string{"fastest"}}},
		},
		{
			name: "no data key",
			body: `{}`,
			want: []Model{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModels([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseModels_InvalidJSON(t *testing.T) {
	_, err := ParseModels([]byte(`{"data":`))
	assert.Error(t, err)
}

func TestOpenAIClient_ListModels_Caches(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		hits.Add(1)
		_, _ = io.WriteString(w, `{"data":[{"id":"a","type":"text"}]}`)
	})

	first, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	first[0].ID = "mutated"
	second, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", second[0].ID)
	assert.EqualValues(t, 1, hits.Load())

	client.InvalidateModels()
	_, err = client.ListModels(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestOpenAIClient_ListModels_CallerCancelDoesNotFailSharedFetch(t *testing.T) {
	var hits atomic.Int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(arrived)
		}
		<-release
		_, _ = io.WriteString(w, `{"data":[{"id":"a","type":"text"}]}`)
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.ListModels(firstCtx)
		firstErr <- err
	}()
	<-arrived

	type result struct {
		models []Model
		err    error
	}
	second := make(chan result, 1)
	go func() {
		models, err := client.ListModels(context.Background())
		second <- result{models, err}
	}()
	// Let the second caller join the in-flight request.
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.models, 1)
	assert.Equal(t, "a", got.models[0].ID)
	assert.EqualValues(t, 1, hits.Load())
}

func TestOpenAIClient_ListModels_Error(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.ListModels(context.Background())
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusBadGateway, upErr.StatusCode)
}

func intPtr(n int) *int { return &n }
