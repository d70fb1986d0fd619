// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the relay's gin handler factories.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/chatrelay/services/llm"
	"github.com/AleutianAI/chatrelay/services/relay/chat"
	"github.com/AleutianAI/chatrelay/services/relay/datatypes"
	"github.com/AleutianAI/chatrelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chatrelay.relay.handlers")

// ConversationIDHeader carries the conversation id on every chat reply.
const ConversationIDHeader = "X-Conversation-Id"

// ChatService runs chat requests. Implemented by *chat.Orchestrator.
type ChatService interface {
	Streaming() bool
	Complete(ctx context.Context, conversationID, encoded string) (string, error)
	OpenStream(ctx context.Context, conversationID, encoded string) (*chat.Relay, error)
}

// StreamOptions controls the SSE side of the chat handler.
type StreamOptions struct {
	// Heartbeat is the keepalive interval. Zero disables keepalives.
	Heartbeat time.Duration

	// ErrorFrames writes an "event: error" frame before closing a stream
	// that failed after the first byte.
	ErrorFrames bool
}

// HandleChat handles POST /api/chat.
//
// # Description
//
// Validates the body, assigns a conversation id when none was sent and runs
// the request in the orchestrator's mode. In streaming mode every failure
// that happens before the upstream answered is still reported with a normal
// status code. After the first SSE byte, failures close the stream without
// the "[DONE]" terminator.
//
// # Outputs
//
//   - 200: buffered JSON reply or an event stream.
//   - 400: malformed body or message encoding.
//   - 413: message over the word limit.
//   - 502: upstream failure.
func HandleChat(svc ChatService, opts StreamOptions, metrics *observability.RelayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		mode := observability.ModeBuffered
		if svc.Streaming() {
			mode = observability.ModeStream
		}
		span.SetAttributes(attribute.String("chat.mode", string(mode)))

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			rejectChat(c, span, mode, metrics, http.StatusBadRequest, observability.ErrorCodeValidation,
				"Invalid request body", err)
			return
		}
		if err := req.Validate(); err != nil {
			rejectChat(c, span, mode, metrics, http.StatusBadRequest, observability.ErrorCodeValidation,
				"Invalid request", err)
			return
		}
		req.EnsureDefaults()
		span.SetAttributes(attribute.String("chat.conversation_id", req.ConversationID))
		c.Header(ConversationIDHeader, req.ConversationID)

		if mode == observability.ModeBuffered {
			handleBuffered(c, ctx, span, svc, req, metrics)
			return
		}
		handleStream(c, ctx, span, svc, req, opts, metrics)
	}
}

func handleBuffered(c *gin.Context, ctx context.Context, span trace.Span, svc ChatService,
	req datatypes.ChatRequest, metrics *observability.RelayMetrics) {

	reply, err := svc.Complete(ctx, req.ConversationID, req.Message)
	if err != nil {
		status, code, msg := classifyChatError(err)
		logChatError(req.ConversationID, err)
		rejectChat(c, span, observability.ModeBuffered, metrics, status, code, msg, err)
		return
	}

	metrics.RecordRequest(observability.ModeBuffered, true)
	c.JSON(http.StatusOK, datatypes.ChatResponse{Chat: reply, ConversationID: req.ConversationID})
}

func handleStream(c *gin.Context, ctx context.Context, span trace.Span, svc ChatService,
	req datatypes.ChatRequest, opts StreamOptions, metrics *observability.RelayMetrics) {

	relay, err := svc.OpenStream(ctx, req.ConversationID, req.Message)
	if err != nil {
		status, code, msg := classifyChatError(err)
		logChatError(req.ConversationID, err)
		rejectChat(c, span, observability.ModeStream, metrics, status, code, msg, err)
		return
	}
	defer relay.Close()

	SetSSEHeaders(c.Writer)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		rejectChat(c, span, observability.ModeStream, metrics, http.StatusInternalServerError,
			observability.ErrorCodeInternal, "Streaming not supported", err)
		return
	}
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	metrics.StreamStarted()
	defer metrics.StreamEnded()
	started := time.Now()

	heartbeatDone := make(chan struct{})
	heartbeatExited := make(chan struct{})
	if opts.Heartbeat > 0 {
		go func() {
			defer close(heartbeatExited)
			runHeartbeat(ctx, sse, opts.Heartbeat, metrics, heartbeatDone)
		}()
	} else {
		close(heartbeatExited)
	}

	text, runErr := relay.Run(ctx, sse.WriteData)
	// No keepalive may follow the final frame.
	close(heartbeatDone)
	<-heartbeatExited

	if runErr == nil {
		if err := sse.WriteDone(); err != nil {
			runErr = fmt.Errorf("%w: %w", chat.ErrClientGone, err)
		}
	}

	success := runErr == nil
	metrics.RecordStreamDuration(time.Since(started).Seconds(), success)
	metrics.RecordRequest(observability.ModeStream, success)
	span.SetAttributes(attribute.Int("chat.deltas", relay.Deltas()))

	if success {
		slog.Info("Stream completed",
			"conversationId", req.ConversationID,
			"deltas", relay.Deltas(),
			"chars", len(text),
		)
		return
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, "stream failed")

	if errors.Is(runErr, chat.ErrClientGone) || errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
		metrics.RecordClientDisconnect()
		slog.Info("Client disconnected mid-stream",
			"conversationId", req.ConversationID,
			"deltas", relay.Deltas(),
		)
		return
	}

	metrics.RecordError(observability.ErrorCodeUpstreamMidway)
	logChatError(req.ConversationID, runErr)
	if opts.ErrorFrames {
		if err := sse.WriteError("upstream stream failed"); err != nil {
			slog.Debug("Failed to write error frame", "error", err)
		}
	}
}

// runHeartbeat writes keepalive comments until done is closed or ctx ends.
func runHeartbeat(ctx context.Context, writer SSEWriter, interval time.Duration,
	metrics *observability.RelayMetrics, done <-chan struct{}) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			metrics.RecordKeepAlive()
		}
	}
}

// classifyChatError maps an orchestrator error to a status, metric code and
// client-facing message.
func classifyChatError(err error) (int, observability.ErrorCode, string) {
	var upstreamErr *llm.UpstreamError
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusBadRequest, observability.ErrorCodeValidation, "Invalid message"
	case errors.Is(err, chat.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, observability.ErrorCodePayloadTooLarge, "Message too long"
	case errors.As(err, &upstreamErr) && upstreamErr.IsTransport():
		return http.StatusBadGateway, observability.ErrorCodeUpstream, "Upstream unreachable"
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway, observability.ErrorCodeUpstream, "Upstream request failed"
	default:
		return http.StatusInternalServerError, observability.ErrorCodeInternal, "Internal error"
	}
}

func rejectChat(c *gin.Context, span trace.Span, mode observability.Mode, metrics *observability.RelayMetrics,
	status int, code observability.ErrorCode, msg string, err error) {

	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	span.SetAttributes(attribute.Int("http.status_code", status))
	metrics.RecordError(code)
	metrics.RecordRequest(mode, false)
	c.JSON(status, datatypes.ErrorResponse{Error: msg, Details: err.Error()})
}

func logChatError(conversationID string, err error) {
	attrs := []any{"conversationId", conversationID, "error", err}
	var upstreamErr *llm.UpstreamError
	if errors.As(err, &upstreamErr) {
		if upstreamErr.IsTransport() {
			attrs = append(attrs, "transport", true)
		} else {
			attrs = append(attrs, "status", upstreamErr.StatusCode, "body", upstreamErr.Body)
		}
	}
	slog.Error("Chat request failed", attrs...)
}
