// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat runs one chat request end to end.
//
// # Description
//
// The Orchestrator decodes the inbound message, resolves the session,
// appends the user turn and calls the upstream. In buffered mode the reply
// is committed and returned. In streaming mode the caller gets a Relay that
// forwards content deltas as they are decoded and commits the assembled
// assistant turn exactly once, when the upstream signals the end of the
// stream. A relay that fails or is abandoned commits nothing.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/chatrelay/services/llm"
	"github.com/AleutianAI/chatrelay/services/relay/observability"
	"github.com/AleutianAI/chatrelay/services/relay/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chatrelay.relay.chat")

// =============================================================================
// Collaborators
// =============================================================================

// SessionStore is the subset of session.Store the orchestrator needs.
type SessionStore interface {
	Get(id string) (session.Session, bool)
	CreateIfAbsent(id, systemPrompt string) session.Session
	AppendUser(id, text string) (session.Session, error)
	AppendAssistant(id, text string) (session.Session, error)
	Lock(id string) func()
	Len() int
}

// PromptSource supplies the system prompt for new sessions.
type PromptSource interface {
	LoadActivePrompt() string
}

// Config controls request handling.
type Config struct {
	// MaxWords is the word limit for a decoded message.
	MaxWords int

	// Stream selects streaming mode for the upstream call.
	Stream bool

	// SerializeSessions holds a per-session lock for the whole request so
	// overlapping requests on one conversation cannot interleave turns.
	SerializeSessions bool

	// Options is sent with every upstream call.
	Options llm.Options
}

// =============================================================================
// State
// =============================================================================

// State is a request's position in the relay lifecycle.
type State int

const (
	StateInit State = iota
	StateSessionResolved
	StateUpstreamDispatched
	StateStreaming
	StateDraining
	StateBufferedReturned
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSessionResolved:
		return "session_resolved"
	case StateUpstreamDispatched:
		return "upstream_dispatched"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateBufferedReturned:
		return "buffered_returned"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator wires the session store, prompt source and completion client.
//
// # Thread Safety
//
// Safe for concurrent use. Each request keeps its own state.
type Orchestrator struct {
	store   SessionStore
	prompts PromptSource
	client  llm.CompletionClient
	config  Config
	metrics *observability.RelayMetrics
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
//
// # Limitations
//
//   - Panics if store, prompts or client is nil.
func NewOrchestrator(store SessionStore, prompts PromptSource, client llm.CompletionClient, config Config, metrics *observability.RelayMetrics) *Orchestrator {
	if store == nil {
		panic("NewOrchestrator: store must not be nil")
	}
	if prompts == nil {
		panic("NewOrchestrator: prompts must not be nil")
	}
	if client == nil {
		panic("NewOrchestrator: client must not be nil")
	}
	return &Orchestrator{
		store:   store,
		prompts: prompts,
		client:  client,
		config:  config,
		metrics: metrics,
	}
}

// Streaming reports whether requests use the streaming path.
func (o *Orchestrator) Streaming() bool {
	return o.config.Stream
}

// prepared is the outcome of the Init and SessionResolved states.
type prepared struct {
	history []llm.Message
	unlock  func()
}

// prepare decodes and validates the message, resolves the session and
// appends the user turn. Nothing is mutated if validation fails.
func (o *Orchestrator) prepare(ctx context.Context, conversationID, encoded string) (*prepared, error) {
	span := trace.SpanFromContext(ctx)

	text, err := DecodeMessage(encoded)
	if err != nil {
		return nil, err
	}
	if err := CheckWordLimit(text, o.config.MaxWords); err != nil {
		return nil, err
	}

	unlock := func() {}
	if o.config.SerializeSessions {
		unlock = o.store.Lock(conversationID)
	}

	if _, ok := o.store.Get(conversationID); !ok {
		o.store.CreateIfAbsent(conversationID, o.prompts.LoadActivePrompt())
		o.metrics.SetSessions(o.store.Len())
		span.AddEvent("session created")
	}

	snapshot, err := o.store.AppendUser(conversationID, text)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("append user turn: %w", err)
	}

	span.SetAttributes(attribute.Int("chat.turns", len(snapshot.Turns)))
	return &prepared{history: toMessages(snapshot), unlock: unlock}, nil
}

// Complete runs a buffered request and returns the assistant reply.
//
// # Description
//
// On upstream failure the user turn stays in the session and no assistant
// turn is added.
func (o *Orchestrator) Complete(ctx context.Context, conversationID, encoded string) (string, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Complete",
		trace.WithAttributes(attribute.String("chat.conversation_id", conversationID)))
	defer span.End()

	p, err := o.prepare(ctx, conversationID, encoded)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	defer p.unlock()

	reply, err := o.client.Complete(ctx, p.history, o.config.Options)
	if err != nil {
		recordSpanError(span, err)
		return "", fmt.Errorf("upstream completion: %w", err)
	}

	if _, err := o.store.AppendAssistant(conversationID, reply); err != nil {
		recordSpanError(span, err)
		return "", fmt.Errorf("commit assistant turn: %w", err)
	}

	slog.Debug("Committed buffered assistant turn",
		"conversationId", conversationID,
		"chars", len(reply),
	)
	return reply, nil
}

// OpenStream runs a streaming request up to the point where the upstream has
// answered with a success status.
//
// # Description
//
// Errors returned here happen before any byte is written to the caller, so
// the HTTP layer can still answer with an ordinary error status. On success
// the returned Relay must be run and then closed.
func (o *Orchestrator) OpenStream(ctx context.Context, conversationID, encoded string) (*Relay, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.OpenStream",
		trace.WithAttributes(attribute.String("chat.conversation_id", conversationID)))
	defer span.End()

	p, err := o.prepare(ctx, conversationID, encoded)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	stream, err := o.client.Stream(ctx, p.history, o.config.Options)
	if err != nil {
		p.unlock()
		recordSpanError(span, err)
		return nil, fmt.Errorf("upstream stream: %w", err)
	}

	r := &Relay{
		orchestrator:   o,
		conversationID: conversationID,
		stream:         stream,
		unlock:         p.unlock,
		state:          StateUpstreamDispatched,
		started:        time.Now(),
	}
	r.decoder = llm.NewDecoder(func(string, error) {
		o.metrics.RecordMalformedFrame()
	})
	return r, nil
}

// =============================================================================
// Relay
// =============================================================================

// Relay forwards one upstream stream to the caller.
//
// # Thread Safety
//
// Not safe for concurrent use. Run and Close are called by the request
// goroutine.
type Relay struct {
	orchestrator   *Orchestrator
	conversationID string
	stream         *llm.Stream
	decoder        *llm.Decoder
	unlock         func()

	state   State
	started time.Time
	text    strings.Builder
	deltas  int
	closed  bool
}

// State returns the relay's current state.
func (r *Relay) State() State {
	return r.state
}

// Deltas returns the number of deltas forwarded so far.
func (r *Relay) Deltas() int {
	return r.deltas
}

// Run pumps the upstream stream until it ends.
//
// # Description
//
// Each content delta is appended to the accumulator and handed to emit
// before the next chunk is read. When the upstream sends "[DONE]" or closes
// the body normally, the accumulated text is committed as the assistant
// turn and returned.
//
// # Outputs
//
//   - string: The committed assistant text.
//   - error: Non-nil if reading, emitting or committing failed. Nothing is
//     committed in that case. A cancelled request context surfaces as
//     context.Canceled and an emit failure wraps ErrClientGone.
func (r *Relay) Run(ctx context.Context, emit func(delta string) error) (string, error) {
	ctx, span := tracer.Start(ctx, "Relay.Run",
		trace.WithAttributes(attribute.String("chat.conversation_id", r.conversationID)))
	defer span.End()

	if r.state != StateUpstreamDispatched {
		return "", fmt.Errorf("relay cannot run from state %s", r.state)
	}
	r.state = StateStreaming
	metrics := r.orchestrator.metrics

	ended := false
	for !ended {
		chunk, err := r.stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", r.fail(span, fmt.Errorf("read upstream stream: %w", err))
		}

		for _, ev := range r.decoder.Feed(chunk) {
			if ev.Kind == llm.EventStreamEnd {
				ended = true
				break
			}
			if r.deltas == 0 {
				metrics.RecordTimeToFirstDelta(time.Since(r.started).Seconds())
			}
			r.text.WriteString(ev.Text)
			r.deltas++
			if err := emit(ev.Text); err != nil {
				return "", r.fail(span, fmt.Errorf("forward delta: %w: %w", ErrClientGone, err))
			}
			metrics.RecordDelta()
		}
	}

	r.decoder.Flush()
	r.state = StateDraining

	if err := ctx.Err(); err != nil {
		return "", r.fail(span, err)
	}

	text := r.text.String()
	if _, err := r.orchestrator.store.AppendAssistant(r.conversationID, text); err != nil {
		return "", r.fail(span, fmt.Errorf("commit assistant turn: %w", err))
	}
	r.state = StateCommitted

	span.SetAttributes(attribute.Int("chat.deltas", r.deltas))
	slog.Debug("Committed streamed assistant turn",
		"conversationId", r.conversationID,
		"deltas", r.deltas,
		"chars", len(text),
	)
	return text, nil
}

// Close releases the upstream body and the session lock. Idempotent.
func (r *Relay) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.state != StateCommitted && r.state != StateFailed {
		r.state = StateFailed
	}
	err := r.stream.Close()
	r.unlock()
	return err
}

func (r *Relay) fail(span trace.Span, err error) error {
	r.state = StateFailed
	recordSpanError(span, err)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

func toMessages(s session.Session) []llm.Message {
	msgs := make([]llm.Message, len(s.Turns))
	for i, t := range s.Turns {
		msgs[i] = llm.Message{Role: string(t.Role), Content: t.Content}
	}
	return msgs
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
