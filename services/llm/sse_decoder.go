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
	"encoding/json"
	"log/slog"
)

// =============================================================================
// SSE Frame Decoding
// =============================================================================

// EventKind identifies a decoded upstream event.
type EventKind int

const (
	// EventContentDelta carries a non-empty fragment of assistant text.
	EventContentDelta EventKind = iota + 1

	// EventStreamEnd marks the upstream "data: [DONE]" sentinel.
	EventStreamEnd
)

func (k EventKind) String() string {
	switch k {
	case EventContentDelta:
		return "content_delta"
	case EventStreamEnd:
		return "stream_end"
	default:
		return "unknown"
	}
}

// Event is one decoded upstream event.
type Event struct {
	Kind EventKind
	Text string
}

// ContentDelta builds a content event.
func ContentDelta(text string) Event {
	return Event{Kind: EventContentDelta, Text: text}
}

// StreamEnd builds an end-of-stream event.
func StreamEnd() Event {
	return Event{Kind: EventStreamEnd}
}

// streamChunk holds only the field the relay forwards. Other fields of an
// upstream chunk are ignored whatever their type.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Decoder incrementally parses an upstream SSE byte stream into Events.
//
// # Description
//
// Bytes after the last newline of a chunk are carried over to the next Feed,
// so a frame may be split at any byte. Each complete line is trimmed; blank
// lines and lines without the "data: " prefix are ignored. "[DONE]" becomes
// EventStreamEnd. Any other payload must be a JSON object and yields
// EventContentDelta when choices[0].delta.content is a non-empty string.
// Fields other than that path are not inspected.
//
// A payload that fails to parse is logged, reported to the malformed
// callback and skipped. Decoding continues with the next line.
//
// # Thread Safety
//
// Not safe for concurrent use. One Decoder per stream.
type Decoder struct {
	carry       []byte
	onMalformed func(line string, err error)
}

// NewDecoder creates a Decoder. onMalformed may be nil.
func NewDecoder(onMalformed func(line string, err error)) *Decoder {
	return &Decoder{onMalformed: onMalformed}
}

// Feed consumes chunk and returns the events completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	d.carry = append(d.carry, chunk...)

	last := bytes.LastIndexByte(d.carry, '\n')
	if last < 0 {
		return nil
	}

	complete := d.carry[:last]
	var events []Event
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		if ev, ok := d.decodeLine(line); ok {
			events = append(events, ev)
		}
	}

	rest := d.carry[last+1:]
	d.carry = append(make([]byte, 0, len(rest)), rest...)
	return events
}

// Flush ends the stream. Unterminated residue is dropped, never emitted.
func (d *Decoder) Flush() []Event {
	if len(d.carry) > 0 {
		slog.Debug("Discarding unterminated upstream SSE residue", "bytes", len(d.carry))
	}
	d.carry = nil
	return nil
}

func (d *Decoder) decodeLine(raw []byte) (Event, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 || !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false
	}

	payload := line[len(dataPrefix):]
	if string(payload) == doneSentinel {
		return StreamEnd(), true
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		slog.Warn("Skipping malformed upstream SSE line",
			"line", truncate(string(line), 256),
			"error", err,
		)
		if d.onMalformed != nil {
			d.onMalformed(string(line), err)
		}
		return Event{}, false
	}

	if len(chunk.Choices) == 0 {
		return Event{}, false
	}
	content := chunk.Choices[0].Delta.Content
	if content == nil || *content == "" {
		return Event{}, false
	}
	return ContentDelta(*content), true
}
