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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

const (
	frameAB   = "data: {\"choices\":[{\"delta\":{\"content\":\"ab\"}}]}\n"
	frameDone = "data: [DONE]\n"
)

func deltaFrame(text string) string {
	return "data: {\"choices\":[{\"delta\":{\"content\":\"" + text + "\"}}]}\n"
}

func feedAll(d *Decoder, chunks ...string) []Event {
	var out []Event
	for _, c := range chunks {
		out = append(out, d.Feed([]byte(c))...)
	}
	return append(out, d.Flush()...)
}

// =============================================================================
// Feed
// =============================================================================

// TestDecoder_SplitAtEveryOffset feeds the first frame split at every byte
// position and checks the decoded events never change.
func TestDecoder_SplitAtEveryOffset(t *testing.T) {
	t.Parallel()

	want := []Event{ContentDelta("ab"), StreamEnd()}
	for split := 0; split <= len(frameAB); split++ {
		d := NewDecoder(nil)
		got := feedAll(d, frameAB[:split], frameAB[split:]+frameDone)
		assert.Equal(t, want, got, "split at %d", split)
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	t.Parallel()

	input := deltaFrame("Hel") + "\n" + deltaFrame("lo") + "\n" + frameDone
	d := NewDecoder(nil)
	var got []Event
	for i := 0; i < len(input); i++ {
		got = append(got, d.Feed([]byte{input[i]})...)
	}
	assert.Equal(t, []Event{ContentDelta("Hel"), ContentDelta("lo"), StreamEnd()}, got)
}

func TestDecoder_MalformedLineIsSkipped(t *testing.T) {
	t.Parallel()

	var malformed []string
	d := NewDecoder(func(line string, err error) {
		require.Error(t, err)
		malformed = append(malformed, line)
	})

	got := feedAll(d, deltaFrame("one"), "data: {not json\n", deltaFrame("two"), frameDone)

	assert.Equal(t, []Event{ContentDelta("one"), ContentDelta("two"), StreamEnd()}, got)
	assert.Equal(t, []string{"data: {not json"}, malformed)
}

func TestDecoder_MalformedLineInSameChunk(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	got := d.Feed([]byte(deltaFrame("a") + "data: {oops\n" + deltaFrame("b")))
	assert.Equal(t, []Event{ContentDelta("a"), ContentDelta("b")}, got)
}

// TestDecoder_UnrelatedFieldTypesDoNotDropContent covers upstreams whose
// chunks differ from OpenAI's in fields the relay does not read.
func TestDecoder_UnrelatedFieldTypesDoNotDropContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		extra string
	}{
		{"fractional created", `"created":1712345678.5`},
		{"numeric id", `"id":123`},
		{"string token counts", `"usage":{"prompt_tokens":"12"}`},
		{"logprobs array", `"logprobs":[]`},
		{"object system fingerprint", `"system_fingerprint":{"v":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			malformed := 0
			d := NewDecoder(func(string, error) { malformed++ })

			line := `data: {"choices":[{"index":0,"delta":{"content":"ab"}}],` + tt.extra + "}\n"
			got := d.Feed([]byte(line))

			assert.Equal(t, []Event{ContentDelta("ab")}, got)
			assert.Zero(t, malformed)
		})
	}
}

func TestDecoder_NonStringContentIsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{"number content", `data: {"choices":[{"delta":{"content":42}}]}` + "\n"},
		{"object content", `data: {"choices":[{"delta":{"content":{"text":"x"}}}]}` + "\n"},
		{"payload not an object", "data: 42\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			malformed := 0
			d := NewDecoder(func(string, error) { malformed++ })

			assert.Empty(t, d.Feed([]byte(tt.line)))
			assert.Equal(t, 1, malformed)
		})
	}
}

func TestDecoder_IgnoredLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{"blank", "\n"},
		{"whitespace only", "   \t\n"},
		{"comment", ": ping\n"},
		{"event field", "event: message\n"},
		{"missing space after colon", "data:{\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"},
		{"role only delta", "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n"},
		{"empty content", "data: {\"choices\":[{\"delta\":{\"content\":\"\"}}]}\n"},
		{"no choices", "data: {\"choices\":[]}\n"},
		{"usage chunk", "data: {\"usage\":{\"prompt_tokens\":3}}\n"},
		{"null content", "data: {\"choices\":[{\"delta\":{\"content\":null}}]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(nil)
			assert.Empty(t, d.Feed([]byte(tt.line)))
		})
	}
}

func TestDecoder_TrimsCarriageReturns(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	got := d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n\r\ndata: [DONE]\r\n"))
	assert.Equal(t, []Event{ContentDelta("x"), StreamEnd()}, got)
}

func TestDecoder_PreservesContentWhitespace(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	got := d.Feed([]byte(deltaFrame(" leading and trailing ")))
	require.Len(t, got, 1)
	assert.Equal(t, " leading and trailing ", got[0].Text)
}

func TestDecoder_EscapedNewlinesInContent(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	got := d.Feed([]byte(deltaFrame(`line1\nline2`)))
	require.Len(t, got, 1)
	assert.Equal(t, "line1\nline2", got[0].Text)
}

// =============================================================================
// Flush
// =============================================================================

func TestDecoder_FlushDropsResidue(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	unterminated := "data: {\"choices\":[{\"delta\":{\"content\":\"ghost\"}}]}"
	assert.Empty(t, d.Feed([]byte(unterminated)))
	assert.Empty(t, d.Flush())

	// A fresh frame after Flush is not glued to the dropped residue.
	assert.Equal(t, []Event{ContentDelta("ok")}, d.Feed([]byte(deltaFrame("ok"))))
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "content_delta", EventContentDelta.String())
	assert.Equal(t, "stream_end", EventStreamEnd.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
