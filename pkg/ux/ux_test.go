// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ReadRelayStream
// =============================================================================

func TestReadRelayStream(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantDeltas []string
		wantReply  string
		wantErr    error
	}{
		{
			name:       "two deltas",
			input:      "data: Hel\n\ndata: lo\n\ndata: [DONE]\n\n",
			wantDeltas: []string{"Hel", "lo"},
			wantReply:  "Hello",
		},
		{
			name:       "multi-line frame",
			input:      "data: one\ndata: two\n\ndata: [DONE]\n\n",
			wantDeltas: []string{"one\ntwo"},
			wantReply:  "one\ntwo",
		},
		{
			name:       "keepalives ignored",
			input:      ": ping\n\ndata: a\n\n: ping\n\ndata: [DONE]\n\n",
			wantDeltas: []string{"a"},
			wantReply:  "a",
		},
		{
			name:       "leading space kept after the first",
			input:      "data:  indented\n\ndata: [DONE]\n\n",
			wantDeltas: []string{" indented"},
			wantReply:  " indented",
		},
		{
			name:       "crlf",
			input:      "data: a\r\n\r\ndata: [DONE]\r\n\r\n",
			wantDeltas: []string{"a"},
			wantReply:  "a",
		},
		{
			name:       "truncated",
			input:      "data: partial\n\n",
			wantDeltas: []string{"partial"},
			wantReply:  "partial",
			wantErr:    ErrStreamTruncated,
		},
		{
			name:       "done without trailing blank line",
			input:      "data: a\n\ndata: [DONE]",
			wantDeltas: []string{"a"},
			wantReply:  "a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var deltas []string
			reply, err := ReadRelayStream(context.Background(), strings.NewReader(tt.input), func(s string) error {
				deltas = append(deltas, s)
				return nil
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantDeltas, deltas)
			assert.Equal(t, tt.wantReply, reply)
		})
	}
}

func TestReadRelayStream_ErrorFrame(t *testing.T) {
	input := "data: part\n\nevent: error\ndata: upstream stream failed\n\n"

	reply, err := ReadRelayStream(context.Background(), strings.NewReader(input), func(string) error { return nil })

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "upstream stream failed", streamErr.Message)
	assert.Equal(t, "part", reply)
}

func TestReadRelayStream_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	_, err := ReadRelayStream(context.Background(), strings.NewReader("data: a\n\ndata: b\n\ndata: [DONE]\n\n"),
		func(string) error {
			calls++
			return stop
		})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestReadRelayStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadRelayStream(ctx, strings.NewReader("data: a\n\n"), func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Printer and terminal detection
// =============================================================================

func TestPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelPlain)

	p.Title("chatrelay")
	p.Prompt()
	p.Delta("Hel")
	p.Delta("lo")
	p.EndReply()
	p.Muted("conversation abc")
	p.Warning("careful")
	p.Error("broken")

	assert.Equal(t, "Hello\nWARN: careful\nERROR: broken\n", buf.String())
}

func TestPrinter_RichContainsText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelRich)

	p.Delta("Hello")
	p.Error("broken")

	assert.Contains(t, buf.String(), "Hello")
	assert.Contains(t, buf.String(), "broken")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelPlain, ParseLevel("plain"))
	assert.Equal(t, LevelPlain, ParseLevel(" Machine "))
	assert.Equal(t, LevelRich, ParseLevel("rich"))
	assert.Equal(t, LevelRich, ParseLevel("anything"))
}

func TestDetectLevel(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	t.Setenv(EnvOutput, "")
	assert.Equal(t, LevelPlain, DetectLevel(f), "a regular file is not a terminal")

	t.Setenv(EnvOutput, "rich")
	assert.Equal(t, LevelRich, DetectLevel(f))

	assert.False(t, IsTerminal(nil))
}
