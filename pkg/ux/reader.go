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
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// ErrStreamTruncated is returned when the stream ends without "[DONE]".
var ErrStreamTruncated = errors.New("stream ended before [DONE]")

// StreamError is an "event: error" frame sent by the relay.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "relay reported: " + e.Message
}

// ReadRelayStream reads the relay's event stream and calls onDelta with the
// text of each data frame.
//
// # Description
//
// Frames are separated by a blank line. Several "data:" lines in one frame
// are joined with "\n". Comment lines (": ping") and unknown fields are
// ignored. The stream is complete at "data: [DONE]".
//
// # Outputs
//
//   - string: All delta text received, in order.
//   - error: nil on "[DONE]". ErrStreamTruncated if the body ended first,
//     *StreamError for an error frame, ctx.Err() on cancellation, or the
//     error returned by onDelta.
func ReadRelayStream(ctx context.Context, r io.Reader, onDelta func(string) error) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		reply   strings.Builder
		data    []string
		event   string
		hasData bool
	)

	dispatch := func() (bool, error) {
		defer func() {
			data, event, hasData = data[:0], "", false
		}()
		if !hasData {
			return false, nil
		}
		text := strings.Join(data, "\n")
		if event == "error" {
			return true, &StreamError{Message: text}
		}
		if text == "[DONE]" {
			return true, nil
		}
		reply.WriteString(text)
		return false, onDelta(text)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return reply.String(), err
		}

		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			done, err := dispatch()
			if err != nil || done {
				return reply.String(), err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			data = append(data, value)
			hasData = true
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return reply.String(), ctxErr
		}
		return reply.String(), err
	}

	// A final frame without its blank line still counts.
	done, err := dispatch()
	if err != nil || done {
		return reply.String(), err
	}
	return reply.String(), ErrStreamTruncated
}
