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
	"errors"
	"io"
	"sync"
)

// streamReadSize is the read buffer for one upstream chunk.
const streamReadSize = 4096

// Stream is a single-pass handle over a streaming upstream response body.
//
// # Description
//
// Next returns raw byte chunks exactly as they come off the wire; chunk
// boundaries carry no meaning and may split SSE lines anywhere. The stream
// ends with io.EOF on natural completion, ctx.Err() when the request context
// was cancelled, or an *UpstreamError for any other read failure.
//
// # Thread Safety
//
// Next must be called from one goroutine. Close may be called from any
// goroutine and is idempotent.
type Stream struct {
	ctx  context.Context
	body io.ReadCloser
	buf  []byte

	closeOnce sync.Once
	closeErr  error
}

func newStream(ctx context.Context, body io.ReadCloser) *Stream {
	return &Stream{
		ctx:  ctx,
		body: body,
		buf:  make([]byte, streamReadSize),
	}
}

// NewStream wraps body as a Stream. Useful for callers that obtain a
// streaming body some other way, and for tests.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	return newStream(ctx, body)
}

// Next returns the next chunk. The returned slice is owned by the caller.
func (s *Stream) Next() ([]byte, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			// Defer a terminal error to the next call so the bytes are not lost.
			return chunk, nil
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case s.ctx.Err() != nil:
			return nil, s.ctx.Err()
		default:
			return nil, &UpstreamError{Err: err}
		}
	}
}

// Close releases the response body.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
