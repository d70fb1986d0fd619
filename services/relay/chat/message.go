// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidMessage is returned for payloads that do not decode to
	// non-empty UTF-8 text.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrPayloadTooLarge is returned when the decoded message has more words
	// than the configured limit.
	ErrPayloadTooLarge = errors.New("message exceeds word limit")

	// ErrClientGone wraps failures to write a delta to the caller.
	ErrClientGone = errors.New("client stopped accepting the stream")
)

// DecodeMessage reverses the browser's btoa(encodeURIComponent(text)).
//
// The order is fixed: base64, then percent-decoding, then UTF-8 validation.
// A literal '+' survives percent-decoding unchanged.
func DecodeMessage(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrInvalidMessage, err)
	}
	text, err := url.PathUnescape(string(raw))
	if err != nil {
		return "", fmt.Errorf("%w: percent-encoding: %v", ErrInvalidMessage, err)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidMessage)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	return text, nil
}

// EncodeMessage is the inverse of DecodeMessage. Used by the CLI client.
func EncodeMessage(text string) string {
	// url.QueryEscape turns spaces into '+', which encodeURIComponent never
	// does and PathUnescape would not undo.
	escaped := strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
	return base64.StdEncoding.EncodeToString([]byte(escaped))
}

// CountWords returns the number of whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// CheckWordLimit returns ErrPayloadTooLarge when text has more than max words.
func CheckWordLimit(text string, max int) error {
	if n := CountWords(text); n > max {
		return fmt.Errorf("%w: %d words, limit %d", ErrPayloadTooLarge, n, max)
	}
	return nil
}
