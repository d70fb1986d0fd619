// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/AleutianAI/chatrelay/pkg/ux"
	"github.com/AleutianAI/chatrelay/services/relay/chat"
	"github.com/AleutianAI/chatrelay/services/relay/datatypes"
	"github.com/AleutianAI/chatrelay/services/relay/handlers"
)

// chatClient sends messages to a relay and remembers the conversation id
// the relay assigns.
type chatClient struct {
	baseURL        string
	httpClient     *http.Client
	conversationID string
}

func newChatClient(baseURL, conversationID string) *chatClient {
	return &chatClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		conversationID: conversationID,
	}
}

// Send posts text to /api/chat and calls onDelta with reply text as it
// arrives. Buffered relays produce a single call.
func (c *chatClient) Send(ctx context.Context, text string, onDelta func(string) error) (string, error) {
	body, err := json.Marshal(datatypes.ChatRequest{
		Message:        chat.EncodeMessage(text),
		ConversationID: c.conversationID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeRelayError(resp)
	}
	if id := resp.Header.Get(handlers.ConversationIDHeader); id != "" {
		c.conversationID = id
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return ux.ReadRelayStream(ctx, resp.Body, onDelta)
	}

	var reply datatypes.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("failed to decode reply: %w", err)
	}
	if c.conversationID == "" {
		c.conversationID = reply.ConversationID
	}
	if err := onDelta(reply.Chat); err != nil {
		return "", err
	}
	return reply.Chat, nil
}

func decodeRelayError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var e datatypes.ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		if e.Details != "" {
			return fmt.Errorf("relay returned %d: %s (%s)", resp.StatusCode, e.Error, e.Details)
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// runChatLoop reads one message per line from in until EOF, "/exit" or ctx
// is cancelled. Failed sends are reported and the loop continues.
func runChatLoop(ctx context.Context, in io.Reader, p *ux.Printer, client *chatClient) error {
	p.Title("chatrelay " + client.baseURL)
	if client.conversationID != "" {
		p.Muted("conversation " + client.conversationID)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		p.Prompt()
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		started := client.conversationID
		_, err := client.Send(ctx, line, func(delta string) error {
			p.Delta(delta)
			return nil
		})
		p.EndReply()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, ux.ErrStreamTruncated):
			p.Warning("reply was cut off")
		default:
			p.Error(err.Error())
		}
		if started == "" && client.conversationID != "" {
			p.Muted("conversation " + client.conversationID)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}
