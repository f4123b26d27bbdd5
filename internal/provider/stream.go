// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/tgrelay/internal/model"
)

// =============================================================================
// STREAM READER
// =============================================================================

// DeltaFunc consumes one streamed text delta. Returning an error aborts the
// stream.
type DeltaFunc func(delta string) error

// streamReader folds an SSE Responses stream into ordered delta events and a
// final accumulated answer.
type streamReader struct {
	reader *bufio.Reader
	// strings.Builder avoids quadratic allocations while accumulating.
	accumulator strings.Builder
	usage       Usage
}

func newStreamReader(r io.Reader) *streamReader {
	return &streamReader{reader: bufio.NewReader(r)}
}

// streamEvent is the subset of Responses SSE event payloads we consume.
type streamEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response struct {
		Usage usagePayload `json:"usage"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// process reads SSE lines until the terminal event, calling onDelta for each
// text delta in arrival order.
func (s *streamReader) process(ctx context.Context, onDelta DeltaFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		line = bytes.TrimSpace(line)
		data, found := bytes.CutPrefix(line, []byte("data: "))
		if !found {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			// Skip malformed lines.
			continue
		}

		switch event.Type {
		case "response.output_text.delta":
			if event.Delta == "" {
				continue
			}
			s.accumulator.WriteString(event.Delta)
			if err := onDelta(event.Delta); err != nil {
				return err
			}
		case "response.completed":
			s.usage = Usage{
				PromptTokens:     event.Response.Usage.InputTokens,
				CompletionTokens: event.Response.Usage.OutputTokens,
			}
			return nil
		case "response.failed", "error":
			msg := event.Error.Message
			if msg == "" {
				msg = "stream reported failure"
			}
			return fmt.Errorf("provider stream failed: %s", msg)
		}
	}
}

// =============================================================================
// STREAMING CALL
// =============================================================================

// Stream sends the conversation and folds the streamed answer through
// onDelta. The return value is the complete accumulated text. Delivery order
// matches arrival order; an onDelta error aborts the stream and is returned.
func (c *Client) Stream(ctx context.Context, apiKey, mdl string, system *model.Message, history []model.Message, onDelta DeltaFunc) (string, Usage, error) {
	payload, err := buildPayload(mdl, system, history, c.config)
	if err != nil {
		return "", Usage{}, err
	}
	payload.Stream = true

	req, err := c.newRequest(ctx, apiKey, payload)
	if err != nil {
		return "", Usage{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", Usage{}, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	reader := newStreamReader(resp.Body)
	if err := reader.process(ctx, onDelta); err != nil {
		return "", Usage{}, err
	}

	text := strings.TrimSpace(reader.accumulator.String())
	if text == "" {
		return "", reader.usage, ErrEmptyResponse
	}
	return text, reader.usage, nil
}
