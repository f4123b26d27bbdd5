// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the HTTP client for the language-model
// provider and the background model catalog.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/tgrelay/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoContent means the assembled request carried no usable message text.
	ErrNoContent = errors.New("no content available for model call")

	// ErrEmptyResponse means the provider answered without any output text.
	ErrEmptyResponse = errors.New("provider response missing text output")
)

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error %d: %s", e.Status, e.Body)
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the provider client.
type ClientConfig struct {
	// BaseURL of the Responses API (default: https://api.openai.com/v1)
	BaseURL string

	// Timeout for a complete (non-streaming) request (default: 180s)
	Timeout time.Duration

	// WebSearch attaches the provider's web_search tool to every request.
	WebSearch bool
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:   "https://api.openai.com/v1",
		Timeout:   180 * time.Second,
		WebSearch: true,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to an OpenAI-style Responses API. It is safe for concurrent
// use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a provider client. A nil config uses the defaults.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config: config,
		// Streaming responses outlive any sane per-request timeout; the
		// context passed to each call bounds the wait instead.
		httpClient: &http.Client{},
	}
}

// Usage reports provider-side token accounting when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// =============================================================================
// REQUEST PAYLOAD
// =============================================================================

type inputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputItem struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type requestPayload struct {
	Model      string      `json:"model"`
	Input      []inputItem `json:"input"`
	Tools      []any       `json:"tools,omitempty"`
	ToolChoice string      `json:"tool_choice,omitempty"`
	Stream     bool        `json:"stream,omitempty"`
}

// buildPayload assembles the Responses API input list. The system prompt
// travels as the "developer" role; assistant history is tagged output_text,
// everything inbound input_text. Blank messages are skipped entirely.
func buildPayload(mdl string, system *model.Message, history []model.Message, cfg *ClientConfig) (*requestPayload, error) {
	var items []inputItem

	if system != nil && strings.TrimSpace(system.Text) != "" {
		items = append(items, inputItem{
			Role:    "developer",
			Content: []inputContent{{Type: "input_text", Text: system.Text}},
		})
	}

	for _, msg := range history {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		role := "user"
		contentType := "input_text"
		if msg.Role == model.RoleAssistant {
			role = "assistant"
			contentType = "output_text"
		}
		items = append(items, inputItem{
			Role:    role,
			Content: []inputContent{{Type: contentType, Text: msg.Text}},
		})
	}

	if len(items) == 0 {
		return nil, ErrNoContent
	}

	payload := &requestPayload{Model: mdl, Input: items}
	if cfg.WebSearch {
		payload.Tools = []any{map[string]any{
			"type": "web_search",
			"user_location": map[string]any{
				"type":    "approximate",
				"country": "US",
			},
		}}
		payload.ToolChoice = "auto"
	}
	return payload, nil
}

func (c *Client) newRequest(ctx context.Context, apiKey string, payload *requestPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	// Correlation id so a provider failure can be matched against our logs.
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}

// =============================================================================
// COMPLETE (NON-STREAMING)
// =============================================================================

// responseBody is the subset of the Responses API answer we consume.
type responseBody struct {
	OutputText []string `json:"output_text"`
	Output     []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage usagePayload `json:"usage"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete sends the conversation and returns the provider's full answer.
func (c *Client) Complete(ctx context.Context, apiKey, mdl string, system *model.Message, history []model.Message) (string, Usage, error) {
	payload, err := buildPayload(mdl, system, history, c.config)
	if err != nil {
		return "", Usage{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, apiKey, payload)
	if err != nil {
		return "", Usage{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", Usage{}, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed responseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("failed to parse provider response: %w", err)
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}

	text := extractOutputText(&parsed)
	text = strings.TrimSpace(text)
	if text == "" {
		log.Printf("WARN provider returned no output text in %d bytes", len(body))
		return "", usage, ErrEmptyResponse
	}
	return text, usage, nil
}

// extractOutputText pulls the answer text out of either response shape: the
// convenience output_text array, or the output item list with output_text /
// text content parts.
func extractOutputText(body *responseBody) string {
	if len(body.OutputText) > 0 {
		return strings.Join(body.OutputText, "\n")
	}

	var parts []string
	for _, item := range body.Output {
		for _, content := range item.Content {
			if content.Type == "output_text" || content.Type == "text" {
				parts = append(parts, content.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
