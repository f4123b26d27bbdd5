// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// =============================================================================
// MODEL SUMMARY
// =============================================================================

// ModelSummary is a minimal, uniform view over a catalog model.
type ModelSummary struct {
	ID            string
	Name          string
	ContextLength int
	// USD cost per million prompt tokens.
	PromptCostUSD float64
	// USD cost per million completion tokens.
	CompletionCostUSD float64
}

type modelsResponse struct {
	Data []modelRecord `json:"data"`
}

type modelRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

func summarize(rec modelRecord) ModelSummary {
	return ModelSummary{
		ID:                rec.ID,
		Name:              rec.Name,
		ContextLength:     rec.ContextLength,
		PromptCostUSD:     1_000_000 * parsePrice(rec.ID, rec.Pricing.Prompt),
		CompletionCostUSD: 1_000_000 * parsePrice(rec.ID, rec.Pricing.Completion),
	}
}

// parsePrice tolerates malformed pricing strings; one odd catalog entry must
// not take the whole model list down.
func parsePrice(id, s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Printf("WARN model %s: unparsable price %q", id, s)
		return 0
	}
	return v
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ListModels fetches the catalog's models: ids, context limits, and token
// prices. The API key is optional; anonymous requests see public models only.
func ListModels(ctx context.Context, httpClient *http.Client, baseURL, apiKey string) ([]ModelSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build models request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	out := make([]ModelSummary, 0, len(parsed.Data))
	for _, rec := range parsed.Data {
		out = append(out, summarize(rec))
	}
	return out, nil
}

// =============================================================================
// CATALOG
// =============================================================================

// CatalogConfig configures the background model catalog.
type CatalogConfig struct {
	// BaseURL of the model listing API (default: https://openrouter.ai/api/v1)
	BaseURL string

	// APIKey is the optional bearer token for the listing endpoint.
	APIKey string

	// RefreshInterval between catalog refreshes (default: 10m)
	RefreshInterval time.Duration

	// RetryDelay between initial fetch attempts (default: 5s)
	RetryDelay time.Duration
}

// DefaultCatalogConfig returns the default catalog configuration.
func DefaultCatalogConfig() *CatalogConfig {
	return &CatalogConfig{
		BaseURL:         "https://openrouter.ai/api/v1",
		RefreshInterval: 10 * time.Minute,
		RetryDelay:      5 * time.Second,
	}
}

// Catalog holds a periodically refreshed snapshot of the provider's model
// list. Reads are cheap; the refresh goroutine is the only writer.
type Catalog struct {
	config     *CatalogConfig
	httpClient *http.Client

	mu     sync.RWMutex
	models []ModelSummary
}

// NewCatalog creates a catalog. A nil config uses the defaults.
func NewCatalog(httpClient *http.Client, config *CatalogConfig) *Catalog {
	if config == nil {
		config = DefaultCatalogConfig()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Catalog{config: config, httpClient: httpClient}
}

// Run fetches the model list, retrying until the first success so the relay
// always starts with a catalog, then refreshes on a fixed interval until the
// context is cancelled. Run blocks; callers start it on its own goroutine.
func (c *Catalog) Run(ctx context.Context) {
	attempt := 1
	for {
		err := c.refresh(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("WARN initial model fetch failed (attempt %d): %v; retrying in %s", attempt, err, c.config.RetryDelay)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.RetryDelay):
		}
	}

	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				log.Printf("WARN model refresh failed: %v", err)
			}
		}
	}
}

func (c *Catalog) refresh(ctx context.Context) error {
	latest, err := ListModels(ctx, c.httpClient, c.config.BaseURL, c.config.APIKey)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.models = latest
	c.mu.Unlock()

	return nil
}

// Models returns a copy of the current snapshot.
func (c *Catalog) Models() []ModelSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ModelSummary, len(c.models))
	copy(out, c.models)
	return out
}

// Lookup finds a model by id in the current snapshot.
func (c *Catalog) Lookup(id string) (ModelSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSummary{}, false
}

// ContextLength returns the model's context window: the catalog's number when
// the model is listed, the static table otherwise.
func (c *Catalog) ContextLength(mdl string) int {
	if m, ok := c.Lookup(mdl); ok && m.ContextLength > 0 {
		return m.ContextLength
	}
	return StaticContextLength(mdl)
}
