// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the relay.
//
// Settings come from a TOML file with environment variable overrides on
// top, so secrets can stay out of the file entirely. A .env file in the
// working directory is honored for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relay configuration.
type Config struct {
	// Telegram settings
	Telegram TelegramConfig `toml:"telegram"`

	// Provider (model API) settings
	Provider ProviderConfig `toml:"provider"`

	// Catalog (model listing) settings
	Catalog CatalogConfig `toml:"catalog"`

	// Storage settings
	Storage StorageConfig `toml:"storage"`

	// Logging settings
	Logging LoggingConfig `toml:"logging"`
}

// TelegramConfig contains bot transport configuration.
type TelegramConfig struct {
	// Token is the Bot API token.
	Token string `toml:"token"`
	// AdminChatID is the chat allowed to run /approve. 0 disables approvals.
	AdminChatID int64 `toml:"admin_chat_id"`
	// Markdown renders answers with MarkdownV2 when possible.
	Markdown bool `toml:"markdown"`
	// FailureEmoji is the reaction set when a provider call fails.
	FailureEmoji string `toml:"failure_emoji"`
}

// ProviderConfig contains model provider configuration.
type ProviderConfig struct {
	// BaseURL of the Responses API.
	BaseURL string `toml:"base_url"`
	// APIKey is the fallback key for chats without one of their own.
	APIKey string `toml:"api_key"`
	// DefaultModel is used by chats that never picked one.
	DefaultModel string `toml:"default_model"`
	// SystemPrompt applies to chats without one of their own.
	SystemPrompt string `toml:"system_prompt"`
	// RequestTimeoutSecs bounds one provider round trip.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
	// Streaming sends answer chunks as the model produces them.
	Streaming bool `toml:"streaming"`
	// WebSearch attaches the provider's web_search tool to requests.
	WebSearch bool `toml:"web_search"`
	// Estimator selects token accounting: "heuristic" (default),
	// "heuristic-planning", or "vocabulary".
	Estimator string `toml:"estimator"`
}

// CatalogConfig contains model listing configuration.
type CatalogConfig struct {
	// BaseURL of the model listing API.
	BaseURL string `toml:"base_url"`
	// APIKey is the optional bearer token for the listing endpoint.
	APIKey string `toml:"api_key"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	// SQLitePath is the database file location.
	SQLitePath string `toml:"sqlite_path"`
	// LoadBudget bounds how many history tokens are rehydrated per chat.
	LoadBudget int `toml:"load_budget"`
}

// LoggingConfig contains log output configuration.
type LoggingConfig struct {
	// Dir is the rotating log file directory. Empty logs to stdout only.
	Dir string `toml:"dir"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Markdown:     false,
			FailureEmoji: "\U0001F614",
		},
		Provider: ProviderConfig{
			BaseURL:            "https://api.openai.com/v1",
			DefaultModel:       "gpt-4.1",
			RequestTimeoutSecs: 180,
			Streaming:          false,
			WebSearch:          true,
			Estimator:          "heuristic",
		},
		Catalog: CatalogConfig{
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Storage: StorageConfig{
			SQLitePath: "data/relay.db",
			LoadBudget: 100_000,
		},
		Logging: LoggingConfig{
			Dir: "logs",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from the given TOML path (skipped when the file
// does not exist), then applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for every
// setting an operator would set per deployment.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("ADMIN_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.AdminChatID = id
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("OPEN_AI_MODEL"); v != "" {
		c.Provider.DefaultModel = v
	}
	if v := os.Getenv("OPEN_AI_SYSTEM_PROMPT"); v != "" {
		c.Provider.SystemPrompt = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.Catalog.APIKey = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is required (set telegram.token or TELEGRAM_BOT_TOKEN)")
	}
	if c.Provider.DefaultModel == "" {
		return errors.New("provider default_model must not be empty")
	}
	if c.Provider.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("provider request_timeout_secs must be positive, got %d", c.Provider.RequestTimeoutSecs)
	}
	if c.Storage.SQLitePath == "" {
		return errors.New("storage sqlite_path must not be empty")
	}
	if c.Storage.LoadBudget <= 0 {
		return fmt.Errorf("storage load_budget must be positive, got %d", c.Storage.LoadBudget)
	}
	switch c.Provider.Estimator {
	case "", "heuristic", "heuristic-planning", "vocabulary", "tiktoken":
	default:
		return fmt.Errorf("unknown estimator %q", c.Provider.Estimator)
	}
	return nil
}

// RequestTimeout returns the provider timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Provider.RequestTimeoutSecs) * time.Second
}
