// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-123")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "tok-123", cfg.Telegram.Token)
	assert.Equal(t, "gpt-4.1", cfg.Provider.DefaultModel)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Provider.BaseURL)
	assert.Equal(t, "data/relay.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 180, cfg.Provider.RequestTimeoutSecs)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[telegram]
token = "file-token"
admin_chat_id = 42
markdown = true

[provider]
default_model = "o3"
streaming = true
request_timeout_secs = 60

[storage]
sqlite_path = "/tmp/test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-token", cfg.Telegram.Token)
	assert.Equal(t, int64(42), cfg.Telegram.AdminChatID)
	assert.True(t, cfg.Telegram.Markdown)
	assert.Equal(t, "o3", cfg.Provider.DefaultModel)
	assert.True(t, cfg.Provider.Streaming)
	assert.Equal(t, "/tmp/test.db", cfg.Storage.SQLitePath)
	// Untouched sections keep their defaults.
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.Catalog.BaseURL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[telegram]
token = "file-token"

[provider]
default_model = "from-file"
`)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("OPEN_AI_MODEL", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("ADMIN_CHAT_ID", "-100123")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "from-env", cfg.Provider.DefaultModel)
	assert.Equal(t, "sk-env", cfg.Provider.APIKey)
	assert.Equal(t, int64(-100123), cfg.Telegram.AdminChatID)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram token"},
		{"empty model", func(c *Config) { c.Provider.DefaultModel = "" }, "default_model"},
		{"bad timeout", func(c *Config) { c.Provider.RequestTimeoutSecs = 0 }, "request_timeout_secs"},
		{"empty db path", func(c *Config) { c.Storage.SQLitePath = "" }, "sqlite_path"},
		{"bad estimator", func(c *Config) { c.Provider.Estimator = "magic" }, "estimator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Telegram.Token = "tok"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBadTOMLIsRejected(t *testing.T) {
	path := writeConfig(t, `telegram = not valid toml`)

	_, err := Load(path)
	assert.Error(t, err)
}
