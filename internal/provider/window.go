// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import "strings"

// DefaultContextLength is the window assumed for models we have no data for.
const DefaultContextLength = 128_000

// staticWindows maps model-name prefixes to context windows, longest prefix
// wins. These cover the common OpenAI models when the catalog has no entry.
var staticWindows = []struct {
	prefix string
	window int
}{
	{"gpt-4.1", 1_047_576},
	{"gpt-4o-mini", 128_000},
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 8_192},
	{"gpt-3.5-turbo", 16_385},
	{"o3", 200_000},
	{"o4-mini", 200_000},
}

// StaticContextLength returns the built-in context window for a model name.
func StaticContextLength(mdl string) int {
	best := 0
	window := DefaultContextLength
	for _, entry := range staticWindows {
		if strings.HasPrefix(mdl, entry.prefix) && len(entry.prefix) > best {
			best = len(entry.prefix)
			window = entry.window
		}
	}
	return window
}
