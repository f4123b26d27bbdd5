// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the conversation session engine: role-tagged
// messages, user/assistant turns, and the token-accounted conversation with
// its turn lifecycle (pending -> committed -> evicted/discarded) and
// budget-driven pruning.
//
// The invariants the package maintains:
//
//   - The conversation's token total always equals the sum over its turns.
//   - Turn ids strictly increase and are never reused.
//   - Pruning evicts only complete turns, only from the oldest end.
//
// Concurrency is handled one layer up: the session store guarantees a single
// writer per chat, so nothing here locks.
package model
