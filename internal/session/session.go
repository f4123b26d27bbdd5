// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session keeps one in-memory conversation per chat, lazily loaded
// from persistent storage and guarded by a per-chat lock so each chat is
// processed by a single goroutine at a time.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jeranaias/tgrelay/internal/model"
	"github.com/jeranaias/tgrelay/internal/storage"
	"github.com/jeranaias/tgrelay/internal/tokens"
)

// =============================================================================
// LOADER
// =============================================================================

// Loader supplies persisted chat state and bounded history.
type Loader interface {
	LoadChatState(ctx context.Context, chatID int64) (storage.ChatState, error)
	LoadHistory(ctx context.Context, chatID int64, budget int) ([]storage.StoredMessage, error)
}

// =============================================================================
// STORE
// =============================================================================

// Store hands out exclusive per-chat sessions. Distinct chats proceed in
// parallel; a second Acquire for the same chat blocks until the first
// session is released.
type Store struct {
	mu      sync.Mutex
	entries map[int64]*entry

	loader     Loader
	estimator  tokens.Estimator
	loadBudget int
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	conv   *model.Conversation
}

// NewStore creates a session store. loadBudget bounds how many history
// tokens are rehydrated when a chat is first touched after startup.
func NewStore(loader Loader, estimator tokens.Estimator, loadBudget int) *Store {
	return &Store{
		entries:    make(map[int64]*entry),
		loader:     loader,
		estimator:  estimator,
		loadBudget: loadBudget,
	}
}

// Session is an exclusively held conversation. Callers must Release it when
// done; holding it across a provider round trip would serialize the chat
// behind the network, so the relay releases before calling out.
type Session struct {
	entry *entry
	conv  *model.Conversation
}

// Conversation returns the held conversation.
func (s *Session) Conversation() *model.Conversation {
	return s.conv
}

// Release unlocks the chat. The session must not be used afterwards.
func (s *Session) Release() {
	s.entry.mu.Unlock()
}

// Acquire locks the chat and returns its session, loading state from
// storage on first touch. The map lock is dropped before blocking on the
// per-chat lock so unrelated chats never wait on each other.
func (s *Store) Acquire(ctx context.Context, chatID int64) (*Session, error) {
	s.mu.Lock()
	e, ok := s.entries[chatID]
	if !ok {
		e = &entry{}
		s.entries[chatID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	if !e.loaded {
		conv, err := s.load(ctx, chatID)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.conv = conv
		e.loaded = true
	}
	return &Session{entry: e, conv: e.conv}, nil
}

// Invalidate drops the cached conversation so the next Acquire reloads from
// storage. Used after settings writes that change what a rebuild would
// produce, such as a new system prompt.
func (s *Store) Invalidate(chatID int64) {
	s.mu.Lock()
	e, ok := s.entries[chatID]
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.loaded = false
	e.conv = nil
	e.mu.Unlock()
}

// =============================================================================
// LOADING
// =============================================================================

// load rebuilds a conversation from the chats row and persisted history.
// History arrives oldest-first and already budget-bounded; messages are
// paired back into turns. A user message opens a turn, the following
// assistant message completes it. Anything unpairable is skipped with a
// warning rather than corrupting the turn structure.
func (s *Store) load(ctx context.Context, chatID int64) (*model.Conversation, error) {
	state, err := s.loader.LoadChatState(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat %d state: %w", chatID, err)
	}

	history, err := s.loader.LoadHistory(ctx, chatID, s.loadBudget)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat %d history: %w", chatID, err)
	}

	conv := model.NewConversation(chatID)
	conv.Authorized = state.Authorized
	conv.APIKey = state.APIKey
	conv.Model = state.Model
	conv.DisplayName = state.DisplayName
	if state.SystemPrompt != "" {
		conv.SystemPrompt = &model.Message{
			Role:   model.RoleSystem,
			Text:   state.SystemPrompt,
			Tokens: s.estimator.Estimate(state.SystemPrompt),
		}
	}

	var pendingUser *model.Message
	for _, stored := range history {
		msg := s.toMessage(stored)
		switch msg.Role {
		case model.RoleUser:
			if pendingUser != nil {
				log.Printf("WARN chat %d: unpaired user message in history, skipping", chatID)
			}
			pendingUser = &msg
		case model.RoleAssistant:
			if pendingUser == nil {
				log.Printf("WARN chat %d: unpaired assistant message in history, skipping", chatID)
				continue
			}
			conv.AppendCompleteTurn(*pendingUser, msg)
			pendingUser = nil
		default:
			log.Printf("WARN chat %d: unexpected %q message in history, skipping", chatID, stored.Role)
		}
	}
	if pendingUser != nil {
		log.Printf("WARN chat %d: trailing user message without reply, skipping", chatID)
	}

	return conv, nil
}

// toMessage converts a stored message, trusting the persisted token count
// when present and re-estimating when the row predates token accounting.
func (s *Store) toMessage(stored storage.StoredMessage) model.Message {
	role, ok := model.ParseRole(stored.Role)
	if !ok {
		role = model.Role(stored.Role)
	}
	tok := stored.Tokens
	if tok <= 0 {
		tok = s.estimator.Estimate(stored.Text)
	}
	return model.Message{Role: role, Text: stored.Text, Tokens: tok}
}
