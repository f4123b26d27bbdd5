// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/tgrelay/internal/model"
	"github.com/jeranaias/tgrelay/internal/provider"
	"github.com/jeranaias/tgrelay/internal/session"
	"github.com/jeranaias/tgrelay/internal/storage"
	"github.com/jeranaias/tgrelay/internal/tokens"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeProvider struct {
	answer string
	usage  provider.Usage
	err    error

	mu       sync.Mutex
	calls    int
	gotModel string
	gotKey   string
	gotLen   int
}

func (f *fakeProvider) Complete(_ context.Context, apiKey, mdl string, _ *model.Message, history []model.Message) (string, provider.Usage, error) {
	f.mu.Lock()
	f.calls++
	f.gotModel = mdl
	f.gotKey = apiKey
	f.gotLen = len(history)
	f.mu.Unlock()
	return f.answer, f.usage, f.err
}

func (f *fakeProvider) Stream(ctx context.Context, apiKey, mdl string, system *model.Message, history []model.Message, onDelta provider.DeltaFunc) (string, provider.Usage, error) {
	if _, _, err := f.Complete(ctx, apiKey, mdl, system, history); err != nil {
		return "", f.usage, err
	}
	for _, word := range strings.SplitAfter(f.answer, " ") {
		if err := onDelta(word); err != nil {
			return "", f.usage, err
		}
	}
	return f.answer, f.usage, nil
}

type fakeCatalog struct {
	models []provider.ModelSummary
	window int
}

func (f *fakeCatalog) Models() []provider.ModelSummary { return f.models }

func (f *fakeCatalog) Lookup(id string) (provider.ModelSummary, bool) {
	for _, m := range f.models {
		if m.ID == id {
			return m, true
		}
	}
	return provider.ModelSummary{}, false
}

func (f *fakeCatalog) ContextLength(string) int { return f.window }

type sentMessage struct {
	chatID   int64
	text     string
	replyTo  int
	markdown bool
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	reactions []string
	typing    int
	sendErr   error
}

func (f *fakeTransport) SendChunk(_ context.Context, chatID int64, text string, replyTo int, markdown bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{chatID, text, replyTo, markdown})
	return nil
}

func (f *fakeTransport) React(_ context.Context, _ int64, _ int, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

func (f *fakeTransport) StartTyping(int64) func() {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

// fakeSettings doubles as the session loader so tests share one source of
// truth for chat state.
type fakeSettings struct {
	mu       sync.Mutex
	states   map[int64]storage.ChatState
	appended map[int64][]storage.StoredMessage
	setErr   error
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		states:   make(map[int64]storage.ChatState),
		appended: make(map[int64][]storage.StoredMessage),
	}
}

func (f *fakeSettings) LoadChatState(_ context.Context, chatID int64) (storage.ChatState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[chatID]
	if !ok {
		state = storage.ChatState{ChatID: chatID}
	}
	return state, nil
}

func (f *fakeSettings) LoadHistory(_ context.Context, _ int64, _ int) ([]storage.StoredMessage, error) {
	return nil, nil
}

func (f *fakeSettings) set(chatID int64, update func(*storage.ChatState)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	state := f.states[chatID]
	state.ChatID = chatID
	update(&state)
	f.states[chatID] = state
	return nil
}

func (f *fakeSettings) SetAuthorized(_ context.Context, chatID int64, v bool) error {
	return f.set(chatID, func(s *storage.ChatState) { s.Authorized = v })
}

func (f *fakeSettings) SetAPIKey(_ context.Context, chatID int64, v string) error {
	return f.set(chatID, func(s *storage.ChatState) { s.APIKey = v })
}

func (f *fakeSettings) SetModel(_ context.Context, chatID int64, v string) error {
	return f.set(chatID, func(s *storage.ChatState) { s.Model = v })
}

func (f *fakeSettings) SetSystemPrompt(_ context.Context, chatID int64, v string) error {
	return f.set(chatID, func(s *storage.ChatState) { s.SystemPrompt = v })
}

func (f *fakeSettings) SetDisplayName(_ context.Context, chatID int64, v string) error {
	return f.set(chatID, func(s *storage.ChatState) { s.DisplayName = v })
}

func (f *fakeSettings) AppendMessages(_ context.Context, chatID int64, msgs ...storage.StoredMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[chatID] = append(f.appended[chatID], msgs...)
	return nil
}

func (f *fakeSettings) ListChats(_ context.Context) ([]storage.ChatState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.ChatState, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	return out, nil
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	relay     *Relay
	provider  *fakeProvider
	transport *fakeTransport
	settings  *fakeSettings
	sessions  *session.Store
	fatals    []string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		provider:  &fakeProvider{answer: "the answer", usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5}},
		transport: &fakeTransport{},
		settings:  newFakeSettings(),
	}
	est := tokens.NewHeuristic()
	h.sessions = session.NewStore(h.settings, est, 10_000)

	config := Config{
		BotUsername:    "relaybot",
		DefaultModel:   "gpt-4.1",
		FallbackAPIKey: "sk-fallback",
		AdminChatID:    99,
		RequestTimeout: time.Second,
		ChunkLimit:     4096,
		FailureEmoji:   "\U0001F614",
	}
	if mutate != nil {
		mutate(&config)
	}

	catalog := &fakeCatalog{
		window: 1000,
		models: []provider.ModelSummary{
			{ID: "gpt-4.1", Name: "GPT-4.1", ContextLength: 1000, PromptCostUSD: 2, CompletionCostUSD: 8},
		},
	}

	h.relay = New(config, h.sessions, h.provider, catalog, h.transport, h.settings, est)
	h.relay.fatalf = func(format string, args ...any) {
		h.fatals = append(h.fatals, fmt.Sprintf(format, args...))
	}
	return h
}

func (h *harness) authorize(chatID int64) {
	h.settings.states[chatID] = storage.ChatState{ChatID: chatID, Authorized: true}
}

func (h *harness) conversation(t *testing.T, chatID int64) *model.Conversation {
	t.Helper()
	sess, err := h.sessions.Acquire(context.Background(), chatID)
	require.NoError(t, err)
	defer sess.Release()
	return sess.Conversation()
}

// =============================================================================
// PIPELINE TESTS
// =============================================================================

func TestChatSuccessCommitsAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	h.authorize(1)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 42, Text: "hello"})

	require.Len(t, h.transport.sent, 1)
	assert.Equal(t, "the answer", h.transport.sent[0].text)
	assert.Equal(t, 42, h.transport.sent[0].replyTo)
	assert.Equal(t, 1, h.transport.typing)
	assert.Equal(t, "sk-fallback", h.provider.gotKey)
	assert.Equal(t, "gpt-4.1", h.provider.gotModel)

	conv := h.conversation(t, 1)
	assert.Equal(t, 1, conv.TurnCount())
	// The assistant cost comes from provider usage, not the estimator.
	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 5, msgs[1].Tokens)

	stored := h.settings.appended[1]
	require.Len(t, stored, 2)
	assert.Equal(t, "user", stored[0].Role)
	assert.Equal(t, "hello", stored[0].Text)
	assert.Equal(t, "assistant", stored[1].Role)
	assert.Equal(t, 5, stored[1].Tokens)
	assert.Empty(t, h.fatals)
}

func TestChatProviderFailureDiscardsAndReacts(t *testing.T) {
	h := newHarness(t, nil)
	h.authorize(1)
	h.provider.err = errors.New("provider down")

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 7, Text: "hello"})

	assert.Empty(t, h.transport.sent)
	assert.Equal(t, []string{"\U0001F614"}, h.transport.reactions)
	assert.Empty(t, h.settings.appended[1])

	conv := h.conversation(t, 1)
	assert.Zero(t, conv.TurnCount())
	assert.Zero(t, conv.PromptTokens())
}

func TestChatUnauthorizedIsDenied(t *testing.T) {
	h := newHarness(t, nil)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 5, MessageID: 1, Text: "hello"})

	assert.Zero(t, h.provider.calls)
	require.Len(t, h.transport.sent, 1)
	assert.Contains(t, h.transport.sent[0].text, "not approved")
	assert.Contains(t, h.transport.sent[0].text, "5")
}

func TestAdminChatBypassesApproval(t *testing.T) {
	h := newHarness(t, nil)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 99, MessageID: 1, Text: "hello"})

	assert.Equal(t, 1, h.provider.calls)
}

func TestChatWithoutAnyKeyIsRefused(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FallbackAPIKey = "" })
	h.authorize(1)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "hello"})

	assert.Zero(t, h.provider.calls)
	require.Len(t, h.transport.sent, 1)
	assert.Contains(t, h.transport.sent[0].text, "API key")
}

func TestChatUsesPerChatKeyAndModel(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.states[1] = storage.ChatState{
		ChatID: 1, Authorized: true, APIKey: "sk-own", Model: "o3",
	}

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "hello"})

	assert.Equal(t, "sk-own", h.provider.gotKey)
	assert.Equal(t, "o3", h.provider.gotModel)
}

func TestStreamingSendsChunksAsTheyArrive(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Streaming = true
		c.ChunkLimit = 6
	})
	h.authorize(1)
	h.provider.answer = "one two three"

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 9, Text: "hello"})

	texts := h.transport.texts()
	require.NotEmpty(t, texts)
	assert.Equal(t, "one two three", strings.Join(texts, ""))
	for _, piece := range texts {
		assert.LessOrEqual(t, len([]rune(piece)), 6)
	}
	// Only the first chunk replies to the user's message.
	assert.Equal(t, 9, h.transport.sent[0].replyTo)
	for _, s := range h.transport.sent[1:] {
		assert.Zero(t, s.replyTo)
	}

	conv := h.conversation(t, 1)
	assert.Equal(t, 1, conv.TurnCount())
	require.Len(t, h.settings.appended[1], 2)
	assert.Equal(t, "one two three", h.settings.appended[1][1].Text)
}

func TestLongAnswerIsChunked(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ChunkLimit = 10 })
	h.authorize(1)
	h.provider.answer = "alpha beta gamma delta"

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "hello"})

	texts := h.transport.texts()
	require.Greater(t, len(texts), 1)
	assert.Equal(t, "alpha beta gamma delta", strings.Join(texts, ""))
}

func TestMarkdownAnswerIsEscaped(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Markdown = true })
	h.authorize(1)
	h.provider.answer = "a_b"

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "hello"})

	require.Len(t, h.transport.sent, 1)
	assert.True(t, h.transport.sent[0].markdown)
	assert.Equal(t, `a\_b`, h.transport.sent[0].text)
}

func TestInconsistentSettingsWriteIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.authorize(1)
	h.settings.setErr = fmt.Errorf("%w: oops", storage.ErrInconsistent)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "/model o3"})

	require.Len(t, h.fatals, 1)
	assert.Contains(t, h.fatals[0], "inconsistent")
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, nil)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "/frobnicate"})

	require.Len(t, h.transport.sent, 1)
	assert.Contains(t, h.transport.sent[0].text, "Unknown command")
}

func TestForeignMentionIsIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "/help@otherbot"})

	assert.Empty(t, h.transport.sent)
}

func TestHelpCommand(t *testing.T) {
	h := newHarness(t, nil)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "/help"})

	require.Len(t, h.transport.sent, 1)
	assert.Contains(t, h.transport.sent[0].text, "/model")
}

func TestModelCommandRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.relay.HandleMessage(ctx, Incoming{ChatID: 1, MessageID: 1, Text: "/model"})
	require.Len(t, h.transport.sent, 1)
	assert.Contains(t, h.transport.sent[0].text, "default model")

	h.relay.HandleMessage(ctx, Incoming{ChatID: 1, MessageID: 2, Text: "/model o3"})
	assert.Equal(t, "o3", h.settings.states[1].Model)
	assert.Contains(t, h.transport.sent[1].text, "o3")
	// o3 is not in the fake catalog, so the confirmation carries a caveat.
	assert.Contains(t, h.transport.sent[1].text, "catalog")

	h.relay.HandleMessage(ctx, Incoming{ChatID: 1, MessageID: 3, Text: "/model none"})
	assert.Equal(t, "", h.settings.states[1].Model)
	assert.Contains(t, h.transport.sent[2].text, "default")
}

func TestKeyCommandMasksTheKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.relay.HandleMessage(ctx, Incoming{ChatID: 1, MessageID: 1, Text: "/key sk-abcdefghijklmnop"})
	assert.Equal(t, "sk-abcdefghijklmnop", h.settings.states[1].APIKey)
	require.Len(t, h.transport.sent, 1)
	assert.NotContains(t, h.transport.sent[0].text, "sk-abcdefghijklmnop")
	assert.Contains(t, h.transport.sent[0].text, "sk-a...mnop")
}

func TestSystemPromptCommandInvalidatesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.authorize(1)
	ctx := context.Background()

	// Touch the session so a cached conversation exists.
	h.relay.HandleMessage(ctx, Incoming{ChatID: 1, MessageID: 1, Text: "hello"})

	h.relay.HandleMessage(ctx, Incoming{ChatID: 1, MessageID: 2, Text: "/systemprompt be terse"})
	assert.Equal(t, "be terse", h.settings.states[1].SystemPrompt)

	conv := h.conversation(t, 1)
	require.NotNil(t, conv.SystemPrompt)
	assert.Equal(t, "be terse", conv.SystemPrompt.Text)
}

func TestApproveRequiresAdmin(t *testing.T) {
	h := newHarness(t, nil)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "/approve 5 true"})

	assert.False(t, h.settings.states[5].Authorized)
	require.Len(t, h.transport.sent, 1)
	assert.Contains(t, h.transport.sent[0].text, "operator")
}

func TestApproveFromAdmin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.relay.HandleMessage(ctx, Incoming{ChatID: 99, MessageID: 1, Text: "/approve 5 true"})
	assert.True(t, h.settings.states[5].Authorized)

	// The freshly approved chat can talk immediately.
	h.relay.HandleMessage(ctx, Incoming{ChatID: 5, MessageID: 2, Text: "hello"})
	assert.Equal(t, 1, h.provider.calls)

	h.relay.HandleMessage(ctx, Incoming{ChatID: 99, MessageID: 3, Text: "/approve 5 false"})
	assert.False(t, h.settings.states[5].Authorized)
}

func TestApproveList(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.states[5] = storage.ChatState{ChatID: 5, DisplayName: "Ada", Authorized: true}

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 99, MessageID: 1, Text: "/approve"})

	require.Len(t, h.transport.sent, 1)
	assert.Contains(t, h.transport.sent[0].text, "Ada")
	assert.Contains(t, h.transport.sent[0].text, "approved=true")
}

func TestModelsCommandListsCatalog(t *testing.T) {
	h := newHarness(t, nil)

	h.relay.HandleMessage(context.Background(), Incoming{ChatID: 1, MessageID: 1, Text: "/models"})

	require.Len(t, h.transport.sent, 1)
	assert.Contains(t, h.transport.sent[0].text, "gpt-4.1")
	assert.Contains(t, h.transport.sent[0].text, "GPT-4.1")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "***", maskKey("short"))
	assert.Equal(t, "sk-1...wxyz", maskKey("sk-1234567890wxyz"))
}
