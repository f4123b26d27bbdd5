// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay is the orchestration core: it takes incoming chat messages,
// drives the conversation turn lifecycle, calls the model provider, persists
// the exchange, and sends the chunked answer back out.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/tgrelay/internal/chunk"
	"github.com/jeranaias/tgrelay/internal/commands"
	"github.com/jeranaias/tgrelay/internal/model"
	"github.com/jeranaias/tgrelay/internal/provider"
	"github.com/jeranaias/tgrelay/internal/session"
	"github.com/jeranaias/tgrelay/internal/storage"
	"github.com/jeranaias/tgrelay/internal/telegram"
	"github.com/jeranaias/tgrelay/internal/tokens"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Provider produces model answers for a conversation snapshot.
type Provider interface {
	Complete(ctx context.Context, apiKey, mdl string, system *model.Message, history []model.Message) (string, provider.Usage, error)
	Stream(ctx context.Context, apiKey, mdl string, system *model.Message, history []model.Message, onDelta provider.DeltaFunc) (string, provider.Usage, error)
}

// Catalog answers model metadata queries.
type Catalog interface {
	Models() []provider.ModelSummary
	Lookup(id string) (provider.ModelSummary, bool)
	ContextLength(mdl string) int
}

// Transport delivers outbound traffic to the chat platform.
type Transport interface {
	SendChunk(ctx context.Context, chatID int64, text string, replyTo int, markdown bool) error
	React(ctx context.Context, chatID int64, messageID int, emoji string) error
	StartTyping(chatID int64) func()
}

// Settings persists per-chat settings and conversation history.
type Settings interface {
	SetAuthorized(ctx context.Context, chatID int64, authorized bool) error
	SetAPIKey(ctx context.Context, chatID int64, key string) error
	SetModel(ctx context.Context, chatID int64, mdl string) error
	SetSystemPrompt(ctx context.Context, chatID int64, prompt string) error
	SetDisplayName(ctx context.Context, chatID int64, name string) error
	AppendMessages(ctx context.Context, chatID int64, msgs ...storage.StoredMessage) error
	ListChats(ctx context.Context) ([]storage.ChatState, error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the relay's runtime settings.
type Config struct {
	// BotUsername is the bot's own username, for @mention filtering.
	BotUsername string

	// DefaultModel is used by chats that never picked one.
	DefaultModel string

	// FallbackAPIKey serves chats without a per-chat key. Empty means
	// chats without a key of their own cannot talk to the provider.
	FallbackAPIKey string

	// DefaultSystemPrompt applies to chats without one of their own.
	DefaultSystemPrompt string

	// AdminChatID is the only chat allowed to run /approve. Messages from
	// it are always authorized.
	AdminChatID int64

	// RequestTimeout bounds one provider round trip.
	RequestTimeout time.Duration

	// ChunkLimit is the per-message size limit in Unicode code points.
	ChunkLimit int

	// Streaming sends answer chunks as the model produces them instead of
	// waiting for the full answer.
	Streaming bool

	// Markdown renders non-streamed answers with MarkdownV2 when the text
	// survives escaping and line splitting; plain text otherwise.
	Markdown bool

	// FailureEmoji is the reaction set on the user's message when the
	// provider call fails.
	FailureEmoji string
}

// =============================================================================
// RELAY
// =============================================================================

// Incoming is one inbound chat message, already reduced to what the relay
// needs.
type Incoming struct {
	ChatID      int64
	MessageID   int
	Text        string
	DisplayName string
}

// Relay wires sessions, provider, storage, and transport together.
type Relay struct {
	config    Config
	sessions  *session.Store
	provider  Provider
	catalog   Catalog
	transport Transport
	settings  Settings
	estimator tokens.Estimator

	// fatalf terminates the process; swapped out by tests.
	fatalf func(format string, args ...any)
}

// New creates a relay.
func New(config Config, sessions *session.Store, prov Provider, catalog Catalog, transport Transport, settings Settings, estimator tokens.Estimator) *Relay {
	return &Relay{
		config:    config,
		sessions:  sessions,
		provider:  prov,
		catalog:   catalog,
		transport: transport,
		settings:  settings,
		estimator: estimator,
		fatalf:    log.Fatalf,
	}
}

// HandleMessage routes one inbound message: slash commands to the command
// handlers, everything else through the conversation pipeline.
func (r *Relay) HandleMessage(ctx context.Context, msg Incoming) {
	if strings.HasPrefix(msg.Text, "/") {
		cmd, err := commands.Parse(msg.Text, r.config.BotUsername)
		if err != nil {
			r.reply(ctx, msg, "Unknown command. Send /help for the list.")
			return
		}
		if cmd.Kind == commands.KindIgnore {
			return
		}
		r.handleCommand(ctx, msg, cmd)
		return
	}
	r.handleChat(ctx, msg)
}

// reply sends a short plain-text service message, logging rather than
// propagating delivery failures.
func (r *Relay) reply(ctx context.Context, msg Incoming, text string) {
	if err := r.transport.SendChunk(ctx, msg.ChatID, text, msg.MessageID, false); err != nil {
		log.Printf("ERROR chat %d: failed to send reply: %v", msg.ChatID, err)
	}
}

// =============================================================================
// CONVERSATION PIPELINE
// =============================================================================

// handleChat runs the full turn lifecycle for one user message: open a
// pending turn, prune to the model's window, call the provider with the
// session released, then commit or discard and persist.
func (r *Relay) handleChat(ctx context.Context, msg Incoming) {
	stopTyping := r.transport.StartTyping(msg.ChatID)
	defer stopTyping()

	sess, err := r.sessions.Acquire(ctx, msg.ChatID)
	if err != nil {
		log.Printf("ERROR chat %d: failed to acquire session: %v", msg.ChatID, err)
		return
	}
	conv := sess.Conversation()

	if !conv.Authorized && msg.ChatID != r.config.AdminChatID {
		sess.Release()
		r.reply(ctx, msg, "This chat is not approved yet. Ask the operator to run /approve for chat "+fmt.Sprint(msg.ChatID)+".")
		return
	}

	r.refreshDisplayName(ctx, conv, msg)

	apiKey := conv.APIKey
	if apiKey == "" {
		apiKey = r.config.FallbackAPIKey
	}
	if apiKey == "" {
		sess.Release()
		r.reply(ctx, msg, "No API key configured. Set one with /key.")
		return
	}

	mdl := conv.Model
	if mdl == "" {
		mdl = r.config.DefaultModel
	}
	system := conv.SystemPrompt
	if system == nil && r.config.DefaultSystemPrompt != "" {
		system = &model.Message{
			Role:   model.RoleSystem,
			Text:   r.config.DefaultSystemPrompt,
			Tokens: r.estimator.Estimate(r.config.DefaultSystemPrompt),
		}
	}
	systemTokens := 0
	if system != nil {
		systemTokens = system.Tokens
	}

	userMsg := model.Message{Role: model.RoleUser, Text: msg.Text, Tokens: r.estimator.Estimate(msg.Text)}
	turnID := conv.OpenPendingTurn(userMsg)

	budget := r.catalog.ContextLength(mdl) - systemTokens
	if evicted, fit := conv.PruneToBudget(budget); !fit {
		log.Printf("WARN chat %d: prompt still %d tokens over budget %d after evicting %d turns",
			msg.ChatID, conv.PromptTokens()-budget, budget, evicted)
	} else if evicted > 0 {
		log.Printf("INFO chat %d: evicted %d turns to fit budget %d", msg.ChatID, evicted, budget)
	}

	// Snapshot and release so the chat is not locked for the whole
	// provider round trip. The pending turn stays in the conversation.
	history := conv.Messages()
	sess.Release()

	answer, usage, sent, callErr := r.callProvider(ctx, msg, apiKey, mdl, system, history)

	sess, err = r.sessions.Acquire(ctx, msg.ChatID)
	if err != nil {
		log.Printf("ERROR chat %d: failed to reacquire session: %v", msg.ChatID, err)
		return
	}
	conv = sess.Conversation()

	if callErr != nil {
		conv.DiscardTurn(turnID)
		sess.Release()
		log.Printf("ERROR chat %d: provider call failed: %v", msg.ChatID, callErr)
		if r.config.FailureEmoji != "" {
			if err := r.transport.React(ctx, msg.ChatID, msg.MessageID, r.config.FailureEmoji); err != nil {
				log.Printf("WARN chat %d: failed to set failure reaction: %v", msg.ChatID, err)
			}
		}
		return
	}

	assistantTokens := usage.CompletionTokens
	if assistantTokens <= 0 {
		assistantTokens = r.estimator.Estimate(answer)
	}
	assistantMsg := model.Message{Role: model.RoleAssistant, Text: answer, Tokens: assistantTokens}
	if !conv.CommitTurn(turnID, assistantMsg) {
		log.Printf("WARN chat %d: pending turn %d vanished before commit", msg.ChatID, turnID)
	}
	conv.CheckTokenInvariant()
	sess.Release()

	r.persistTurn(ctx, msg.ChatID, userMsg, assistantMsg)
	r.logCost(msg.ChatID, mdl, usage)

	if !sent {
		r.sendAnswer(ctx, msg, answer)
	}
}

// callProvider performs one bounded provider round trip. When streaming is
// on, chunks are delivered as deltas arrive and sent reports true.
func (r *Relay) callProvider(ctx context.Context, msg Incoming, apiKey, mdl string, system *model.Message, history []model.Message) (answer string, usage provider.Usage, sent bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	if !r.config.Streaming {
		answer, usage, err = r.provider.Complete(callCtx, apiKey, mdl, system, history)
		return answer, usage, false, err
	}

	// Streamed chunks go out as plain text: escaping cannot be applied to
	// an answer that is still arriving.
	first := true
	buffer := chunk.NewStreamBuffer(r.config.ChunkLimit, func(piece string) error {
		replyTo := 0
		if first {
			replyTo = msg.MessageID
			first = false
		}
		return r.transport.SendChunk(ctx, msg.ChatID, piece, replyTo, false)
	})

	answer, usage, err = r.provider.Stream(callCtx, apiKey, mdl, system, history, buffer.Append)
	if err != nil {
		return "", usage, !first, err
	}
	if err := buffer.Finalize(); err != nil {
		return "", usage, !first, err
	}
	return answer, usage, true, nil
}

// persistTurn stores the exchanged pair atomically. An inconsistent write
// means the database no longer matches memory and the process must not keep
// running on bad state.
func (r *Relay) persistTurn(ctx context.Context, chatID int64, user, assistant model.Message) {
	err := r.settings.AppendMessages(ctx, chatID,
		storage.StoredMessage{Role: user.Role.String(), Text: user.Text, Tokens: user.Tokens},
		storage.StoredMessage{Role: assistant.Role.String(), Text: assistant.Text, Tokens: assistant.Tokens},
	)
	if err == nil {
		return
	}
	if errors.Is(err, storage.ErrInconsistent) {
		r.fatalf("FATAL chat %d: %v", chatID, err)
		return
	}
	log.Printf("ERROR chat %d: failed to persist turn: %v", chatID, err)
}

// sendAnswer splits a complete answer into sendable chunks. With markdown
// on, the text is escaped and split on line boundaries; if any single line
// exceeds the limit the whole answer falls back to plain-text splitting.
func (r *Relay) sendAnswer(ctx context.Context, msg Incoming, answer string) {
	markdown := r.config.Markdown
	var pieces []string
	if markdown {
		escaped, err := chunk.SplitLines(telegram.EscapeMarkdownV2(answer), r.config.ChunkLimit)
		if err != nil {
			markdown = false
		} else {
			pieces = escaped
		}
	}
	if !markdown {
		pieces = chunk.Split(answer, r.config.ChunkLimit)
	}

	for i, piece := range pieces {
		replyTo := 0
		if i == 0 {
			replyTo = msg.MessageID
		}
		if err := r.transport.SendChunk(ctx, msg.ChatID, piece, replyTo, markdown); err != nil {
			log.Printf("ERROR chat %d: failed to send answer chunk %d/%d: %v", msg.ChatID, i+1, len(pieces), err)
			return
		}
	}
}

// refreshDisplayName keeps the stored display name current with the sender.
func (r *Relay) refreshDisplayName(ctx context.Context, conv *model.Conversation, msg Incoming) {
	if msg.DisplayName == "" || msg.DisplayName == conv.DisplayName {
		return
	}
	conv.DisplayName = msg.DisplayName
	if err := r.settings.SetDisplayName(ctx, msg.ChatID, msg.DisplayName); err != nil {
		r.checkFatal(msg.ChatID, err)
	}
}

// logCost reports the per-request spend when the catalog has pricing.
func (r *Relay) logCost(chatID int64, mdl string, usage provider.Usage) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return
	}
	summary, ok := r.catalog.Lookup(mdl)
	if !ok {
		log.Printf("INFO chat %d: %s used %d prompt + %d completion tokens",
			chatID, mdl, usage.PromptTokens, usage.CompletionTokens)
		return
	}
	cost := float64(usage.PromptTokens)*summary.PromptCostUSD/1e6 +
		float64(usage.CompletionTokens)*summary.CompletionCostUSD/1e6
	log.Printf("INFO chat %d: %s used %d prompt + %d completion tokens ($%.6f)",
		chatID, mdl, usage.PromptTokens, usage.CompletionTokens, cost)
}

// checkFatal escalates inconsistent storage writes, logs everything else.
func (r *Relay) checkFatal(chatID int64, err error) {
	if errors.Is(err, storage.ErrInconsistent) {
		r.fatalf("FATAL chat %d: %v", chatID, err)
		return
	}
	log.Printf("ERROR chat %d: settings write failed: %v", chatID, err)
}

// =============================================================================
// COMMANDS
// =============================================================================

func (r *Relay) handleCommand(ctx context.Context, msg Incoming, cmd commands.Command) {
	switch cmd.Kind {
	case commands.KindHelp, commands.KindStart:
		r.reply(ctx, msg, commands.Help())
	case commands.KindModels:
		r.handleModels(ctx, msg)
	case commands.KindModel:
		r.handleModel(ctx, msg, cmd.Arg)
	case commands.KindKey:
		r.handleKey(ctx, msg, cmd.Arg)
	case commands.KindSystemPrompt:
		r.handleSystemPrompt(ctx, msg, cmd.Arg)
	case commands.KindApprove:
		r.handleApprove(ctx, msg, cmd.Approve)
	}
}

func (r *Relay) handleModels(ctx context.Context, msg Incoming) {
	models := r.catalog.Models()
	if len(models) == 0 {
		r.reply(ctx, msg, "Model list not loaded yet, try again shortly.")
		return
	}

	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	var b strings.Builder
	b.WriteString("Available models:\n")
	for _, m := range models {
		fmt.Fprintf(&b, "%s — %s (ctx %d, $%.2f/$%.2f per 1M)\n",
			m.ID, m.Name, m.ContextLength, m.PromptCostUSD, m.CompletionCostUSD)
	}

	for i, piece := range chunk.Split(strings.TrimRight(b.String(), "\n"), r.config.ChunkLimit) {
		replyTo := 0
		if i == 0 {
			replyTo = msg.MessageID
		}
		if err := r.transport.SendChunk(ctx, msg.ChatID, piece, replyTo, false); err != nil {
			log.Printf("ERROR chat %d: failed to send model list: %v", msg.ChatID, err)
			return
		}
	}
}

func (r *Relay) handleModel(ctx context.Context, msg Incoming, arg commands.Arg) {
	sess, err := r.sessions.Acquire(ctx, msg.ChatID)
	if err != nil {
		log.Printf("ERROR chat %d: failed to acquire session: %v", msg.ChatID, err)
		return
	}
	conv := sess.Conversation()

	switch arg.Kind {
	case commands.ArgEmpty:
		current := conv.Model
		sess.Release()
		if current == "" {
			r.reply(ctx, msg, "Using the default model: "+r.config.DefaultModel)
			return
		}
		r.reply(ctx, msg, "Current model: "+current)
	case commands.ArgNone:
		conv.Model = ""
		sess.Release()
		if err := r.settings.SetModel(ctx, msg.ChatID, ""); err != nil {
			r.checkFatal(msg.ChatID, err)
			return
		}
		r.reply(ctx, msg, "Model cleared, back to the default: "+r.config.DefaultModel)
	case commands.ArgText:
		conv.Model = arg.Text
		sess.Release()
		if err := r.settings.SetModel(ctx, msg.ChatID, arg.Text); err != nil {
			r.checkFatal(msg.ChatID, err)
			return
		}
		if _, known := r.catalog.Lookup(arg.Text); !known {
			r.reply(ctx, msg, "Model set to "+arg.Text+" (not in the current catalog, requests may fail).")
			return
		}
		r.reply(ctx, msg, "Model set to "+arg.Text)
	}
}

func (r *Relay) handleKey(ctx context.Context, msg Incoming, arg commands.Arg) {
	sess, err := r.sessions.Acquire(ctx, msg.ChatID)
	if err != nil {
		log.Printf("ERROR chat %d: failed to acquire session: %v", msg.ChatID, err)
		return
	}
	conv := sess.Conversation()

	switch arg.Kind {
	case commands.ArgEmpty:
		current := conv.APIKey
		sess.Release()
		if current == "" {
			r.reply(ctx, msg, "No chat-specific API key set.")
			return
		}
		r.reply(ctx, msg, "Using chat-specific API key "+maskKey(current))
	case commands.ArgNone:
		conv.APIKey = ""
		sess.Release()
		if err := r.settings.SetAPIKey(ctx, msg.ChatID, ""); err != nil {
			r.checkFatal(msg.ChatID, err)
			return
		}
		r.reply(ctx, msg, "API key cleared.")
	case commands.ArgText:
		conv.APIKey = arg.Text
		sess.Release()
		if err := r.settings.SetAPIKey(ctx, msg.ChatID, arg.Text); err != nil {
			r.checkFatal(msg.ChatID, err)
			return
		}
		r.reply(ctx, msg, "API key set to "+maskKey(arg.Text))
	}
}

func (r *Relay) handleSystemPrompt(ctx context.Context, msg Incoming, arg commands.Arg) {
	switch arg.Kind {
	case commands.ArgEmpty:
		sess, err := r.sessions.Acquire(ctx, msg.ChatID)
		if err != nil {
			log.Printf("ERROR chat %d: failed to acquire session: %v", msg.ChatID, err)
			return
		}
		prompt := ""
		if sp := sess.Conversation().SystemPrompt; sp != nil {
			prompt = sp.Text
		}
		sess.Release()
		if prompt == "" {
			r.reply(ctx, msg, "No chat-specific system prompt set.")
			return
		}
		r.reply(ctx, msg, "Current system prompt:\n"+prompt)
	case commands.ArgNone:
		if err := r.settings.SetSystemPrompt(ctx, msg.ChatID, ""); err != nil {
			r.checkFatal(msg.ChatID, err)
			return
		}
		r.sessions.Invalidate(msg.ChatID)
		r.reply(ctx, msg, "System prompt cleared.")
	case commands.ArgText:
		if err := r.settings.SetSystemPrompt(ctx, msg.ChatID, arg.Text); err != nil {
			r.checkFatal(msg.ChatID, err)
			return
		}
		// Reload so the prompt's token cost is accounted fresh.
		r.sessions.Invalidate(msg.ChatID)
		r.reply(ctx, msg, "System prompt updated.")
	}
}

func (r *Relay) handleApprove(ctx context.Context, msg Incoming, approval commands.Approval) {
	if msg.ChatID != r.config.AdminChatID {
		r.reply(ctx, msg, "Only the operator can approve chats.")
		return
	}

	switch approval.Kind {
	case commands.ApproveInvalid:
		r.reply(ctx, msg, "Usage: /approve [<chat_id> <true|false>]")
	case commands.ApproveList:
		chats, err := r.settings.ListChats(ctx)
		if err != nil {
			log.Printf("ERROR failed to list chats: %v", err)
			r.reply(ctx, msg, "Failed to list chats.")
			return
		}
		if len(chats) == 0 {
			r.reply(ctx, msg, "No chats recorded yet.")
			return
		}
		var b strings.Builder
		b.WriteString("Known chats:\n")
		for _, c := range chats {
			name := c.DisplayName
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Fprintf(&b, "%d  %s  approved=%t\n", c.ChatID, name, c.Authorized)
		}
		r.reply(ctx, msg, strings.TrimRight(b.String(), "\n"))
	case commands.ApproveSet:
		if err := r.settings.SetAuthorized(ctx, approval.ChatID, approval.Authorized); err != nil {
			r.checkFatal(msg.ChatID, err)
			return
		}
		r.sessions.Invalidate(approval.ChatID)
		verdict := "approved"
		if !approval.Authorized {
			verdict = "revoked"
		}
		r.reply(ctx, msg, fmt.Sprintf("Chat %d %s.", approval.ChatID, verdict))
	}
}

// maskKey leaves just enough of a key visible to identify it.
func maskKey(key string) string {
	runes := []rune(key)
	if len(runes) <= 8 {
		return "***"
	}
	return string(runes[:4]) + "..." + string(runes[len(runes)-4:])
}
