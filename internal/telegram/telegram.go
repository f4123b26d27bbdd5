// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telegram wraps the Bot API client: outbound messages with rate
// limiting, chat actions, and message reactions.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// MaxMessageLength is the Bot API limit in Unicode code points per message.
const MaxMessageLength = 4096

// typingInterval is how often the typing chat action is re-sent; the API
// expires an action after roughly five seconds.
const typingInterval = 4 * time.Second

// =============================================================================
// CLIENT
// =============================================================================

// Client is a thin wrapper over the Bot API. It is safe for concurrent use.
type Client struct {
	bot *tgbotapi.BotAPI
	// The Bot API allows roughly 30 messages per second across all chats;
	// stay under it so bursts of chunks never trip a 429.
	limiter *rate.Limiter
}

// New authenticates against the Bot API with the given token.
func New(token string) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate bot: %w", err)
	}
	return &Client{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}, nil
}

// Username returns the bot's own username, without the leading @.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// Updates returns the long-polling update channel.
func (c *Client) Updates() tgbotapi.UpdatesChannel {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	return c.bot.GetUpdatesChan(cfg)
}

// StopPolling shuts the update channel down.
func (c *Client) StopPolling() {
	c.bot.StopReceivingUpdates()
}

// =============================================================================
// SENDING
// =============================================================================

// SendChunk sends one already-split message. Text longer than
// MaxMessageLength code points is a caller bug and is rejected outright.
// replyTo of 0 sends without a reply reference; markdown selects MarkdownV2
// parse mode and the text must already be escaped.
func (c *Client) SendChunk(ctx context.Context, chatID int64, text string, replyTo int, markdown bool) error {
	if n := utf8.RuneCountInString(text); n > MaxMessageLength {
		return fmt.Errorf("chunk of %d code points exceeds the %d limit", n, MaxMessageLength)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}
	if markdown {
		msg.ParseMode = tgbotapi.ModeMarkdownV2
	}

	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// EscapeMarkdownV2 escapes text for MarkdownV2 parse mode.
func EscapeMarkdownV2(text string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, text)
}

// =============================================================================
// REACTIONS
// =============================================================================

// React sets a single emoji reaction on a message. The v5 client predates
// setMessageReaction, so the call goes through MakeRequest directly.
func (c *Client) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return fmt.Errorf("failed to encode reaction: %w", err)
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	params["reaction"] = string(reaction)

	if _, err := c.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("failed to set reaction in chat %d: %w", chatID, err)
	}
	return nil
}

// =============================================================================
// TYPING INDICATOR
// =============================================================================

// StartTyping shows the "typing..." indicator in the chat and keeps it alive
// until the returned stop function is called.
func (c *Client) StartTyping(chatID int64) func() {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()

		c.sendTyping(chatID)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.sendTyping(chatID)
			}
		}
	}()

	return func() { close(done) }
}

func (c *Client) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := c.bot.Request(action); err != nil {
		log.Printf("WARN failed to send typing action to chat %d: %v", chatID, err)
	}
}
