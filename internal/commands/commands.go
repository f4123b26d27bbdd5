// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands parses the relay's slash commands out of chat text.
package commands

import (
	"errors"
	"strconv"
	"strings"
)

// ErrUnknown is returned for text that is not a recognized command.
var ErrUnknown = errors.New("unknown command")

// =============================================================================
// ARGUMENT TYPES
// =============================================================================

// ArgKind distinguishes a missing argument, the literal "none" (clear the
// setting), and real text.
type ArgKind int

const (
	ArgEmpty ArgKind = iota
	ArgNone
	ArgText
)

// Arg is a get/set/clear command argument.
type Arg struct {
	Kind ArgKind
	Text string
}

func argFromText(text string) Arg {
	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "":
		return Arg{Kind: ArgEmpty}
	case strings.EqualFold(trimmed, "none"):
		return Arg{Kind: ArgNone}
	default:
		return Arg{Kind: ArgText, Text: trimmed}
	}
}

// ApproveKind classifies the /approve argument forms.
type ApproveKind int

const (
	ApproveList ApproveKind = iota
	ApproveInvalid
	ApproveSet
)

// Approval carries a parsed /approve request.
type Approval struct {
	Kind       ApproveKind
	ChatID     int64
	Authorized bool
}

// =============================================================================
// COMMAND TYPE
// =============================================================================

// Kind enumerates the supported commands.
type Kind int

const (
	// KindIgnore means the command mentioned a different bot.
	KindIgnore Kind = iota
	KindHelp
	KindStart
	KindModels
	KindModel
	KindKey
	KindSystemPrompt
	KindApprove
)

// Command is one parsed slash command.
type Command struct {
	Kind    Kind
	Arg     Arg
	Approve Approval
}

// =============================================================================
// PARSER
// =============================================================================

// Parse interprets text as a slash command. Commands addressed to another bot
// via /cmd@other parse as KindIgnore; anything unrecognized returns
// ErrUnknown.
func Parse(text, botUsername string) (Command, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, ErrUnknown
	}

	body := strings.TrimPrefix(trimmed, "/")
	cmdPart := body
	args := ""
	if idx := strings.IndexFunc(body, isSpace); idx >= 0 {
		cmdPart = body[:idx]
		args = strings.TrimLeft(body[idx:], " \t\r\n")
	}

	name := cmdPart
	if cmd, mention, found := strings.Cut(cmdPart, "@"); found {
		if !strings.EqualFold(mention, botUsername) {
			return Command{Kind: KindIgnore}, nil
		}
		name = cmd
	}

	switch strings.ToLower(name) {
	case "help":
		return bareCommand(KindHelp, args)
	case "start":
		return bareCommand(KindStart, args)
	case "models":
		return bareCommand(KindModels, args)
	case "model":
		return Command{Kind: KindModel, Arg: argFromText(args)}, nil
	case "key":
		return Command{Kind: KindKey, Arg: argFromText(args)}, nil
	case "systemprompt":
		return Command{Kind: KindSystemPrompt, Arg: argFromText(args)}, nil
	case "approve":
		return Command{Kind: KindApprove, Approve: parseApprove(args)}, nil
	default:
		return Command{}, ErrUnknown
	}
}

// bareCommand accepts only argument-free forms.
func bareCommand(kind Kind, args string) (Command, error) {
	if strings.TrimSpace(args) != "" {
		return Command{}, ErrUnknown
	}
	return Command{Kind: kind}, nil
}

func parseApprove(args string) Approval {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return Approval{Kind: ApproveList}
	}
	if len(fields) != 2 {
		return Approval{Kind: ApproveInvalid}
	}

	chatID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Approval{Kind: ApproveInvalid}
	}

	var authorized bool
	switch strings.ToLower(fields[1]) {
	case "true", "1":
		authorized = true
	case "false", "0":
		authorized = false
	default:
		return Approval{Kind: ApproveInvalid}
	}

	return Approval{Kind: ApproveSet, ChatID: chatID, Authorized: authorized}
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\r', '\n':
		return true
	}
	return false
}

// =============================================================================
// HELP TEXT
// =============================================================================

// Help returns the user-facing command summary.
func Help() string {
	return strings.Join([]string{
		"Send me a text message and I will relay it to the language model.",
		"",
		"Commands:",
		"/help - show this help text",
		"/models - list available models",
		"/model [name|none] - get or set the model for this chat",
		"/key [value|none] - get or set the API key for this chat",
		"/systemprompt [text|none] - get or set the system prompt",
		"/approve [chat-id true|false] - list or update chat authorization",
	}, "\n")
}
