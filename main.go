// tgrelay - a Telegram relay in front of an LLM provider.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"

	"github.com/jeranaias/tgrelay/internal/config"
	"github.com/jeranaias/tgrelay/internal/logging"
	"github.com/jeranaias/tgrelay/internal/provider"
	"github.com/jeranaias/tgrelay/internal/relay"
	"github.com/jeranaias/tgrelay/internal/session"
	"github.com/jeranaias/tgrelay/internal/storage"
	"github.com/jeranaias/tgrelay/internal/telegram"
	"github.com/jeranaias/tgrelay/internal/tokens"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tgrelay %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	// A .env in the working directory is a development convenience; its
	// absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Dir)
	log.Printf("INFO tgrelay %s starting", Version)

	if err := run(cfg); err != nil {
		log.Printf("FATAL %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	estimator := tokens.ForConfig(cfg.Provider.Estimator, cfg.Provider.DefaultModel)

	catalogConfig := provider.DefaultCatalogConfig()
	catalogConfig.BaseURL = cfg.Catalog.BaseURL
	catalogConfig.APIKey = cfg.Catalog.APIKey
	catalog := provider.NewCatalog(nil, catalogConfig)
	go catalog.Run(ctx)

	client := provider.NewClient(&provider.ClientConfig{
		BaseURL:   cfg.Provider.BaseURL,
		Timeout:   cfg.RequestTimeout(),
		WebSearch: cfg.Provider.WebSearch,
	})

	bot, err := telegram.New(cfg.Telegram.Token)
	if err != nil {
		return err
	}
	log.Printf("INFO authenticated as @%s", bot.Username())

	sessions := session.NewStore(store, estimator, cfg.Storage.LoadBudget)

	r := relay.New(relay.Config{
		BotUsername:         bot.Username(),
		DefaultModel:        cfg.Provider.DefaultModel,
		FallbackAPIKey:      cfg.Provider.APIKey,
		DefaultSystemPrompt: cfg.Provider.SystemPrompt,
		AdminChatID:         cfg.Telegram.AdminChatID,
		RequestTimeout:      cfg.RequestTimeout(),
		ChunkLimit:          telegram.MaxMessageLength,
		Streaming:           cfg.Provider.Streaming,
		Markdown:            cfg.Telegram.Markdown,
		FailureEmoji:        cfg.Telegram.FailureEmoji,
	}, sessions, client, catalog, bot, store, estimator)

	updates := bot.Updates()
	var wg sync.WaitGroup

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case update, ok := <-updates:
			if !ok {
				break loop
			}
			if update.Message == nil {
				continue
			}
			incoming, ok := toIncoming(update.Message)
			if !ok {
				// Stickers, photos, voice notes: answer with a pointer
				// to what the relay can actually do.
				notifyUnsupported(ctx, bot, update.Message)
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				r.HandleMessage(ctx, incoming)
			}()
		}
	}

	log.Printf("INFO shutting down")
	bot.StopPolling()
	wg.Wait()
	return nil
}

// toIncoming reduces a Bot API message to what the relay consumes. Non-text
// messages are reported unsupported.
func toIncoming(msg *tgbotapi.Message) (relay.Incoming, bool) {
	if msg.Text == "" {
		return relay.Incoming{}, false
	}
	return relay.Incoming{
		ChatID:      msg.Chat.ID,
		MessageID:   msg.MessageID,
		Text:        msg.Text,
		DisplayName: displayName(msg),
	}, true
}

func notifyUnsupported(ctx context.Context, bot *telegram.Client, msg *tgbotapi.Message) {
	err := bot.SendChunk(ctx, msg.Chat.ID, "I can only read text messages.", msg.MessageID, false)
	if err != nil {
		log.Printf("WARN chat %d: failed to send unsupported-message notice: %v", msg.Chat.ID, err)
	}
}

// displayName builds a human-readable sender name for the admin chat list:
// the chat title for groups, the sender's name or username otherwise.
func displayName(msg *tgbotapi.Message) string {
	if msg.Chat.Title != "" {
		return msg.Chat.Title
	}
	if msg.From == nil {
		return ""
	}
	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if name != "" {
		return name
	}
	return msg.From.UserName
}
