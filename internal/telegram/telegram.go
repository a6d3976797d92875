// ABOUTME: Telegram frontend: long-polling update loop and message handling.
// ABOUTME: Forwards chat messages through the bridge and streams responses back.

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/agentgram/agentgram/internal/bridge"
	"github.com/agentgram/agentgram/internal/config"
	"github.com/agentgram/agentgram/internal/dedupe"
	"github.com/agentgram/agentgram/internal/markup"
)

// typingInterval refreshes the typing indicator inside Telegram's 5s expiry
// window.
const typingInterval = 4 * time.Second

// messageLimit is Telegram's maximum message length. Responses are split a
// little under it to leave headroom for HTML tags added by rendering.
const messageLimit = 4096
const splitLimit = 3800

// pollTimeout is the long-poll timeout for getUpdates, in seconds.
const pollTimeout = 30

// API is the slice of the Telegram client the frontend uses. *tgbotapi.BotAPI
// satisfies it; tests substitute a fake.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram frontend. It owns the update loop and one goroutine
// per in-flight message.
type Bot struct {
	api      API
	registry *bridge.Registry
	dedupe   *dedupe.Cache
	allowed  map[int64]struct{}
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates the Telegram frontend around an already-authenticated API
// client.
func New(api API, cfg config.TelegramConfig, registry *bridge.Registry, dd *dedupe.Cache, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[int64]struct{}
	if len(cfg.AllowedChats) > 0 {
		allowed = make(map[int64]struct{}, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			allowed[id] = struct{}{}
		}
	}
	return &Bot{
		api:      api,
		registry: registry,
		dedupe:   dd,
		allowed:  allowed,
		logger:   logger.With("component", "telegram"),
	}
}

// Run starts the long-polling loop and blocks until ctx is cancelled. All
// in-flight message handlers are waited for before returning.
func (b *Bot) Run(ctx context.Context) error {
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "start", Description: "Start the bot"},
		tgbotapi.BotCommand{Command: "help", Description: "Show help"},
		tgbotapi.BotCommand{Command: "reset", Description: "Forget this chat's conversation"},
	)); err != nil {
		b.logger.Warn("failed to register bot commands", "error", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("telegram frontend running")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			b.logger.Info("telegram frontend stopped")
			return nil

		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			msg := update.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			if !b.chatAllowed(msg.Chat.ID) {
				b.logger.Debug("ignoring message from non-allowed chat", "chat_id", msg.Chat.ID)
				continue
			}
			if b.dedupe.CheckAndMark(fmt.Sprintf("telegram:%d:%d", msg.Chat.ID, msg.MessageID)) {
				b.logger.Debug("duplicate update ignored", "chat_id", msg.Chat.ID, "message_id", msg.MessageID)
				continue
			}

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleMessage(ctx, msg)
			}()
		}
	}
}

func (b *Bot) chatAllowed(chatID int64) bool {
	if b.allowed == nil {
		return true
	}
	_, ok := b.allowed[chatID]
	return ok
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	b.handleText(ctx, msg)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		b.reply(chatID, "Hey! I'm <b>agentgram</b> — a bridge to an AI agent.\n\n"+
			"Send me any message and I'll answer, keeping this chat's conversation history.\n\n"+
			"<b>Commands:</b>\n"+
			"/start — this message\n"+
			"/help — usage info\n"+
			"/reset — forget this chat's conversation")
	case "help":
		b.reply(chatID, "<b>How to use:</b>\n\n"+
			"Just send a message. The agent keeps per-chat history, so follow-ups work.\n"+
			"Tool activity shows up in a status message while I'm working.\n\n"+
			"/reset starts the conversation over.")
	case "reset":
		if err := b.registry.EndSession(ctx, chatID); err != nil {
			b.logger.Warn("reset failed", "chat_id", chatID, "error", err)
			b.reply(chatID, "Couldn't fully reset the conversation, but it's gone from my side.")
			return
		}
		b.reply(chatID, "Conversation cleared. Next message starts fresh.")
	default:
		b.reply(chatID, "Unknown command. Try /help.")
	}
}

// handleText runs one exchange: ensure a session, stream the agent's answer,
// then deliver it split under Telegram's message limit.
func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if _, err := b.registry.EnsureSession(ctx, chatID); err != nil {
		b.logger.Error("session start failed", "chat_id", chatID, "error", err)
		b.reply(chatID, "❌ Couldn't start a conversation. Please try again.")
		return
	}

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go b.typingLoop(typingCtx, chatID)

	// The status message doubles as the tool-progress surface.
	var statusID int
	status := tgbotapi.NewMessage(chatID, "⏳ Working on it…")
	if sent, err := b.api.Send(status); err != nil {
		b.logger.Warn("failed to send status message", "chat_id", chatID, "error", err)
	} else {
		statusID = sent.MessageID
	}

	stream, err := b.registry.Exchange(ctx, chatID, msg.Text, int64(statusID))
	if err != nil {
		b.logger.Error("exchange failed to start", "chat_id", chatID, "error", err)
		b.editStatus(chatID, statusID, "❌ Something went wrong. Please try again.")
		return
	}

	var buf strings.Builder
	for stream.Next() {
		buf.WriteString(stream.Text())
	}

	if err := stream.Err(); err != nil {
		b.logger.Error("exchange failed", "chat_id", chatID, "error", err)
		b.editStatus(chatID, statusID, fmt.Sprintf("❌ Error: %s", truncate(err.Error(), 200)))
		return
	}

	response := stream.Final()
	if strings.TrimSpace(response) == "" {
		response = buf.String()
	}
	if strings.TrimSpace(response) == "" {
		b.editStatus(chatID, statusID, "❌ No response generated. Try again!")
		return
	}

	stopTyping()
	for _, part := range markup.Split(response, splitLimit) {
		b.sendRendered(chatID, part)
	}
	b.deleteMessage(chatID, statusID)
}

// typingLoop keeps the typing indicator alive until ctx is cancelled.
func (b *Bot) typingLoop(ctx context.Context, chatID int64) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()

	for {
		if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
			b.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sendRendered sends one part as Telegram HTML, falling back to plain text
// if rendering or the HTML parse is rejected.
func (b *Bot) sendRendered(chatID int64, part string) {
	html, err := markup.RenderHTML(part)
	if err == nil && html != "" {
		out := tgbotapi.NewMessage(chatID, html)
		out.ParseMode = tgbotapi.ModeHTML
		if _, err := b.api.Send(out); err == nil {
			return
		}
		b.logger.Debug("html send rejected, falling back to plain text", "chat_id", chatID)
	}

	out := tgbotapi.NewMessage(chatID, part)
	if _, err := b.api.Send(out); err != nil {
		b.logger.Error("failed to send response", "chat_id", chatID, "error", err)
	}
}

// reply sends a fixed HTML message, logging failures.
func (b *Bot) reply(chatID int64, text string) {
	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(out); err != nil {
		b.logger.Warn("failed to send reply", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) editStatus(chatID int64, messageID int, text string) {
	if messageID == 0 {
		b.reply(chatID, text)
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := b.api.Send(edit); err != nil {
		b.logger.Warn("failed to edit status message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Debug("failed to delete status message", "chat_id", chatID, "error", err)
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
