// ABOUTME: StatusReporter surfaces tool execution progress in a Telegram status message.
// ABOUTME: Edits the exchange's status message as tools start, progress, and complete.

package telegram

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// toolEmojis maps well-known tool names to an emoji shown in the status line.
var toolEmojis = map[string]string{
	"resolve-library-id": "🔍",
	"get-library-docs":   "📚",
	"query-docs":         "📚",
	"web_search":         "🔍",
	"fetch":              "🌐",
}

const defaultToolEmoji = "⚙️"

// argsPreviewLimit caps the rendered argument preview length.
const argsPreviewLimit = 100

type toolRecord struct {
	emoji string
	name  string
	args  string
}

// StatusReporter implements runtime.ToolReporter by editing the per-exchange
// Telegram status message. All Telegram transport errors are logged and
// swallowed; a failed edit never disturbs the exchange.
type StatusReporter struct {
	api    API
	logger *slog.Logger

	mu      sync.Mutex
	armed   bool
	chatID  int64
	msgID   int64
	history []toolRecord
}

// NewStatusReporter creates a reporter that edits status messages through api.
func NewStatusReporter(api API, logger *slog.Logger) *StatusReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusReporter{
		api:    api,
		logger: logger.With("component", "tool-status"),
	}
}

// SetContext arms the reporter for one exchange. A zero target means the
// exchange has no status message and tool events are only logged.
func (r *StatusReporter) SetContext(chatID, target int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = target != 0
	r.chatID = chatID
	r.msgID = target
	r.history = nil
}

// ClearContext disarms the reporter after an exchange.
func (r *StatusReporter) ClearContext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = false
	r.history = nil
}

// ToolStarted records the invocation and shows it on the status message.
func (r *StatusReporter) ToolStarted(name, serverName string, arguments map[string]any) string {
	token := uuid.New().String()

	r.mu.Lock()
	if !r.armed {
		r.mu.Unlock()
		return token
	}
	emoji := toolEmoji(name)
	preview := formatArguments(arguments, argsPreviewLimit)
	r.history = append(r.history, toolRecord{emoji: emoji, name: name, args: preview})
	chatID, msgID := r.chatID, r.msgID
	r.mu.Unlock()

	r.logger.Debug("tool started", "tool", name, "server", serverName, "token", token)
	r.edit(chatID, msgID, fmt.Sprintf("%s %s%s running…", emoji, name, preview))
	return token
}

// ToolProgress updates the status message with mid-execution progress.
func (r *StatusReporter) ToolProgress(token string, progress, total float64, note string) {
	r.mu.Lock()
	if !r.armed || len(r.history) == 0 {
		r.mu.Unlock()
		return
	}
	last := r.history[len(r.history)-1]
	chatID, msgID := r.chatID, r.msgID
	r.mu.Unlock()

	text := fmt.Sprintf("%s %s running…", last.emoji, last.name)
	if total > 0 {
		text = fmt.Sprintf("%s %s (%.0f/%.0f)", last.emoji, last.name, progress, total)
	}
	if note != "" {
		text += " — " + note
	}
	r.edit(chatID, msgID, text)
}

// ToolCompleted shows a summary of all tool calls, or the failure.
func (r *StatusReporter) ToolCompleted(token string, success bool, content string, errMsg string) {
	r.mu.Lock()
	if !r.armed {
		r.mu.Unlock()
		return
	}
	history := append([]toolRecord(nil), r.history...)
	chatID, msgID := r.chatID, r.msgID
	r.mu.Unlock()

	if !success {
		if errMsg == "" {
			errMsg = "unknown error"
		}
		r.edit(chatID, msgID, "⚠️ Tool failed: "+truncate(errMsg, 100))
		return
	}

	if len(history) == 0 {
		r.edit(chatID, msgID, "✅ Tools complete")
		return
	}

	lines := make([]string, 0, len(history)+2)
	lines = append(lines, fmt.Sprintf("✅ Tools complete (%d calls)", len(history)), "")
	for _, rec := range history {
		lines = append(lines, fmt.Sprintf("%s %s%s", rec.emoji, rec.name, rec.args))
	}
	r.edit(chatID, msgID, strings.Join(lines, "\n"))
}

// edit updates the status message, swallowing transport errors.
func (r *StatusReporter) edit(chatID, msgID int64, text string) {
	msg := tgbotapi.NewEditMessageText(chatID, int(msgID), text)
	if _, err := r.api.Send(msg); err != nil {
		r.logger.Warn("failed to update tool status", "chat_id", chatID, "error", err)
	}
}

func toolEmoji(name string) string {
	if e, ok := toolEmojis[name]; ok {
		return e
	}
	return defaultToolEmoji
}

// formatArguments renders a stable "(k=v, ...)" preview, truncated to max.
func formatArguments(arguments map[string]any, max int) string {
	if len(arguments) == 0 {
		return ""
	}

	keys := make([]string, 0, len(arguments))
	for k := range arguments {
		if arguments[k] == nil {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, arguments[k]))
	}
	joined := strings.Join(parts, ", ")
	if len(joined) > max {
		joined = joined[:max] + "..."
	}
	return " (" + joined + ")"
}
