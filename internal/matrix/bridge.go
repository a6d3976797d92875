// ABOUTME: Matrix frontend: sync loop and room message routing into the bridge.
// ABOUTME: Rooms map to chat keys via FNV-64a so they share the session registry.

package matrix

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/agentgram/agentgram/internal/bridge"
	"github.com/agentgram/agentgram/internal/config"
	"github.com/agentgram/agentgram/internal/dedupe"
)

// typingTimeout is the duration the typing indicator shows.
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for Matrix API calls made outside the sync loop.
const networkTimeout = 10 * time.Second

// sendTimeout allows for large response messages.
const sendTimeout = 30 * time.Second

// Bridge connects Matrix rooms to the session registry.
type Bridge struct {
	cfg      config.MatrixConfig
	client   *mautrix.Client
	registry *bridge.Registry
	dedupe   *dedupe.Cache
	logger   *slog.Logger

	// ctx is the parent context for message processing goroutines.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Matrix frontend.
func New(cfg config.MatrixConfig, registry *bridge.Registry, dd *dedupe.Cache, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		client:   client,
		registry: registry,
		dedupe:   dd,
		logger:   logger.With("component", "matrix"),
	}, nil
}

// Run starts the sync loop and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix frontend",
		"homeserver", b.cfg.Homeserver,
		"user_id", b.cfg.UserID,
	)

	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(b.ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("matrix frontend stopped")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent filters incoming events and kicks off processing.
func (b *Bridge) handleMessageEvent(_ context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(b.cfg.UserID) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	body := content.Body

	if !b.roomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	if b.cfg.CommandPrefix != "" {
		if !strings.HasPrefix(body, b.cfg.CommandPrefix) {
			return
		}
		body = strings.TrimSpace(strings.TrimPrefix(body, b.cfg.CommandPrefix))
	}
	if body == "" {
		return
	}

	// Sync batches can replay events after reconnects.
	if b.dedupe.CheckAndMark("matrix:" + evt.ID.String()) {
		b.logger.Debug("duplicate event ignored", "event_id", evt.ID.String())
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(body, 50),
	)

	// Process in a goroutine so the sync loop is never blocked.
	go b.processMessage(b.ctx, evt.RoomID, body)
}

// processMessage runs one exchange for the room and posts the response.
func (b *Bridge) processMessage(ctx context.Context, roomID id.RoomID, content string) {
	chatID := chatKey(roomID)

	if _, err := b.registry.EnsureSession(ctx, chatID); err != nil {
		b.logger.Error("session start failed", "room", roomID.String(), "error", err)
		b.sendText(roomID, fmt.Sprintf("Error: %v", err))
		return
	}

	b.setTyping(roomID, true)
	defer b.setTyping(roomID, false)

	// No per-exchange status message on Matrix; tool progress is Telegram's.
	stream, err := b.registry.Exchange(ctx, chatID, content, 0)
	if err != nil {
		b.logger.Error("exchange failed to start", "room", roomID.String(), "error", err)
		b.sendText(roomID, fmt.Sprintf("Error: %v", err))
		return
	}

	var responseText strings.Builder
	for stream.Next() {
		responseText.WriteString(stream.Text())
	}

	if err := stream.Err(); err != nil {
		b.logger.Error("exchange failed", "room", roomID.String(), "error", err)
		b.sendText(roomID, fmt.Sprintf("Error: %v", err))
		return
	}

	response := stream.Final()
	if response == "" {
		response = responseText.String()
	}
	if response == "" {
		b.logger.Warn("empty response from agent", "room", roomID.String())
		return
	}

	b.logger.Info("sending response",
		"room", roomID.String(),
		"length", len(response),
	)
	b.sendMarkdown(roomID, response)
}

// roomAllowed checks the allowed-rooms filter; an empty filter allows all.
func (b *Bridge) roomAllowed(roomID string) bool {
	if len(b.cfg.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range b.cfg.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// setTyping sends a typing indicator to the room.
func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.client.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendMarkdown posts markdown as a formatted room message.
func (b *Bridge) sendMarkdown(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	content := format.RenderMarkdown(text, true, false)
	if _, err := b.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// sendText posts a plain text room message.
func (b *Bridge) sendText(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := b.client.SendText(ctx, roomID, text); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// chatKey derives the stable chat identifier for a room. FNV-64a keeps it
// deterministic across restarts without any stored mapping.
func chatKey(roomID id.RoomID) int64 {
	h := fnv.New64a()
	h.Write([]byte(roomID.String()))
	return int64(h.Sum64())
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
