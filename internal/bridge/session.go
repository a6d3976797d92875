// ABOUTME: Session pairs a chat with its long-lived conversation and exclusivity lock.
// ABOUTME: The weight-1 semaphore allows context-aware, cancellable acquisition.

package bridge

import (
	"golang.org/x/sync/semaphore"

	"github.com/agentgram/agentgram/internal/runtime"
)

// Session represents an active, resumable conversation for one chat. The
// conversation handle is exclusively owned by the session and released
// exactly once, when the registry ends the session.
type Session struct {
	// ChatID is the stable chat identifier and the registry key.
	ChatID int64

	conv runtime.Conversation

	// sem is the per-chat exclusivity lock. Weight 1: whoever holds it owns
	// the conversation for the duration of one exchange (or teardown).
	sem *semaphore.Weighted
}

func newSession(chatID int64, conv runtime.Conversation) *Session {
	return &Session{
		ChatID: chatID,
		conv:   conv,
		sem:    semaphore.NewWeighted(1),
	}
}
