// ABOUTME: Registry owns the chat-to-session mapping: creation, lookup, teardown.
// ABOUTME: Singleflight guards creation so concurrent callers acquire one conversation.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agentgram/agentgram/internal/runtime"
)

// ErrNoSession indicates an exchange was requested for a chat without an
// active session. Callers are expected to call EnsureSession first.
var ErrNoSession = errors.New("no active session for chat")

// defaultChunkBuffer is the chunk sink capacity per exchange.
const defaultChunkBuffer = 64

// Options configures a Registry.
type Options struct {
	// Tools, when non-nil, is armed with the exchange's status target before
	// each exchange and cleared afterwards.
	Tools runtime.ToolReporter

	// ChunkBuffer is the per-exchange chunk sink capacity. Zero means the
	// default.
	ChunkBuffer int

	Logger *slog.Logger
}

// Registry maps chat IDs to sessions. It is the only component allowed to
// mutate the mapping and is safe for concurrent use.
type Registry struct {
	rt          runtime.Runtime
	tools       runtime.ToolReporter
	chunkBuffer int
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[int64]*Session

	// creating collapses concurrent EnsureSession calls for the same unseen
	// chat into a single conversation acquisition.
	creating singleflight.Group
}

// NewRegistry creates a registry backed by the given runtime.
func NewRegistry(rt runtime.Runtime, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := opts.ChunkBuffer
	if buffer <= 0 {
		buffer = defaultChunkBuffer
	}
	return &Registry{
		rt:          rt,
		tools:       opts.Tools,
		chunkBuffer: buffer,
		logger:      logger.With("component", "bridge"),
		sessions:    make(map[int64]*Session),
	}
}

// EnsureSession returns the chat's session, creating it (and acquiring a
// conversation from the runtime) if absent. Idempotent: an existing session
// is returned as-is with no side effects, and concurrent calls for the same
// unseen chat result in exactly one conversation acquisition.
func (r *Registry) EnsureSession(ctx context.Context, chatID int64) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[chatID]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := r.creating.Do(strconv.FormatInt(chatID, 10), func() (any, error) {
		// Re-check under singleflight: a racing caller may have finished
		// creation between our lookup and this call.
		r.mu.RLock()
		s, ok := r.sessions[chatID]
		r.mu.RUnlock()
		if ok {
			return s, nil
		}

		conv, err := r.rt.AcquireConversation(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring conversation: %w", err)
		}

		s = newSession(chatID, conv)
		r.mu.Lock()
		r.sessions[chatID] = s
		r.mu.Unlock()

		r.logger.Info("session started", "chat_id", chatID)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// lookup returns the chat's session without creating one.
func (r *Registry) lookup(chatID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// Active reports whether the chat currently has a session.
func (r *Registry) Active(chatID int64) bool {
	_, ok := r.lookup(chatID)
	return ok
}

// EndSession tears down the chat's session: it waits for any in-flight
// exchange to retire, then releases the conversation handle. A chat with no
// session is a no-op. Transport errors from the runtime's teardown are
// logged, not propagated; the returned error is non-nil only when ctx
// expired while waiting for the in-flight exchange (the handle is still
// released in that case, best-effort).
func (r *Registry) EndSession(ctx context.Context, chatID int64) error {
	r.mu.Lock()
	s, ok := r.sessions[chatID]
	if ok {
		delete(r.sessions, chatID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	// Wait for the exclusivity lock so teardown never races a live exchange.
	// The session is already unmapped, so no new exchange can start.
	waitErr := s.sem.Acquire(ctx, 1)
	if waitErr == nil {
		defer s.sem.Release(1)
	} else {
		r.logger.Warn("ending session without waiting for in-flight exchange",
			"chat_id", chatID,
			"error", waitErr)
	}

	closeCtx := ctx
	if closeCtx.Err() != nil {
		closeCtx = context.Background()
	}
	if err := s.conv.Close(closeCtx); err != nil {
		r.logger.Warn("conversation release failed",
			"chat_id", chatID,
			"error", err)
	} else {
		r.logger.Info("session ended", "chat_id", chatID)
	}

	if waitErr != nil {
		return fmt.Errorf("waiting for in-flight exchange: %w", waitErr)
	}
	return nil
}

// Shutdown ends every registered session. Individual failures are collected
// and returned joined; one chat's failure never blocks the others.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	chatIDs := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		chatIDs = append(chatIDs, id)
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range chatIDs {
		if err := r.EndSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}

	r.logger.Info("registry shut down", "sessions", len(chatIDs), "failures", len(errs))
	return errors.Join(errs...)
}
