// ABOUTME: Interfaces for agent runtimes, conversations, and tool progress reporting.
// ABOUTME: Conversations stream output chunks to listeners while a Send is in flight.

package runtime

import "context"

// Runtime is the factory for stateful conversations. Acquiring a conversation
// is expensive (it initializes conversation memory on the runtime side) and
// should happen at most once per chat while that chat is active.
type Runtime interface {
	// AcquireConversation opens a new stateful dialogue. The caller owns the
	// returned Conversation and must Close it exactly once.
	AcquireConversation(ctx context.Context) (Conversation, error)
}

// Conversation is one open, stateful, multi-turn dialogue with the runtime.
type Conversation interface {
	// AddChunkListener registers fn to be invoked once per output chunk
	// produced during a Send. It returns a detach function. The listener may
	// be invoked from a different goroutine than the one calling Send and
	// must not block for long.
	AddChunkListener(fn func(chunk string)) (remove func())

	// Send issues one request on the conversation and blocks until the
	// aggregated final response is available. Implementations must honor ctx
	// cancellation; all chunk listener invocations for this request complete
	// before Send returns.
	Send(ctx context.Context, message string) (string, error)

	// Close releases the conversation's runtime-side resources. It is safe to
	// call on a partially initialized conversation and safe to call twice.
	Close(ctx context.Context) error
}

// ToolReporter is notified of tool invocations the runtime makes while
// serving a Send. The bridge arms it with a status target before each
// exchange and clears it afterwards; the reporter decides how (and whether)
// to surface the lifecycle to the user.
//
// Reporter implementations talk to chat APIs and must swallow their own
// transport errors: a failed status update never aborts an exchange.
type ToolReporter interface {
	// SetContext arms the reporter for an exchange. target identifies the
	// frontend-specific status surface, e.g. a message to edit. A target of
	// zero means the exchange has no status surface.
	SetContext(chatID int64, target int64)

	// ClearContext disarms the reporter at the end of an exchange.
	ClearContext()

	// ToolStarted is called when a tool invocation begins and returns a
	// correlation token for the subsequent progress/completion calls.
	ToolStarted(name, serverName string, arguments map[string]any) string

	// ToolProgress reports optional mid-execution progress.
	ToolProgress(token string, progress, total float64, note string)

	// ToolCompleted reports the outcome of a tool invocation.
	ToolCompleted(token string, success bool, content string, errMsg string)
}
