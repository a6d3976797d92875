// Package runtime defines the narrow contract between agentgram and the
// underlying conversational agent runtime.
//
// A Runtime hands out Conversations: long-lived, stateful dialogues that keep
// their own multi-turn history. A Conversation accepts one request at a time
// via Send and pushes produced output fragments to registered chunk listeners
// while the request is in flight. The bridge package owns serialization of
// Send calls; implementations only need to be safe against listener
// registration happening concurrently with an in-flight Send.
//
// Tool execution inside the runtime is reported through a ToolReporter that
// is injected at construction time. Runtimes that never execute tools may
// ignore it.
package runtime
