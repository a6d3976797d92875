// Package bridge keeps one persistent agent conversation alive per chat and
// turns the runtime's callback-per-chunk output into an ordered, cancellable
// pull stream.
//
// The Registry is the only component that mutates the chat-to-session
// mapping. Each Session pairs a chat with its runtime conversation and a
// weight-1 semaphore that guarantees at most one in-flight exchange per chat.
// Exchange drives a single request: it acquires the session semaphore,
// attaches a chunk listener, launches Conversation.Send concurrently, and
// forwards chunks to the returned Stream in production order. Cleanup
// (listener detach, tool context clear, semaphore release) runs on every exit
// path, including the consumer abandoning the stream early; a leaked
// semaphore would wedge the chat permanently, so that path is treated as the
// most important one.
package bridge
