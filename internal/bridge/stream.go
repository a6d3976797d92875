// ABOUTME: Exchange drives one request through a session's conversation.
// ABOUTME: Converts the runtime's chunk callbacks into an ordered, cancellable Stream.

package bridge

import (
	"context"
	"fmt"
)

// event is one entry on a Stream: a text chunk, or a terminal result.
type event struct {
	text  string
	final string
	err   error
	done  bool
}

// Stream is a finite, non-restartable pull iterator over the text chunks of
// one exchange. Typical use:
//
//	stream, err := reg.Exchange(ctx, chatID, text, target)
//	for stream.Next() {
//	    emit(stream.Text())
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Abandoning the stream early requires calling Close (or cancelling the
// exchange context); either way the exchange's cleanup still runs and the
// session becomes available for the next exchange.
type Stream struct {
	events <-chan event
	cancel context.CancelFunc

	cur   string
	final string
	err   error
	done  bool
}

// Next advances to the next chunk. It returns false once the exchange has
// completed, failed, or been cancelled; Err distinguishes the cases.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	ev, ok := <-s.events
	if !ok {
		s.done = true
		return false
	}
	if ev.err != nil || ev.done {
		s.final = ev.final
		s.err = ev.err
		s.done = true
		return false
	}
	s.cur = ev.text
	return true
}

// Text returns the chunk most recently produced by Next.
func (s *Stream) Text() string {
	return s.cur
}

// Final returns the aggregated response reported by the runtime. Valid once
// Next has returned false with a nil Err.
func (s *Stream) Final() string {
	return s.final
}

// Err returns the exchange's failure, if any. Chunks already yielded before
// the failure remain valid; they are the delivered prefix of the response.
func (s *Stream) Err() error {
	return s.err
}

// Close abandons the exchange. It is safe to call multiple times and safe to
// call after the stream is exhausted.
func (s *Stream) Close() {
	s.cancel()
	s.done = true
}

// Exchange runs one request/response cycle on the chat's session and returns
// a lazily consumed stream of output chunks. The exchange itself starts
// immediately in the background: it waits for the session's exclusivity
// lock, arms the tool reporter with statusTarget, and streams chunks in
// production order until the runtime's send completes.
//
// The chat must have an active session (EnsureSession), otherwise
// ErrNoSession is returned.
func (r *Registry) Exchange(ctx context.Context, chatID int64, message string, statusTarget int64) (*Stream, error) {
	s, ok := r.lookup(chatID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSession, chatID)
	}

	exCtx, cancel := context.WithCancel(ctx)
	out := make(chan event, r.chunkBuffer)
	go r.runExchange(exCtx, s, message, statusTarget, out)

	return &Stream{events: out, cancel: cancel}, nil
}

// runExchange is the adapter between the conversation's push-style chunk
// callbacks and the pull-style Stream. It owns the whole exchange lifecycle;
// the deferred cleanup runs on normal completion, send failure, and consumer
// cancellation alike.
func (r *Registry) runExchange(ctx context.Context, s *Session, message string, statusTarget int64, out chan<- event) {
	// Closing the out channel is the stream's terminal marker; it also makes
	// a second drain of the same stream end immediately instead of hanging.
	defer close(out)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Cancelled while queued behind another exchange. Nothing was
		// started, nothing to clean up.
		r.logger.Debug("exchange cancelled before lock acquisition", "chat_id", s.ChatID)
		return
	}
	defer s.sem.Release(1)

	if r.tools != nil {
		r.tools.SetContext(s.ChatID, statusTarget)
		defer r.tools.ClearContext()
	}

	// The chunk sink. The listener runs on the runtime's goroutine; it must
	// never block past the end of the exchange, so every enqueue watches ctx.
	sink := make(chan string, r.chunkBuffer)
	remove := s.conv.AddChunkListener(func(chunk string) {
		select {
		case sink <- chunk:
		case <-ctx.Done():
		}
	})
	defer remove()

	// Launch the send concurrently with draining. Waiting for it first would
	// lose every chunk produced before completion.
	var final string
	var sendErr error
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		final, sendErr = s.conv.Send(ctx, message)
	}()

	// Retiring the send before releasing the lock is what keeps exchanges on
	// this session strictly serialized, even on the cancellation path.
	defer func() { <-sendDone }()

	r.logger.Debug("exchange started",
		"chat_id", s.ChatID,
		"message_len", len(message),
		"status_target", statusTarget)

	chunks := 0
	for {
		select {
		case chunk := <-sink:
			if !r.forward(ctx, out, event{text: chunk}) {
				return
			}
			chunks++

		case <-sendDone:
			// The send has completed; no further listener callbacks will
			// arrive. Flush what the listener already queued, in order.
			for {
				select {
				case chunk := <-sink:
					if !r.forward(ctx, out, event{text: chunk}) {
						return
					}
					chunks++
					continue
				default:
				}
				break
			}

			if sendErr != nil {
				r.logger.Warn("exchange failed",
					"chat_id", s.ChatID,
					"chunks_delivered", chunks,
					"error", sendErr)
				r.forward(ctx, out, event{err: sendErr})
				return
			}

			r.logger.Debug("exchange completed",
				"chat_id", s.ChatID,
				"chunks_delivered", chunks,
				"response_len", len(final))
			r.forward(ctx, out, event{done: true, final: final})
			return

		case <-ctx.Done():
			r.logger.Debug("exchange cancelled by consumer",
				"chat_id", s.ChatID,
				"chunks_delivered", chunks)
			return
		}
	}
}

// forward delivers an event to the consumer, giving up if the exchange is
// cancelled. Returns false when the consumer is gone.
func (r *Registry) forward(ctx context.Context, out chan<- event, ev event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
