// ABOUTME: Tests for the session registry and the callback-to-stream adapter.
// ABOUTME: Covers ordering, per-chat exclusivity, idempotent start, and cleanup on cancel.

package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agentgram/agentgram/internal/runtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConversation is a controllable runtime.Conversation. Its Send behavior
// is supplied per test via sendFn, which receives an emit callback that
// broadcasts a chunk to all registered listeners.
type mockConversation struct {
	sendFn func(ctx context.Context, message string, emit func(string)) (string, error)

	closeErr error

	mu        sync.Mutex
	listeners map[int]func(string)
	nextID    int
	removals  int
	closes    int
}

func newMockConversation(sendFn func(ctx context.Context, message string, emit func(string)) (string, error)) *mockConversation {
	return &mockConversation{
		sendFn:    sendFn,
		listeners: make(map[int]func(string)),
	}
}

func (c *mockConversation) AddChunkListener(fn func(string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.listeners[id]; ok {
			delete(c.listeners, id)
			c.removals++
		}
	}
}

func (c *mockConversation) Send(ctx context.Context, message string) (string, error) {
	emit := func(chunk string) {
		c.mu.Lock()
		fns := make([]func(string), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(chunk)
		}
	}
	return c.sendFn(ctx, message, emit)
}

func (c *mockConversation) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

func (c *mockConversation) removalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removals
}

func (c *mockConversation) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// mockRuntime dispenses conversations from a factory and counts acquisitions.
type mockRuntime struct {
	factory      func() *mockConversation
	acquireDelay time.Duration

	mu       sync.Mutex
	acquired int
	convs    []*mockConversation
}

func (r *mockRuntime) AcquireConversation(ctx context.Context) (runtime.Conversation, error) {
	if r.acquireDelay > 0 {
		select {
		case <-time.After(r.acquireDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	conv := r.factory()
	r.mu.Lock()
	r.acquired++
	r.convs = append(r.convs, conv)
	r.mu.Unlock()
	return conv, nil
}

func (r *mockRuntime) acquireCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(rt runtime.Runtime, tools runtime.ToolReporter) *Registry {
	return NewRegistry(rt, Options{Tools: tools, Logger: testLogger()})
}

// drain consumes a stream to completion with a deadline, returning the
// yielded chunks.
func drain(t *testing.T, stream *Stream) []string {
	t.Helper()

	type result struct {
		chunks []string
	}
	done := make(chan result, 1)
	go func() {
		var chunks []string
		for stream.Next() {
			chunks = append(chunks, stream.Text())
		}
		done <- result{chunks: chunks}
	}()

	select {
	case res := <-done:
		return res.chunks
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish in time")
		return nil
	}
}

func TestExchangeOrdering(t *testing.T) {
	conv := newMockConversation(func(_ context.Context, _ string, emit func(string)) (string, error) {
		emit("Hel")
		emit("lo")
		return "Hello", nil
	})
	rt := &mockRuntime{factory: func() *mockConversation { return conv }}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	_, err := reg.EnsureSession(ctx, 1)
	require.NoError(t, err)

	stream, err := reg.Exchange(ctx, 1, "hi", 0)
	require.NoError(t, err)

	chunks := drain(t, stream)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.NoError(t, stream.Err())
	assert.Equal(t, "Hello", stream.Final())
}

func TestExchangeManyChunksInOrder(t *testing.T) {
	want := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	conv := newMockConversation(func(_ context.Context, _ string, emit func(string)) (string, error) {
		for _, c := range want {
			emit(c)
		}
		return "", nil
	})
	rt := &mockRuntime{factory: func() *mockConversation { return conv }}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	_, err := reg.EnsureSession(ctx, 7)
	require.NoError(t, err)

	stream, err := reg.Exchange(ctx, 7, "go", 0)
	require.NoError(t, err)
	assert.Equal(t, want, drain(t, stream))
	assert.NoError(t, stream.Err())
}

func TestExchangeUnknownChat(t *testing.T) {
	rt := &mockRuntime{factory: func() *mockConversation {
		return newMockConversation(nil)
	}}
	reg := testRegistry(rt, nil)

	_, err := reg.Exchange(context.Background(), 99, "hi", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEnsureSessionIdempotent(t *testing.T) {
	rt := &mockRuntime{factory: func() *mockConversation {
		return newMockConversation(nil)
	}}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	first, err := reg.EnsureSession(ctx, 42)
	require.NoError(t, err)
	second, err := reg.EnsureSession(ctx, 42)
	require.NoError(t, err)

	assert.Same(t, first, second, "both calls must return the same session")
	assert.Equal(t, 1, rt.acquireCount(), "only one conversation acquisition")
}

func TestEnsureSessionConcurrent(t *testing.T) {
	rt := &mockRuntime{
		factory:      func() *mockConversation { return newMockConversation(nil) },
		acquireDelay: 20 * time.Millisecond,
	}
	reg := testRegistry(rt, nil)

	const callers = 8
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.EnsureSession(context.Background(), 42)
			if err == nil {
				sessions[i] = s
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, rt.acquireCount(), "concurrent EnsureSession must acquire exactly once")
	for i := 1; i < callers; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
}

func TestEndSessionNoop(t *testing.T) {
	rt := &mockRuntime{factory: func() *mockConversation {
		return newMockConversation(nil)
	}}
	reg := testRegistry(rt, nil)

	require.NoError(t, reg.EndSession(context.Background(), 5))
	assert.Equal(t, 0, rt.acquireCount())
}

func TestEndSessionReleasesHandleOnce(t *testing.T) {
	conv := newMockConversation(nil)
	rt := &mockRuntime{factory: func() *mockConversation { return conv }}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	_, err := reg.EnsureSession(ctx, 42)
	require.NoError(t, err)

	require.NoError(t, reg.EndSession(ctx, 42))
	assert.Equal(t, 1, conv.closeCount())

	// Second end is a no-op: the session is gone.
	require.NoError(t, reg.EndSession(ctx, 42))
	assert.Equal(t, 1, conv.closeCount())
	assert.False(t, reg.Active(42))
}

func TestMutualExclusion(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), order...)
	}

	gateA := make(chan struct{})
	conv := newMockConversation(func(ctx context.Context, message string, emit func(string)) (string, error) {
		record("start:" + message)
		emit("chunk:" + message)
		if message == "A" {
			select {
			case <-gateA:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		record("end:" + message)
		return message, nil
	})
	rt := &mockRuntime{factory: func() *mockConversation { return conv }}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	_, err := reg.EnsureSession(ctx, 1)
	require.NoError(t, err)

	streamA, err := reg.Exchange(ctx, 1, "A", 0)
	require.NoError(t, err)
	require.True(t, streamA.Next(), "exchange A should yield its first chunk")
	assert.Equal(t, "chunk:A", streamA.Text())

	// Request exchange B while A is still in flight.
	streamB, err := reg.Exchange(ctx, 1, "B", 0)
	require.NoError(t, err)

	chunksB := make(chan []string, 1)
	go func() { chunksB <- collectChunks(streamB) }()

	// B must not start while A holds the session.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"start:A"}, snapshot())

	close(gateA)
	drain(t, streamA)
	require.NoError(t, streamA.Err())

	select {
	case got := <-chunksB:
		assert.Equal(t, []string{"chunk:B"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("exchange B did not complete after A retired")
	}

	assert.Equal(t, []string{"start:A", "end:A", "start:B", "end:B"}, snapshot())
}

// collectChunks drains a stream without test plumbing; used from goroutines.
func collectChunks(stream *Stream) []string {
	var chunks []string
	for stream.Next() {
		chunks = append(chunks, stream.Text())
	}
	return chunks
}

func TestCleanupOnCancellation(t *testing.T) {
	conv := newMockConversation(func(ctx context.Context, message string, emit func(string)) (string, error) {
		if message == "second" {
			emit("ok")
			return "ok", nil
		}
		for _, c := range []string{"1", "2", "3", "4", "5"} {
			emit(c)
		}
		// Simulate a long tail: only return once the exchange is cancelled.
		<-ctx.Done()
		return "", ctx.Err()
	})
	rt := &mockRuntime{factory: func() *mockConversation { return conv }}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	_, err := reg.EnsureSession(ctx, 1)
	require.NoError(t, err)

	stream, err := reg.Exchange(ctx, 1, "first", 0)
	require.NoError(t, err)
	require.True(t, stream.Next())
	assert.Equal(t, "1", stream.Text())

	// Abandon after one of five chunks.
	stream.Close()

	// The lock must be free and the listener detached before the next
	// exchange proceeds; a successful second exchange proves both.
	second, err := reg.Exchange(ctx, 1, "second", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, drain(t, second))
	require.NoError(t, second.Err())

	// Cleanup finishes just after the terminal event is observed.
	assert.Eventually(t, func() bool { return conv.removalCount() == 2 },
		2*time.Second, 10*time.Millisecond,
		"both chunk listeners must be detached")
}

func TestExchangeErrorAfterPartialChunk(t *testing.T) {
	sendErr := errors.New("model backend unavailable")
	conv := newMockConversation(func(_ context.Context, message string, emit func(string)) (string, error) {
		if message == "retry" {
			return "recovered", nil
		}
		emit("partial")
		return "", sendErr
	})
	rt := &mockRuntime{factory: func() *mockConversation { return conv }}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	_, err := reg.EnsureSession(ctx, 1)
	require.NoError(t, err)

	stream, err := reg.Exchange(ctx, 1, "hi", 0)
	require.NoError(t, err)

	chunks := drain(t, stream)
	assert.Equal(t, []string{"partial"}, chunks, "the delivered prefix is not retracted")
	assert.ErrorIs(t, stream.Err(), sendErr)

	// The session lock is free again: a fresh exchange proceeds promptly.
	retry, err := reg.Exchange(ctx, 1, "retry", 0)
	require.NoError(t, err)
	drain(t, retry)
	assert.NoError(t, retry.Err())
	assert.Equal(t, "recovered", retry.Final())
}

func TestEndSessionWaitsForInFlightExchange(t *testing.T) {
	gate := make(chan struct{})
	conv := newMockConversation(func(ctx context.Context, _ string, emit func(string)) (string, error) {
		emit("working")
		select {
		case <-gate:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	rt := &mockRuntime{factory: func() *mockConversation { return conv }}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	_, err := reg.EnsureSession(ctx, 1)
	require.NoError(t, err)

	stream, err := reg.Exchange(ctx, 1, "hi", 0)
	require.NoError(t, err)
	require.True(t, stream.Next())

	ended := make(chan error, 1)
	go func() { ended <- reg.EndSession(context.Background(), 1) }()

	// Teardown must block while the exchange holds the lock.
	select {
	case err := <-ended:
		t.Fatalf("EndSession returned while exchange was live: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, conv.closeCount())

	close(gate)
	drain(t, stream)

	select {
	case err := <-ended:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("EndSession did not finish after exchange retired")
	}
	assert.Equal(t, 1, conv.closeCount())
}

func TestShutdownEndsAllSessions(t *testing.T) {
	var convs []*mockConversation
	var mu sync.Mutex
	rt := &mockRuntime{factory: func() *mockConversation {
		conv := newMockConversation(nil)
		mu.Lock()
		convs = append(convs, conv)
		mu.Unlock()
		return conv
	}}
	reg := testRegistry(rt, nil)

	ctx := context.Background()
	for _, chatID := range []int64{1, 2, 3} {
		_, err := reg.EnsureSession(ctx, chatID)
		require.NoError(t, err)
	}

	// One chat's teardown failure must not block the rest.
	convs[1].closeErr = errors.New("transport reset")

	require.NoError(t, reg.Shutdown(ctx))
	for i, conv := range convs {
		assert.Equal(t, 1, conv.closeCount(), "conversation %d", i)
	}
	for _, chatID := range []int64{1, 2, 3} {
		assert.False(t, reg.Active(chatID))
	}
}

// mockReporter records tool-context arming around exchanges.
type mockReporter struct {
	mu    sync.Mutex
	calls []string
}

func (r *mockReporter) SetContext(chatID, target int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "set")
}

func (r *mockReporter) ClearContext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "clear")
}

func (r *mockReporter) ToolStarted(string, string, map[string]any) string { return "" }
func (r *mockReporter) ToolProgress(string, float64, float64, string)     {}
func (r *mockReporter) ToolCompleted(string, bool, string, string)        {}

func (r *mockReporter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestToolReporterArming(t *testing.T) {
	conv := newMockConversation(func(_ context.Context, _ string, emit func(string)) (string, error) {
		emit("x")
		return "x", nil
	})
	rt := &mockRuntime{factory: func() *mockConversation { return conv }}
	reporter := &mockReporter{}
	reg := testRegistry(rt, reporter)

	ctx := context.Background()
	_, err := reg.EnsureSession(ctx, 1)
	require.NoError(t, err)

	stream, err := reg.Exchange(ctx, 1, "hi", 777)
	require.NoError(t, err)
	drain(t, stream)
	require.NoError(t, stream.Err())

	// Arm/disarm brackets the exchange exactly once; the disarm lands in the
	// exchange's cleanup, just after the terminal event.
	assert.Eventually(t, func() bool {
		calls := reporter.snapshot()
		return len(calls) == 2 && calls[0] == "set" && calls[1] == "clear"
	}, 2*time.Second, 10*time.Millisecond)
}
