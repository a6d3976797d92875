// ABOUTME: Scripted in-process runtime for development and tests.
// ABOUTME: Replays canned exchanges, streaming each reply as configurable chunks.

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one canned exchange in a script. Chunks are streamed to listeners
// in order; Final is the aggregated response returned by Send. If Final is
// empty it defaults to the concatenation of Chunks. A non-empty Fail makes
// the Send return that error after streaming the chunks.
type Step struct {
	Chunks []string `yaml:"chunks" toml:"chunks"`
	Final  string   `yaml:"final" toml:"final"`
	Fail   string   `yaml:"fail" toml:"fail"`
}

// Scripted is a Runtime that replays a fixed script. Each acquired
// conversation walks the script independently, wrapping around at the end.
// It exists for local development (backend "scripted") and for tests.
type Scripted struct {
	steps      []Step
	chunkDelay time.Duration
	logger     *slog.Logger
}

// NewScripted creates a scripted runtime. chunkDelay is the pause between
// streamed chunks; zero streams them back-to-back.
func NewScripted(steps []Step, chunkDelay time.Duration, logger *slog.Logger) *Scripted {
	if logger == nil {
		logger = slog.Default()
	}
	if len(steps) == 0 {
		steps = []Step{{Chunks: []string{"(scripted runtime has an empty script)"}}}
	}
	return &Scripted{
		steps:      steps,
		chunkDelay: chunkDelay,
		logger:     logger.With("component", "scripted-runtime"),
	}
}

// LoadScript reads a YAML script file containing a list of steps.
func LoadScript(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script file: %w", err)
	}
	var steps []Step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parsing script file: %w", err)
	}
	return steps, nil
}

// AcquireConversation opens a conversation positioned at the start of the script.
func (s *Scripted) AcquireConversation(_ context.Context) (Conversation, error) {
	s.logger.Debug("conversation acquired")
	return &scriptedConversation{rt: s, listeners: make(map[int]func(string))}, nil
}

type scriptedConversation struct {
	rt *Scripted

	mu        sync.Mutex
	listeners map[int]func(string)
	nextID    int
	step      int
	turns     int
	closed    bool
}

func (c *scriptedConversation) AddChunkListener(fn func(string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *scriptedConversation) Send(ctx context.Context, message string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("conversation is closed")
	}
	step := c.rt.steps[c.step%len(c.rt.steps)]
	c.step++
	c.turns++
	turns := c.turns
	c.mu.Unlock()

	c.rt.logger.Debug("scripted send", "message_len", len(message), "turn", turns)

	var aggregated string
	for _, chunk := range step.Chunks {
		if c.rt.chunkDelay > 0 {
			select {
			case <-time.After(c.rt.chunkDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		} else if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.emit(chunk)
		aggregated += chunk
	}

	if step.Fail != "" {
		return "", fmt.Errorf("scripted failure: %s", step.Fail)
	}
	if step.Final != "" {
		return step.Final, nil
	}
	return aggregated, nil
}

// emit delivers a chunk to every registered listener in registration order.
func (c *scriptedConversation) emit(chunk string) {
	c.mu.Lock()
	fns := make([]func(string), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(chunk)
	}
}

func (c *scriptedConversation) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.rt.logger.Debug("conversation closed", "turns", c.turns)
	return nil
}
