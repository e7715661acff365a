package engine

import (
	"context"
	"sync"
)

// Conversation is a multi-query chat over one Engine. Turns of completed
// queries are carried into the next query; aborted queries leave the history
// unchanged. History lives in memory only.
type Conversation struct {
	engine *Engine

	mu      sync.Mutex
	history []Turn
}

// NewConversation starts an empty chat.
func (e *Engine) NewConversation() *Conversation {
	return &Conversation{engine: e}
}

// Ask runs one query with the prior history. Calls are serialized.
func (c *Conversation) Ask(ctx context.Context, query string) *Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.engine.run(ctx, c.history, query)
	if out.State == StateDone {
		// drop the system turn; a fresh one is built per query
		c.history = append([]Turn(nil), out.Turns[1:]...)
	}
	return out
}

// History returns the carried turns.
func (c *Conversation) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.history...)
}

// Reset clears the history.
func (c *Conversation) Reset() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}
