package ai

import (
	"context"
	"fmt"
	"sync"

	"geminichat/internal/models"
)

// SessionCache maps conversation ids to live chat handles.
// Entries are never persisted; a lost handle is rebuilt from the transcript by the caller.
type SessionCache struct {
	provider Provider

	mu      sync.RWMutex
	handles map[string]ChatHandle
}

func NewSessionCache(provider Provider) *SessionCache {
	return &SessionCache{
		provider: provider,
		handles:  make(map[string]ChatHandle),
	}
}

// Open creates a handle seeded with prior and stores it, replacing any existing one.
func (c *SessionCache) Open(ctx context.Context, conversationID string, prior []models.Message) error {
	handle, err := c.provider.OpenChat(ctx, TurnsFromMessages(prior))
	if err != nil {
		return fmt.Errorf("open chat %s: %w", conversationID, err)
	}
	c.mu.Lock()
	c.handles[conversationID] = handle
	c.mu.Unlock()
	return nil
}

// Send delivers text through the conversation's handle.
// Without a handle it degrades to a single stateless call.
func (c *SessionCache) Send(ctx context.Context, conversationID, text string) (string, error) {
	c.mu.RLock()
	handle, ok := c.handles[conversationID]
	c.mu.RUnlock()
	if !ok {
		return c.provider.Generate(ctx, text)
	}
	return handle.Send(ctx, text)
}

// Discard drops the handle; unknown ids are ignored.
func (c *SessionCache) Discard(conversationID string) {
	c.mu.Lock()
	delete(c.handles, conversationID)
	c.mu.Unlock()
}

func (c *SessionCache) Has(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.handles[conversationID]
	return ok
}

func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

// Reset drops every handle.
func (c *SessionCache) Reset() {
	c.mu.Lock()
	c.handles = make(map[string]ChatHandle)
	c.mu.Unlock()
}
