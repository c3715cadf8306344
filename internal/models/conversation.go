package models

import "time"

const (
	// DefaultTitle marks a conversation that has not been titled yet.
	DefaultTitle = "New Chat"
	// DefaultPreview is shown until the first user message arrives.
	DefaultPreview = "Start a new conversation..."
)

// ConversationStatus is the dispatch state of a single conversation.
type ConversationStatus string

const (
	StatusIdle    ConversationStatus = "idle"
	StatusSending ConversationStatus = "sending"
	StatusError   ConversationStatus = "error"
)

// Conversation groups an ordered transcript with its display metadata.
type Conversation struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	Title      string             `json:"title"`
	Preview    string             `json:"preview"`
	Messages   []Message          `json:"messages"`
	Status     ConversationStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	LastActive time.Time          `json:"last_active"`
}

// HasDefaultTitle reports whether the title is still the sentinel.
func (c *Conversation) HasDefaultTitle() bool {
	return c.Title == DefaultTitle
}

// Transcript returns the messages exchanged with the model, placeholder excluded.
func (c *Conversation) Transcript() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, msg := range c.Messages {
		if msg.IsPlaceholder() {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Pending reports whether the transcript ends with a placeholder.
func (c *Conversation) Pending() bool {
	n := len(c.Messages)
	return n > 0 && c.Messages[n-1].IsPlaceholder()
}

// Clone returns a deep copy safe to mutate. The copy always has a non-nil
// transcript so an empty conversation encodes as "messages": [].
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	return &cp
}
