package models

import "time"

// MessageType tells who authored a transcript entry.
type MessageType string

const (
	MessageTypeUser MessageType = "user"
	MessageTypeAI   MessageType = "ai"
)

// TypingMessageID is reserved for the placeholder shown while a reply is pending.
const TypingMessageID = "typing"

// Message is a single entry of a conversation transcript.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Timestamp      time.Time   `json:"timestamp"`
	IsTyping       bool        `json:"is_typing,omitempty"`
}

// IsPlaceholder reports whether m is the pending-reply marker.
func (m Message) IsPlaceholder() bool {
	return m.IsTyping || m.ID == TypingMessageID
}

// NewPlaceholder builds the marker appended after a user turn.
func NewPlaceholder(conversationID string, now time.Time) Message {
	return Message{
		ID:             TypingMessageID,
		ConversationID: conversationID,
		Type:           MessageTypeAI,
		Timestamp:      now,
		IsTyping:       true,
	}
}
