package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn inside a conversation. Content is always decoded
// text, never a raw framed payload.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered, append-only sequence of messages. ID is either a
// locally generated timestamp value or the server-assigned thread id.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can hold a snapshot without sharing
// the message backing array with the store.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

// LastMessage returns the most recent message, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// AwaitingReply reports whether the last message is a user message that has
// not been answered yet.
func (c *Conversation) AwaitingReply() bool {
	last := c.LastMessage()
	return last != nil && last.Role == RoleUser
}

// Snapshot is the persisted view of a session: every conversation and the
// selected one.
type Snapshot struct {
	Conversations []Conversation
	CurrentID     string
}
