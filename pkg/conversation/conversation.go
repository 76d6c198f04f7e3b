package conversation

import (
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Messages  []*Message `json:"messages"`
}

func NewConversationID() string {
	return uuid.NewString()
}

func NewConversation(now time.Time) *Conversation {
	return &Conversation{
		ID:        NewConversationID(),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []*Message{},
	}
}

// Touch bumps UpdatedAt, never moving it before CreatedAt or backwards.
func (c *Conversation) Touch(now time.Time) {
	if now.Before(c.CreatedAt) {
		now = c.CreatedAt
	}
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
}

func (c *Conversation) Summary() Summary {
	return Summary{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
	}
}

// Summary is a catalog entry, persisted without the message bodies.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}
