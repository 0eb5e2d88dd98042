package domain

import "time"

// ChatMessage is one transcript entry.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ReadOnly  bool      `json:"read_only,omitempty"`
}

// FromUser reports whether the message was written by the human operator.
func (m ChatMessage) FromUser() bool { return m.From == SenderUser }

// FromModerator reports whether the message was written by the moderator.
func (m ChatMessage) FromModerator() bool { return m.From == SenderModerator }
