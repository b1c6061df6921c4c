package models

import "time"

// Conversation describes a transcript without its messages.
type Conversation struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// ConversationRecord is a full transcript as persisted by the journal.
type ConversationRecord struct {
	Conversation
	Messages []Message `json:"messages"`
}
