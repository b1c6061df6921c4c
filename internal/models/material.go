package models

import "time"

// Material is an uploaded document kept on disk for the tutor to quote from.
type Material struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	FileName       string    `json:"file_name"`
	Format         string    `json:"format"`
	StoredPath     string    `json:"stored_path"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}
