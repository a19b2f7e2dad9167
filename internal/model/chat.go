package model

import (
	"strings"
	"time"
)

type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
	ChatTypeChannel ChatType = "channel"
)

// DraftIDPrefix marks locally-created conversations that the backend has not
// confirmed yet. Server-issued IDs never start with it.
const DraftIDPrefix = "draft-"

// Conversation is one entry in the chat directory. Draft conversations exist
// only on this client until the first successful send promotes them.
type Conversation struct {
	ID                 string    `json:"id"`
	ChatType           ChatType  `json:"chat_type"`
	Title              string    `json:"title"`
	ParticipantIDs     []string  `json:"participant_ids"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
	Pinned             bool      `json:"pinned"`
	Muted              bool      `json:"muted"`
	IsDraft            bool      `json:"is_draft"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsDraftID reports whether id carries the reserved draft prefix.
func IsDraftID(id string) bool {
	return strings.HasPrefix(id, DraftIDPrefix)
}
