package model

import "time"

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeVideo ContentType = "video"
	ContentTypeAudio ContentType = "audio"
	ContentTypeFile  ContentType = "file"
)

type DeliveryState string

const (
	// DeliveryPending is set only on locally originated messages awaiting
	// server acknowledgment.
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one ledger entry. ID is a client-generated temporary ID until the
// server assigns a permanent one; ChatID never changes after creation.
type Message struct {
	ID            string              `json:"id"`
	ChatID        string              `json:"chat_id"`
	AuthorID      string              `json:"author_id"`
	Body          string              `json:"body"`
	ContentType   ContentType         `json:"content_type"`
	CreatedAt     time.Time           `json:"created_at"`
	EditedAt      *time.Time          `json:"edited_at,omitempty"`
	Deleted       bool                `json:"deleted"`
	ReplyToID     *string             `json:"reply_to_id,omitempty"`
	Reactions     map[string][]string `json:"reactions,omitempty"` // emoji -> reactor user IDs
	DeliveryState DeliveryState       `json:"delivery_state"`

	// Seq is the ledger insertion sequence, used only to break CreatedAt ties.
	Seq uint64 `json:"-"`
}

// PinnedMessage is one entry of a chat's pinned list. The list is ordered by
// DisplayOrder, ties by PinnedAt (newest first).
type PinnedMessage struct {
	ChatID       string    `json:"chat_id"`
	MessageID    string    `json:"message_id"`
	PinnedBy     string    `json:"pinned_by"`
	PinnedAt     time.Time `json:"pinned_at"`
	DisplayOrder int       `json:"display_order"`
	Message      *Message  `json:"message,omitempty"`
}

// HasReaction reports whether userID already reacted with emoji.
func (m *Message) HasReaction(emoji, userID string) bool {
	for _, id := range m.Reactions[emoji] {
		if id == userID {
			return true
		}
	}
	return false
}
