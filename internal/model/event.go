package model

import "encoding/json"

// EventType — типы событий real-time канала. Вокабуляр фиксированный:
// контроллер диспетчеризует только по этим значениям, неизвестные типы логируются.
type EventType string

const (
	EventMessageSent     EventType = "message.sent"
	EventMessageNew      EventType = "message.new"
	EventChatCreated     EventType = "chat.created"
	EventMessageEdited   EventType = "message.edited"
	EventMessageDeleted  EventType = "message.deleted"
	EventMessagePinned   EventType = "message.pinned"
	EventMessageUnpinned EventType = "message.unpinned"
	EventReactionAdded   EventType = "reaction.added"
	EventReactionRemoved EventType = "reaction.removed"
	EventTypingStart     EventType = "typing.start"
	EventTypingStop      EventType = "typing.stop"
)

// Event is the inbound real-time envelope: {type, payload}.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TypingEvent is the payload on the per-chat typing destination.
type TypingEvent struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// ReactionEvent is the payload for reaction.added / reaction.removed.
type ReactionEvent struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// MessageEditedEvent is the payload for message.edited.
type MessageEditedEvent struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Body      string `json:"body"`
	EditedAt  string `json:"edited_at"`
}

// MessagePinnedEvent is the payload for message.pinned.
type MessagePinnedEvent struct {
	MessageID    string `json:"message_id"`
	ChatID       string `json:"chat_id"`
	PinnedBy     string `json:"pinned_by"`
	PinnedAt     string `json:"pinned_at"`
	DisplayOrder int    `json:"display_order"`
}

// MessageUnpinnedEvent is the payload for message.unpinned.
type MessageUnpinnedEvent struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// MessageDeletedEvent is the payload for message.deleted.
type MessageDeletedEvent struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}
