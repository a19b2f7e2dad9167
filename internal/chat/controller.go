// Package chat is the orchestration core: it binds the transport to the chat
// directory and message ledger, owns per-chat subscriptions, the typing
// indicator, draft-to-real chat promotion, and the message send lifecycle.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/messenger-client/internal/logger"
	"github.com/messenger-client/internal/model"
	"github.com/messenger-client/internal/rest"
	"github.com/messenger-client/internal/store"
	"github.com/messenger-client/internal/transport"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrUnknownChat = errors.New("unknown chat")
)

// tempIDPrefix marks optimistic message IDs awaiting server confirmation.
const tempIDPrefix = "tmp-"

const historyPageSize = 50

// Destination naming: the specific per-resource form.
const userEventsDest = "/user/topic/events"

const typingDest = "/app/typing"

func chatMessagesDest(chatID string) string { return "/topic/chats/" + chatID + "/messages" }
func chatTypingDest(chatID string) string   { return "/topic/chats/" + chatID + "/typing" }

// Transport is the real-time connection surface the controller consumes.
type Transport interface {
	Subscribe(dest string, h transport.Handler) string
	Unsubscribe(id string)
	Publish(dest string, payload any) error
	OnConnect(fn func())
	State() transport.State
}

// API is the REST surface the controller consumes (implemented by rest.Client).
type API interface {
	ListChats(ctx context.Context, page, size int, sort string) ([]model.Conversation, error)
	CreateChat(ctx context.Context, req rest.CreateChatRequest) (*model.Conversation, error)
	GetChat(ctx context.Context, id string) (*model.Conversation, error)
	ListMessages(ctx context.Context, chatID string, page, size int, sort string) ([]model.Message, error)
	SendMessage(ctx context.Context, chatID string, req rest.SendMessageRequest) (*model.Message, error)
	PinMessage(ctx context.Context, chatID string, req rest.PinMessageRequest) (*model.PinnedMessage, error)
	UnpinMessage(ctx context.Context, chatID, messageID string) error
	ListPinnedMessages(ctx context.Context, chatID string) ([]model.PinnedMessage, error)
}

// UserLookup resolves a user ID to a profile, best effort. Used for titling
// conversations synthesized from real-time events. May be nil.
type UserLookup func(ctx context.Context, userID string) (*model.UserPublic, error)

// SendOptions are the optional attributes of an outgoing message.
type SendOptions struct {
	ContentType model.ContentType
	ReplyToID   *string
}

// Controller is the single authority wiring transport events to store updates.
type Controller struct {
	dir        *store.Directory
	ledger     *store.Ledger
	tr         Transport
	api        API
	lookupUser UserLookup
	selfID     string
	typing     *typingState

	mu sync.Mutex
	// intent is the set of chat IDs that must be subscribed whenever the
	// transport is connected; replayed in full on every reconnect.
	intent map[string]struct{}
	// subs holds the live subscription IDs of the current transport session.
	subs map[string][]string
	// userSub is the personal events subscription of the current session.
	userSub string
	// draftPeer remembers the counterpart a draft was started with.
	draftPeer map[string]string
	// loaded marks chats whose first history page has been fetched.
	loaded map[string]bool
}

func NewController(
	dir *store.Directory,
	ledger *store.Ledger,
	tr Transport,
	api API,
	lookupUser UserLookup,
	selfID string,
	typingStopDelay time.Duration,
) *Controller {
	c := &Controller{
		dir:        dir,
		ledger:     ledger,
		tr:         tr,
		api:        api,
		lookupUser: lookupUser,
		selfID:     selfID,
		intent:     make(map[string]struct{}),
		subs:       make(map[string][]string),
		draftPeer:  make(map[string]string),
		loaded:     make(map[string]bool),
	}
	c.typing = newTypingState(typingStopDelay, c.publishTyping)
	tr.OnConnect(c.resubscribeAll)
	return c
}

// Bootstrap fetches the first page of conversations into the directory.
func (c *Controller) Bootstrap(ctx context.Context) error {
	defer logger.DeferLogDuration("chat.Bootstrap", time.Now())()
	chats, err := c.api.ListChats(ctx, 0, historyPageSize, "updatedAt,desc")
	if err != nil {
		return fmt.Errorf("chat.Bootstrap: %w", err)
	}
	// Upsert inserts at the head, so walk backwards to keep server order.
	for i := len(chats) - 1; i >= 0; i-- {
		c.dir.Upsert(chats[i])
	}
	logger.Infof("bootstrap: %d conversations", len(chats))
	return nil
}

// OpenConversation activates a conversation: resets its unread counter,
// subscribes its channels, lazily loads the first history page, and
// force-stops typing in the previously active conversation.
func (c *Controller) OpenConversation(ctx context.Context, id string) error {
	conv, ok := c.dir.Get(id)
	if !ok {
		return fmt.Errorf("chat.OpenConversation %s: %w", id, ErrUnknownChat)
	}

	if prev := c.dir.ActiveID(); prev != "" && prev != id {
		c.typing.stop(prev)
	}
	c.dir.SetActive(id)

	if conv.IsDraft {
		// No server-side channels or history exist for a draft.
		return nil
	}
	c.ensureSubscribed(id)

	c.mu.Lock()
	needHistory := !c.loaded[id]
	c.loaded[id] = true
	c.mu.Unlock()
	if needHistory {
		msgs, err := c.api.ListMessages(ctx, id, 0, historyPageSize, "createdAt,desc")
		if err != nil {
			c.mu.Lock()
			c.loaded[id] = false
			c.mu.Unlock()
			return fmt.Errorf("chat.OpenConversation history: %w", err)
		}
		for _, m := range msgs {
			m.DeliveryState = model.DeliveryConfirmed
			c.ledger.Append(m)
		}
		// The pinned list rides along with the first history page. A failed
		// fetch does not block opening the chat.
		if pins, err := c.api.ListPinnedMessages(ctx, id); err != nil {
			logger.Errorf("pinned load %s: %v", id, err)
		} else {
			c.ledger.SetPinned(id, pins)
		}
	}
	return nil
}

// StartDraftWith opens the private conversation with user, creating a local
// draft if none exists. At most one non-draft private conversation per
// counterpart: an existing one is reused.
func (c *Controller) StartDraftWith(ctx context.Context, user model.UserPublic) (string, error) {
	if user.ID == "" {
		return "", fmt.Errorf("chat.StartDraftWith: missing user id: %w", ErrValidation)
	}
	if user.ID == c.selfID {
		return "", fmt.Errorf("chat.StartDraftWith: cannot chat with yourself: %w", ErrValidation)
	}
	if existing, ok := c.dir.FindPrivateWith(user.ID); ok {
		if err := c.OpenConversation(ctx, existing.ID); err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	now := time.Now().UTC()
	draft := model.Conversation{
		ID:             model.DraftIDPrefix + uuid.NewString(),
		ChatType:       model.ChatTypePrivate,
		Title:          user.DisplayName(),
		ParticipantIDs: []string{c.selfID, user.ID},
		IsDraft:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastMessageAt:  now,
	}
	c.dir.Upsert(draft)
	c.mu.Lock()
	c.draftPeer[draft.ID] = user.ID
	c.mu.Unlock()
	c.dir.SetActive(draft.ID)
	return draft.ID, nil
}

// CreateGroup creates a group conversation and activates it.
func (c *Controller) CreateGroup(ctx context.Context, title string, memberIDs []string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("chat.CreateGroup: title required: %w", ErrValidation)
	}
	if len(memberIDs) < 2 {
		return "", fmt.Errorf("chat.CreateGroup: at least 2 members required: %w", ErrValidation)
	}
	conv, err := c.api.CreateChat(ctx, rest.CreateChatRequest{
		ChatType:       model.ChatTypeGroup,
		ParticipantIDs: append([]string{c.selfID}, memberIDs...),
		Title:          title,
	})
	if err != nil {
		return "", fmt.Errorf("chat.CreateGroup: %w", err)
	}
	c.dir.Upsert(*conv)
	c.dir.SetActive(conv.ID)
	c.ensureSubscribed(conv.ID)
	return conv.ID, nil
}

// Send delivers text to the active conversation. Lifecycle: materialize a
// draft first (failure aborts — no message ever attaches to a draft ID), then
// insert an optimistic pending entry before any network round-trip, then the
// authoritative REST send with reconcile-or-rollback.
func (c *Controller) Send(ctx context.Context, text string, opts SendOptions) (*model.Message, error) {
	defer logger.DeferLogDuration("chat.Send", time.Now())()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("chat.Send: empty message: %w", ErrValidation)
	}
	chatID := c.dir.ActiveID()
	if chatID == "" {
		return nil, fmt.Errorf("chat.Send: no active conversation: %w", ErrValidation)
	}
	conv, ok := c.dir.Get(chatID)
	if !ok {
		return nil, fmt.Errorf("chat.Send %s: %w", chatID, ErrUnknownChat)
	}

	if conv.IsDraft {
		realID, err := c.materializeDraft(ctx, conv)
		if err != nil {
			return nil, err
		}
		chatID = realID
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = model.ContentTypeText
	}

	// Sending a message is the natural end of typing.
	c.typing.stop(chatID)

	now := time.Now().UTC()
	tempID := tempIDPrefix + uuid.NewString()
	c.ledger.Append(model.Message{
		ID:            tempID,
		ChatID:        chatID,
		AuthorID:      c.selfID,
		Body:          text,
		ContentType:   contentType,
		ReplyToID:     opts.ReplyToID,
		CreatedAt:     now,
		DeliveryState: model.DeliveryPending,
	})

	confirmed, err := c.api.SendMessage(ctx, chatID, rest.SendMessageRequest{
		Body:        text,
		ContentType: contentType,
		ReplyToID:   opts.ReplyToID,
	})
	if err != nil {
		c.ledger.Remove(tempID)
		return nil, fmt.Errorf("chat.Send: %w", err)
	}

	c.ledger.ReconcileOptimistic(tempID, *confirmed)
	c.dir.SetLastMessage(chatID, preview(confirmed), confirmed.CreatedAt)
	c.dir.MoveToFront(chatID)

	out, _ := c.ledger.Get(confirmed.ID)
	return &out, nil
}

// materializeDraft promotes a draft to a real conversation before the first
// send: creates it on the backend, swaps the directory entry in place, and
// subscribes the new channels.
func (c *Controller) materializeDraft(ctx context.Context, draft model.Conversation) (string, error) {
	c.mu.Lock()
	peerID := c.draftPeer[draft.ID]
	c.mu.Unlock()
	if peerID == "" {
		for _, id := range draft.ParticipantIDs {
			if id != c.selfID {
				peerID = id
				break
			}
		}
	}
	if peerID == "" {
		return "", fmt.Errorf("chat.Send: draft %s has no counterpart: %w", draft.ID, ErrValidation)
	}

	real, err := c.api.CreateChat(ctx, rest.CreateChatRequest{
		ChatType:       model.ChatTypePrivate,
		ParticipantIDs: []string{c.selfID, peerID},
	})
	if err != nil {
		return "", fmt.Errorf("chat.Send: materialize draft: %w", err)
	}
	if real.Title == "" {
		real.Title = draft.Title
	}
	c.dir.ReplaceDraft(draft.ID, *real)
	c.mu.Lock()
	delete(c.draftPeer, draft.ID)
	c.mu.Unlock()
	c.ensureSubscribed(real.ID)
	logger.Infof("draft %s promoted to %s", draft.ID, real.ID)
	return real.ID, nil
}

// PinMessage pins a message in the active conversation. The backend is the
// authority; the local pinned list is updated from its response.
func (c *Controller) PinMessage(ctx context.Context, messageID string) error {
	chatID := c.dir.ActiveID()
	if chatID == "" || model.IsDraftID(chatID) {
		return fmt.Errorf("chat.PinMessage: no active conversation: %w", ErrValidation)
	}
	msg, ok := c.ledger.Get(messageID)
	if !ok || msg.ChatID != chatID {
		return fmt.Errorf("chat.PinMessage: message %s not in %s: %w", messageID, chatID, ErrValidation)
	}
	if strings.HasPrefix(messageID, tempIDPrefix) {
		return fmt.Errorf("chat.PinMessage: message %s not yet confirmed: %w", messageID, ErrValidation)
	}
	pin, err := c.api.PinMessage(ctx, chatID, rest.PinMessageRequest{
		MessageID:    messageID,
		DisplayOrder: len(c.ledger.PinnedMessages(chatID)),
	})
	if err != nil {
		return fmt.Errorf("chat.PinMessage: %w", err)
	}
	c.ledger.PinMessage(*pin)
	return nil
}

// UnpinMessage removes a message from the active conversation's pinned list.
func (c *Controller) UnpinMessage(ctx context.Context, messageID string) error {
	chatID := c.dir.ActiveID()
	if chatID == "" || model.IsDraftID(chatID) {
		return fmt.Errorf("chat.UnpinMessage: no active conversation: %w", ErrValidation)
	}
	if err := c.api.UnpinMessage(ctx, chatID, messageID); err != nil {
		return fmt.Errorf("chat.UnpinMessage: %w", err)
	}
	c.ledger.UnpinMessage(chatID, messageID)
	return nil
}

// StartTyping signals typing activity in the active conversation. Debounced:
// repeated calls within the window rearm the stop timer instead of re-emitting.
func (c *Controller) StartTyping() {
	if chatID := c.dir.ActiveID(); chatID != "" && !model.IsDraftID(chatID) {
		c.typing.keystroke(chatID)
	}
}

// StopTyping force-emits typing-stop for the active conversation.
func (c *Controller) StopTyping() {
	c.typing.stopCurrent()
}

func (c *Controller) publishTyping(chatID string, typing bool) {
	err := c.tr.Publish(typingDest, model.TypingEvent{
		ChatID: chatID,
		UserID: c.selfID,
		Typing: typing,
	})
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		logger.Errorf("publish typing: %v", err)
	}
}

// ensureSubscribed records subscription intent for chatID and, when the
// transport is connected, opens the message and typing channels once.
// Draft conversations never subscribe: no server-side channel exists.
func (c *Controller) ensureSubscribed(chatID string) {
	if model.IsDraftID(chatID) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intent[chatID] = struct{}{}
	c.subscribeLocked(chatID)
}

func (c *Controller) subscribeLocked(chatID string) {
	if len(c.subs[chatID]) > 0 || c.tr.State() != transport.StateConnected {
		return
	}
	msgSub := c.tr.Subscribe(chatMessagesDest(chatID), func(body []byte) {
		c.handleChatEvent(chatID, body)
	})
	typSub := c.tr.Subscribe(chatTypingDest(chatID), c.handleTypingEvent)
	if msgSub == "" && typSub == "" {
		return // transport dropped between the state check and the call
	}
	c.subs[chatID] = []string{msgSub, typSub}
}

// resubscribeAll replays subscription intent after a (re)connect. The
// transport wiped its channel bookkeeping, so this never duplicates handlers.
func (c *Controller) resubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = make(map[string][]string)
	c.userSub = c.tr.Subscribe(userEventsDest, c.handleUserEvent)
	for chatID := range c.intent {
		c.subscribeLocked(chatID)
	}
	logger.Infof("resubscribed %d conversations", len(c.intent))
}

// handleChatEvent processes one event from a per-chat message destination.
func (c *Controller) handleChatEvent(chatID string, body []byte) {
	var ev model.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Errorf("chat event decode: %v", err)
		return
	}
	switch ev.Type {
	case model.EventMessageNew, model.EventMessageSent:
		var msg model.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			logger.Errorf("chat event message decode: %v", err)
			return
		}
		c.applyInboundMessage(msg)
	case model.EventMessageEdited:
		var p model.MessageEditedEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("chat event edit decode: %v", err)
			return
		}
		editedAt, err := time.Parse(time.RFC3339, p.EditedAt)
		if err != nil {
			editedAt = time.Now().UTC()
		}
		c.ledger.ApplyEdit(p.MessageID, p.Body, editedAt)
	case model.EventMessageDeleted:
		var p model.MessageDeletedEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("chat event delete decode: %v", err)
			return
		}
		c.ledger.ApplyDelete(p.MessageID)
	case model.EventMessagePinned:
		var p model.MessagePinnedEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("chat event pin decode: %v", err)
			return
		}
		pinnedAt, err := time.Parse(time.RFC3339, p.PinnedAt)
		if err != nil {
			pinnedAt = time.Now().UTC()
		}
		c.ledger.PinMessage(model.PinnedMessage{
			ChatID:       chatID,
			MessageID:    p.MessageID,
			PinnedBy:     p.PinnedBy,
			PinnedAt:     pinnedAt,
			DisplayOrder: p.DisplayOrder,
		})
	case model.EventMessageUnpinned:
		var p model.MessageUnpinnedEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("chat event unpin decode: %v", err)
			return
		}
		c.ledger.UnpinMessage(chatID, p.MessageID)
	case model.EventReactionAdded, model.EventReactionRemoved:
		var p model.ReactionEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("chat event reaction decode: %v", err)
			return
		}
		c.ledger.ApplyReaction(p.MessageID, p.Emoji, p.UserID, ev.Type == model.EventReactionAdded)
	default:
		logger.Debugf("chat event %s ignored on %s", ev.Type, chatID)
	}
}

// applyInboundMessage is the inbound real-time path: append, update the
// directory preview, move the conversation to the front, and bump unread
// unless active. Self-authored echoes are suppressed — they are already
// represented by the optimistic entry (keyed on authorship, not content).
func (c *Controller) applyInboundMessage(msg model.Message) {
	if msg.AuthorID == c.selfID {
		logger.Debugf("self echo suppressed msg=%s", msg.ID)
		return
	}
	msg.DeliveryState = model.DeliveryConfirmed
	c.ledger.Append(msg)

	if _, known := c.dir.Get(msg.ChatID); !known {
		c.synthesizeConversation(msg)
		return
	}
	c.dir.SetLastMessage(msg.ChatID, preview(&msg), msg.CreatedAt)
	c.dir.MoveToFront(msg.ChatID)
	c.dir.IncrementUnread(msg.ChatID)
	// A message implies the author stopped typing.
	c.ledger.SetTyping(msg.ChatID, msg.AuthorID, false)
}

// synthesizeConversation handles the first message from a new counterpart:
// a directory entry is built immediately (best-effort title via the user
// lookup) instead of waiting for a REST refresh.
func (c *Controller) synthesizeConversation(msg model.Message) {
	title := msg.AuthorID
	if c.lookupUser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if u, err := c.lookupUser(ctx, msg.AuthorID); err == nil && u != nil {
			title = u.DisplayName()
		} else if err != nil {
			logger.Errorf("user lookup %s: %v", msg.AuthorID, err)
		}
		cancel()
	}
	c.dir.Upsert(model.Conversation{
		ID:                 msg.ChatID,
		ChatType:           model.ChatTypePrivate,
		Title:              title,
		ParticipantIDs:     []string{c.selfID, msg.AuthorID},
		LastMessagePreview: preview(&msg),
		LastMessageAt:      msg.CreatedAt,
		UnreadCount:        1,
		CreatedAt:          msg.CreatedAt,
		UpdatedAt:          msg.CreatedAt,
	})
	c.ensureSubscribed(msg.ChatID)
	logger.Infof("synthesized conversation %s from message %s", msg.ChatID, msg.ID)
}

// handleTypingEvent processes an inbound typing signal.
func (c *Controller) handleTypingEvent(body []byte) {
	var ev model.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Errorf("typing event decode: %v", err)
		return
	}
	var p model.TypingEvent
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		logger.Errorf("typing payload decode: %v", err)
		return
	}
	if p.UserID == c.selfID {
		return
	}
	typing := p.Typing || ev.Type == model.EventTypingStart
	if ev.Type == model.EventTypingStop {
		typing = false
	}
	c.ledger.SetTyping(p.ChatID, p.UserID, typing)
}

// handleUserEvent processes the personal events destination.
func (c *Controller) handleUserEvent(body []byte) {
	var ev model.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Errorf("user event decode: %v", err)
		return
	}
	switch ev.Type {
	case model.EventChatCreated:
		var conv model.Conversation
		if err := json.Unmarshal(ev.Payload, &conv); err != nil {
			logger.Errorf("chat.created decode: %v", err)
			return
		}
		c.dir.Upsert(conv)
		c.ensureSubscribed(conv.ID)
	case model.EventMessageNew:
		var msg model.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			logger.Errorf("user event message decode: %v", err)
			return
		}
		c.applyInboundMessage(msg)
	default:
		logger.Debugf("user event %s ignored", ev.Type)
	}
}

// Close stops the typing timer and clears the subscription bookkeeping.
// The transport itself is owned by the caller.
func (c *Controller) Close() {
	c.typing.stopCurrent()
	c.mu.Lock()
	c.intent = make(map[string]struct{})
	c.subs = make(map[string][]string)
	c.mu.Unlock()
}

// preview is the directory's one-line rendering of a message.
func preview(m *model.Message) string {
	if m.ContentType != model.ContentTypeText && m.ContentType != "" {
		return "[" + string(m.ContentType) + "]"
	}
	const max = 120
	if len(m.Body) > max {
		return m.Body[:max-3] + "..."
	}
	return m.Body
}
