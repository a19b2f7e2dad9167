package store

import (
	"sort"
	"sync"
	"time"

	"github.com/messenger-client/internal/logger"
	"github.com/messenger-client/internal/model"
)

// DefaultTypingExpiry is how long an inbound typing signal survives without a
// stop event. Defense against a dropped "stop typing" on a flaky channel.
const DefaultTypingExpiry = 10 * time.Second

// Ledger holds messages per conversation in chronological order (CreatedAt,
// ties by insertion sequence) plus the transient per-chat typing sets.
type Ledger struct {
	mu     sync.Mutex
	byChat map[string][]*model.Message
	byID   map[string]*model.Message
	pinned map[string][]model.PinnedMessage
	seq    uint64

	typingExpiry time.Duration
	typing       map[string]map[string]*time.Timer
}

func NewLedger(typingExpiry time.Duration) *Ledger {
	if typingExpiry <= 0 {
		typingExpiry = DefaultTypingExpiry
	}
	return &Ledger{
		byChat:       make(map[string][]*model.Message),
		byID:         make(map[string]*model.Message),
		pinned:       make(map[string][]model.PinnedMessage),
		typingExpiry: typingExpiry,
		typing:       make(map[string]map[string]*time.Timer),
	}
}

// Append inserts the message preserving chronological order within its chat.
// Re-appending an existing ID replaces the entry in place, so delivery
// retries are idempotent.
func (l *Ledger) Append(m model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byID[m.ID]; ok {
		seq := existing.Seq
		*existing = m
		existing.Seq = seq
		return
	}
	l.seq++
	m.Seq = l.seq
	cp := &m

	msgs := l.byChat[m.ChatID]
	// Insertion point: after every message with CreatedAt <= ours, so that
	// equal timestamps keep arrival order.
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(cp.CreatedAt)
	})
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = cp
	l.byChat[m.ChatID] = msgs
	l.byID[m.ID] = cp
}

// ReconcileOptimistic swaps a pending message's temporary identity for the
// server-confirmed record without changing its position. If the confirmed ID
// already landed via the real-time channel the temporary entry is dropped.
func (l *Ledger) ReconcileOptimistic(tempID string, confirmed model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.byID[tempID]
	if !ok {
		logger.Infof("ledger: reconcile unknown temp id %s", tempID)
		return
	}
	if _, dup := l.byID[confirmed.ID]; dup && confirmed.ID != tempID {
		l.removeLocked(tempID)
		return
	}
	seq := entry.Seq
	*entry = confirmed
	entry.Seq = seq
	entry.DeliveryState = model.DeliveryConfirmed
	delete(l.byID, tempID)
	l.byID[confirmed.ID] = entry
}

// MarkFailed flags a pending message as failed (kept visible for resend UI).
func (l *Ledger) MarkFailed(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok {
		logger.Infof("ledger: markFailed unknown id %s", id)
		return
	}
	m.DeliveryState = model.DeliveryFailed
}

// Remove evicts a message entirely (failed optimistic send cleanup).
func (l *Ledger) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[id]; !ok {
		logger.Infof("ledger: remove unknown id %s", id)
		return
	}
	l.removeLocked(id)
}

func (l *Ledger) removeLocked(id string) {
	m := l.byID[id]
	delete(l.byID, id)
	msgs := l.byChat[m.ChatID]
	for i, entry := range msgs {
		if entry.ID == id {
			l.byChat[m.ChatID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

// MessagesFor returns the chat's messages in stable chronological order.
func (l *Ledger) MessagesFor(chatID string) []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.byChat[chatID]
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out
}

// Get returns a copy of one message.
func (l *Ledger) Get(id string) (model.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// ApplyEdit updates body/editedAt on an existing message.
func (l *Ledger) ApplyEdit(id, body string, editedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok {
		logger.Infof("ledger: edit unknown id %s", id)
		return
	}
	m.Body = body
	m.EditedAt = &editedAt
}

// ApplyDelete soft-deletes a message.
func (l *Ledger) ApplyDelete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok {
		logger.Infof("ledger: delete unknown id %s", id)
		return
	}
	m.Deleted = true
}

// ApplyReaction adds or removes userID under emoji, with set semantics.
func (l *Ledger) ApplyReaction(id, emoji, userID string, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok {
		logger.Infof("ledger: reaction unknown id %s", id)
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := m.Reactions[emoji]
	idx := -1
	for i, u := range users {
		if u == userID {
			idx = i
			break
		}
	}
	switch {
	case add && idx < 0:
		m.Reactions[emoji] = append(users, userID)
	case !add && idx >= 0:
		users = append(users[:idx], users[idx+1:]...)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
	}
}

// PinMessage adds the message to its chat's pinned list. Re-pinning the same
// message replaces the entry in place, so delivery retries are idempotent.
func (l *Ledger) PinMessage(p model.PinnedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pins := l.pinned[p.ChatID]
	for i := range pins {
		if pins[i].MessageID == p.MessageID {
			pins[i] = p
			return
		}
	}
	l.pinned[p.ChatID] = append(pins, p)
}

// UnpinMessage removes one entry from the chat's pinned list. Unknown pairs
// are logged no-ops.
func (l *Ledger) UnpinMessage(chatID, messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pins := l.pinned[chatID]
	for i := range pins {
		if pins[i].MessageID == messageID {
			l.pinned[chatID] = append(pins[:i], pins[i+1:]...)
			if len(l.pinned[chatID]) == 0 {
				delete(l.pinned, chatID)
			}
			return
		}
	}
	logger.Infof("ledger: unpin unknown message %s in %s", messageID, chatID)
}

// SetPinned replaces the chat's pinned list wholesale (REST refresh).
func (l *Ledger) SetPinned(chatID string, pins []model.PinnedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(pins) == 0 {
		delete(l.pinned, chatID)
		return
	}
	l.pinned[chatID] = append([]model.PinnedMessage{}, pins...)
}

// PinnedMessages returns the chat's pinned list ordered by DisplayOrder,
// ties by PinnedAt (newest first).
func (l *Ledger) PinnedMessages(chatID string) []model.PinnedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]model.PinnedMessage{}, l.pinned[chatID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].PinnedAt.After(out[j].PinnedAt)
	})
	return out
}

// IsPinned reports whether the message is in the chat's pinned list.
func (l *Ledger) IsPinned(chatID, messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.pinned[chatID] {
		if p.MessageID == messageID {
			return true
		}
	}
	return false
}

// SetTyping maintains the transient typing set for a chat. A start signal
// (re)arms an expiry timer so a lost stop signal cannot leave a user typing
// forever.
func (l *Ledger) SetTyping(chatID, userID string, isTyping bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chatTyping := l.typing[chatID]
	if isTyping {
		if chatTyping == nil {
			chatTyping = make(map[string]*time.Timer)
			l.typing[chatID] = chatTyping
		}
		if t, ok := chatTyping[userID]; ok {
			t.Stop()
		}
		chatTyping[userID] = time.AfterFunc(l.typingExpiry, func() {
			l.SetTyping(chatID, userID, false)
		})
		return
	}
	if chatTyping == nil {
		return
	}
	if t, ok := chatTyping[userID]; ok {
		t.Stop()
		delete(chatTyping, userID)
	}
	if len(chatTyping) == 0 {
		delete(l.typing, chatID)
	}
}

// TypingUsers returns the currently-typing user IDs for a chat, sorted.
func (l *Ledger) TypingUsers(chatID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	chatTyping := l.typing[chatID]
	out := make([]string, 0, len(chatTyping))
	for id := range chatTyping {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset drops all state (logout).
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byChat = make(map[string][]*model.Message)
	l.byID = make(map[string]*model.Message)
	l.pinned = make(map[string][]model.PinnedMessage)
	for _, chatTyping := range l.typing {
		for _, t := range chatTyping {
			t.Stop()
		}
	}
	l.typing = make(map[string]map[string]*time.Timer)
}
