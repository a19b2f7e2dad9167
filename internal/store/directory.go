// Package store holds the two pieces of mutable client state: the chat
// directory (ordered conversation list) and the message ledger. All methods
// are safe for concurrent use; operations on unknown IDs are logged no-ops.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/messenger-client/internal/logger"
	"github.com/messenger-client/internal/model"
)

// Directory is the ordered list of conversations plus the active selection.
type Directory struct {
	mu       sync.RWMutex
	order    []*model.Conversation
	index    map[string]*model.Conversation
	activeID string
}

func NewDirectory() *Directory {
	return &Directory{index: make(map[string]*model.Conversation)}
}

// List returns conversations sorted pinned-first, then by most recent
// activity. Ties keep their current relative order.
func (d *Directory) List() []model.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Conversation, 0, len(d.order))
	for _, c := range d.order {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Get returns a copy of the conversation.
func (d *Directory) Get(id string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.index[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// Upsert inserts at the head if the ID is new, otherwise merges the non-zero
// data fields of the partial update into the existing entry. Unread count and
// pin/mute flags are managed by their dedicated methods and never merged.
func (d *Directory) Upsert(c model.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.index[c.ID]
	if !ok {
		cp := c
		d.index[c.ID] = &cp
		d.order = append([]*model.Conversation{&cp}, d.order...)
		return
	}
	if c.Title != "" {
		existing.Title = c.Title
	}
	if c.ChatType != "" {
		existing.ChatType = c.ChatType
	}
	if len(c.ParticipantIDs) > 0 {
		existing.ParticipantIDs = c.ParticipantIDs
	}
	if c.LastMessagePreview != "" {
		existing.LastMessagePreview = c.LastMessagePreview
	}
	if !c.LastMessageAt.IsZero() {
		existing.LastMessageAt = c.LastMessageAt
	}
	if !c.CreatedAt.IsZero() {
		existing.CreatedAt = c.CreatedAt
	}
	if !c.UpdatedAt.IsZero() {
		existing.UpdatedAt = c.UpdatedAt
	}
}

// ReplaceDraft atomically swaps a draft entry for the server-confirmed
// conversation, preserving list position and re-pointing the active selection
// if the draft was active. If the real ID is already present the draft is
// simply dropped.
func (d *Directory) ReplaceDraft(draftID string, real model.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	draft, ok := d.index[draftID]
	if !ok {
		logger.Infof("directory: replaceDraft unknown draft %s", draftID)
		return
	}
	wasActive := d.activeID == draftID

	if _, exists := d.index[real.ID]; exists {
		d.removeLocked(draftID)
		if wasActive {
			d.activeID = real.ID
		}
		return
	}

	real.IsDraft = false
	*draft = real // in place: position in order is untouched
	delete(d.index, draftID)
	d.index[real.ID] = draft
	if wasActive {
		d.activeID = real.ID
	}
}

// SetActive marks the conversation selected and resets its unread counter.
func (d *Directory) SetActive(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.index[id]
	if !ok {
		logger.Infof("directory: setActive unknown chat %s", id)
		return
	}
	d.activeID = id
	c.UnreadCount = 0
}

func (d *Directory) ActiveID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeID
}

// IncrementUnread bumps the unread counter unless the conversation is active.
func (d *Directory) IncrementUnread(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == d.activeID {
		return
	}
	c, ok := d.index[id]
	if !ok {
		logger.Infof("directory: incrementUnread unknown chat %s", id)
		return
	}
	c.UnreadCount++
}

// MoveToFront relocates the conversation to the head of the list without
// touching its other fields.
func (d *Directory) MoveToFront(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.order {
		if c.ID == id {
			copy(d.order[1:i+1], d.order[:i])
			d.order[0] = c
			return
		}
	}
	logger.Infof("directory: moveToFront unknown chat %s", id)
}

// TogglePin flips the pinned flag.
func (d *Directory) TogglePin(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.index[id]; ok {
		c.Pinned = !c.Pinned
		return
	}
	logger.Infof("directory: togglePin unknown chat %s", id)
}

// ToggleMute flips the muted flag.
func (d *Directory) ToggleMute(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.index[id]; ok {
		c.Muted = !c.Muted
		return
	}
	logger.Infof("directory: toggleMute unknown chat %s", id)
}

// Remove deletes the conversation (explicit leave/delete).
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.index[id]; !ok {
		logger.Infof("directory: remove unknown chat %s", id)
		return
	}
	d.removeLocked(id)
}

func (d *Directory) removeLocked(id string) {
	delete(d.index, id)
	for i, c := range d.order {
		if c.ID == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if d.activeID == id {
		d.activeID = ""
	}
}

// FindPrivateWith returns the non-draft private conversation whose
// participants include userID. At most one such conversation exists.
func (d *Directory) FindPrivateWith(userID string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.order {
		if c.ChatType == model.ChatTypePrivate && !c.IsDraft && c.HasParticipant(userID) {
			return *c, true
		}
	}
	return model.Conversation{}, false
}

// SetLastMessage updates the preview and activity timestamp.
func (d *Directory) SetLastMessage(id, preview string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.index[id]
	if !ok {
		logger.Infof("directory: setLastMessage unknown chat %s", id)
		return
	}
	c.LastMessagePreview = preview
	c.LastMessageAt = at
	c.UpdatedAt = at
}

// Reset drops all state (logout).
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = nil
	d.index = make(map[string]*model.Conversation)
	d.activeID = ""
}
