package chat

import (
	"sync"
	"time"
)

// typingState is the outbound typing indicator: a small idle → typing → idle
// machine driven by a single rearmable timer. A start signal is published only
// on the idle → typing edge; every further keystroke rearms the timer, and
// stop is published once when it fires or the user switches away.
type typingState struct {
	mu        sync.Mutex
	active    bool
	chatID    string
	timer     *time.Timer
	stopDelay time.Duration
	publish   func(chatID string, typing bool)
}

func newTypingState(stopDelay time.Duration, publish func(chatID string, typing bool)) *typingState {
	if stopDelay <= 0 {
		stopDelay = 4 * time.Second
	}
	return &typingState{stopDelay: stopDelay, publish: publish}
}

// keystroke registers typing activity in chatID. Rearms rather than stacks:
// there is never more than one pending stop timer.
func (t *typingState) keystroke(chatID string) {
	if chatID == "" {
		return
	}
	t.mu.Lock()
	if t.active && t.chatID == chatID {
		t.timer.Reset(t.stopDelay)
		t.mu.Unlock()
		return
	}
	var stopPrev string
	if t.active {
		stopPrev = t.chatID
		t.timer.Stop()
	}
	t.active = true
	t.chatID = chatID
	t.timer = time.AfterFunc(t.stopDelay, func() { t.stop(chatID) })
	t.mu.Unlock()

	if stopPrev != "" {
		t.publish(stopPrev, false)
	}
	t.publish(chatID, true)
}

// stop emits typing-stop if chatID is the chat currently marked typing.
func (t *typingState) stop(chatID string) {
	t.mu.Lock()
	if !t.active || t.chatID != chatID {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer.Stop()
	t.mu.Unlock()

	t.publish(chatID, false)
}

// stopCurrent emits typing-stop for whatever chat is typing, if any.
func (t *typingState) stopCurrent() {
	t.mu.Lock()
	chatID := ""
	if t.active {
		chatID = t.chatID
	}
	t.mu.Unlock()
	if chatID != "" {
		t.stop(chatID)
	}
}
