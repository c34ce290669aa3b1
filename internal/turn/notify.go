package turn

import (
	"sync"
	"time"
)

// NotificationKind discriminates [Notification] values.
type NotificationKind int

const (
	// NotifyState reports a state change. State holds the new state.
	NotifyState NotificationKind = iota + 1

	// NotifyUserText carries the live transcript of the user's utterance.
	NotifyUserText

	// NotifyAssistantText carries an assistant text delta.
	NotifyAssistantText

	// NotifyBargeIn reports that the user interrupted the reply.
	NotifyBargeIn

	// NotifyError reports a failed reply or synthesis.
	NotifyError
)

// String returns the snake_case name of the kind.
func (k NotificationKind) String() string {
	switch k {
	case NotifyState:
		return "state"
	case NotifyUserText:
		return "user_text"
	case NotifyAssistantText:
		return "assistant_text"
	case NotifyBargeIn:
		return "barge_in"
	case NotifyError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is an observation for a UI sink. Every notification is tagged
// with the turn it belongs to.
type Notification struct {
	Kind  NotificationKind
	Turn  ID
	State State
	Text  string
	Err   error
	At    time.Time
}

// subscriberBuffer is the channel capacity of each subscriber.
const subscriberBuffer = 64

// hub fans notifications out to subscribers without blocking the publisher.
type hub struct {
	mu     sync.Mutex
	subs   []chan Notification
	closed bool
}

func (h *hub) subscribe() <-chan Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Notification, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	h.subs = append(h.subs, ch)
	return ch
}

// publish delivers n to every subscriber with room for it. Slow subscribers
// miss notifications.
func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
