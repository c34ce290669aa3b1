package engine

import (
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

// DefaultHistoryTurns is the number of exchanges kept when no limit is given.
const DefaultHistoryTurns = 8

// History is a bounded, role-tagged conversation log. The oldest exchanges
// are evicted once more than the configured number of turns is stored.
//
// History is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	turns int
	msgs  []chat.Message
}

// NewHistory returns a History keeping at most turns exchanges. A
// non-positive value selects [DefaultHistoryTurns].
func NewHistory(turns int) *History {
	if turns <= 0 {
		turns = DefaultHistoryTurns
	}
	return &History{turns: turns}
}

// Add appends one exchange. Empty sides are skipped.
func (h *History) Add(user, assistant string) {
	user = strings.TrimSpace(user)
	assistant = strings.TrimSpace(assistant)
	if user == "" && assistant == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if user != "" {
		h.msgs = append(h.msgs, chat.Message{Role: chat.RoleUser, Text: user})
	}
	if assistant != "" {
		h.msgs = append(h.msgs, chat.Message{Role: chat.RoleAssistant, Text: assistant})
	}
	if limit := h.turns * 2; len(h.msgs) > limit {
		h.msgs = append([]chat.Message(nil), h.msgs[len(h.msgs)-limit:]...)
	}
}

// Messages returns a copy of the stored messages, oldest first.
func (h *History) Messages() []chat.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]chat.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Reset forgets everything.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
}
