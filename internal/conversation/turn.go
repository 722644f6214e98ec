// Package conversation holds the transcript model shared by the coordinator
// and the language-model providers.
package conversation

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced a turn
type Speaker string

const (
	SpeakerCustomer Speaker = "customer"
	SpeakerAgent    Speaker = "agent"
)

// Turn is one contribution to the conversation
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Interrupted marks an agent turn cut short by the customer
	Interrupted bool `json:"interrupted,omitempty"`
	// TextOnly marks an agent turn that could not be voiced
	TextOnly bool `json:"text_only,omitempty"`
}

// History is an append-only transcript. Window returns bounded copies so
// providers never see the live slice.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewHistory creates an empty history
func NewHistory() *History {
	return &History{}
}

// Append adds a turn; empty text is ignored
func (h *History) Append(turn Turn) {
	if strings.TrimSpace(turn.Text) == "" {
		return
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.turns = append(h.turns, turn)
	h.mu.Unlock()
}

// Window returns a copy of the last n turns, or all turns when n <= 0
func (h *History) Window(n int) []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if n > 0 && len(h.turns) > n {
		start = len(h.turns) - n
	}
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// Len returns the number of turns
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// LastLanguage returns the most recent non-empty language tag, or fallback
func (h *History) LastLanguage(fallback string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Language != "" {
			return h.turns[i].Language
		}
	}
	return fallback
}
