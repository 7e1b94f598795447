package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Exchange is one completed turn: what the user said and what the avatar
// spoke back.
type Exchange struct {
	TurnID       string    `json:"turnId"`
	SessionID    string    `json:"sessionId"`
	UserText     string    `json:"userText"`
	ReplyText    string    `json:"replyText"`
	RelatedQuery bool      `json:"relatedQuery"`
	Timestamp    time.Time `json:"timestamp"`
}

// History keeps the most recent exchanges of the current session.
type History struct {
	mu           sync.RWMutex
	exchanges    []Exchange
	maxExchanges int
}

// NewHistory creates a history retaining at most maxExchanges entries
// (default 10).
func NewHistory(maxExchanges int) *History {
	if maxExchanges <= 0 {
		maxExchanges = 10
	}
	return &History{
		exchanges:    make([]Exchange, 0, maxExchanges),
		maxExchanges: maxExchanges,
	}
}

// Add records an exchange, dropping the oldest ones beyond the limit.
func (h *History) Add(ex Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now()
	}
	h.exchanges = append(h.exchanges, ex)

	// Trim to max size
	if len(h.exchanges) > h.maxExchanges {
		h.exchanges = h.exchanges[len(h.exchanges)-h.maxExchanges:]
	}
}

// Exchanges returns a copy of the retained exchanges, oldest first.
func (h *History) Exchanges() []Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Exchange, len(h.exchanges))
	copy(out, h.exchanges)
	return out
}

// Last returns the most recent exchange.
func (h *History) Last() (Exchange, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.exchanges) == 0 {
		return Exchange{}, false
	}
	return h.exchanges[len(h.exchanges)-1], true
}

// Len returns the number of retained exchanges.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.exchanges)
}

// Clear drops every exchange.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchanges = h.exchanges[:0]
}

// Transcript formats the history for display, truncating long replies.
func (h *History) Transcript() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.exchanges) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, ex := range h.exchanges {
		fmt.Fprintf(&sb, "[%d] User: %s\n", i+1, ex.UserText)
		reply := ex.ReplyText
		if len([]rune(reply)) > 200 {
			reply = string([]rune(reply)[:200]) + "..."
		}
		fmt.Fprintf(&sb, "[%d] Avatar: %s\n", i+1, reply)
	}
	return sb.String()
}
