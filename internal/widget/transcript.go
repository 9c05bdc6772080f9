package widget

import (
	"sync"
	"time"

	"github.com/ent0n29/shopassist/internal/protocol"
)

type Role string

const (
	RoleUser            Role = "user"
	RoleAgent           Role = "agent"
	RoleSystem          Role = "system"
	RoleError           Role = "error"
	RoleRecommendations Role = "recommendations"
	RoleSuggestion      Role = "suggestion"
)

// Entry is one chat bubble or notice.
type Entry struct {
	ID              int                       `json:"id"`
	Role            Role                      `json:"role"`
	Text            string                    `json:"text"`
	Image           string                    `json:"image,omitempty"`
	Recommendations *protocol.Recommendations `json:"recommendations,omitempty"`
	At              time.Time                 `json:"at"`
}

// Transcript is the chat history. It is written by the event loop and read by
// the control API.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[int]int
}

func NewTranscript() *Transcript {
	return &Transcript{index: make(map[int]int)}
}

func (t *Transcript) apply(op TranscriptOp, e Entry, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch op {
	case OpAdd:
		e.At = now
		t.index[e.ID] = len(t.entries)
		t.entries = append(t.entries, e)
	case OpAppend, OpReplace:
		i, ok := t.index[e.ID]
		if !ok {
			return
		}
		if op == OpAppend {
			t.entries[i].Text += e.Text
		} else {
			t.entries[i].Text = e.Text
		}
	}
}

// Entries returns a copy of the history.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// ByRole filters the history.
func (t *Transcript) ByRole(role Role) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.entries {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}
