package session

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not started")

const idPrefix = "client_session_"

// Session is the widget's identity towards the agent. The ID is created on the
// first connection attempt and reused for every reconnect; only AudioMode
// changes between connections.
type Session struct {
	ID              string    `json:"session_id"`
	AudioMode       bool      `json:"audio_mode"`
	CreatedAt       time.Time `json:"created_at"`
	Connections     int       `json:"connections"`
	LastConnectedAt time.Time `json:"last_connected_at"`
}

// URL builds {base}/ws/agent_stream/{id}?is_audio={mode}.
func (s *Session) URL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse agent base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("agent base url scheme must be ws or wss, got %q", u.Scheme)
	}
	u.Path = u.Path + "/ws/agent_stream/" + url.PathEscape(s.ID)
	u.RawQuery = "is_audio=" + strconv.FormatBool(s.AudioMode)
	return u.String(), nil
}

// Tracker owns the single Session of a widget lifetime.
type Tracker struct {
	mu      sync.RWMutex
	current *Session
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// BeginConnection creates the session on first use and records a connection
// attempt in the requested mode.
func (t *Tracker) BeginConnection(audio bool) *Session {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		t.current = &Session{
			ID:        idPrefix + uuid.NewString(),
			CreatedAt: now,
		}
	}
	t.current.AudioMode = audio
	t.current.Connections++
	t.current.LastConnectedAt = now
	return clone(t.current)
}

func (t *Tracker) Get() (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil, ErrNotFound
	}
	return clone(t.current), nil
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
