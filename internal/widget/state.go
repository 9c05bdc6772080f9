// Package widget is the storefront assistant's session manager. All widget
// state lives in one State record that is only mutated by Apply on the
// runtime's event loop.
package widget

import (
	"time"

	"github.com/ent0n29/shopassist/internal/coordinator"
)

// DefaultGreeting is sent once, on the first text-mode connection.
const DefaultGreeting = "Hello, how can you assist me with gardening?"

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Open
)

func (c ConnState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "disconnected"
	}
}

// Settings are the widget's timing knobs.
type Settings struct {
	Greeting          string
	ContinuationDelay time.Duration
	UIGracePeriod     time.Duration
	ResumeIgnore      time.Duration
	// MaxTurnDefer bounds how long a turn signal may stay deferred.
	MaxTurnDefer time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Greeting:          DefaultGreeting,
		ContinuationDelay: 350 * time.Millisecond,
		UIGracePeriod:     3500 * time.Millisecond,
		ResumeIgnore:      150 * time.Millisecond,
		MaxTurnDefer:      10 * time.Second,
	}
}

// StagedImage is an uploaded image waiting for a text query.
type StagedImage struct {
	Name     string
	MimeType string
	// Data is base64 encoded.
	Data  string
	Label string
}

type State struct {
	Settings Settings

	WidgetOpen bool
	Conn       ConnState
	Generation uint64

	// AudioDesired is the user's intent; AudioConnection is the mode the
	// current connection was dialed with.
	AudioDesired    bool
	AudioConnection bool
	InputEnabled    bool
	GreetingSent    bool

	Mic         coordinator.Coordinator
	MicStarting bool

	// AgentBubble is the transcript id of the in-progress agent message, 0 when none.
	AgentBubble int
	AgentText   string

	PlaybackPending     bool
	UIGracePending      bool
	DeferredTurn        bool
	ContinuationPending bool

	Staged      *StagedImage
	Identifying *StagedImage
	identifySeq uint64

	lastEntryID int
}

func NewState(settings Settings) *State {
	return &State{
		Settings: settings,
		Mic:      coordinator.New(settings.ResumeIgnore),
	}
}

func (s *State) nextEntryID() int {
	s.lastEntryID++
	return s.lastEntryID
}

// Snapshot is a read-only view of State for the control API.
type Snapshot struct {
	WidgetOpen      bool   `json:"widget_open"`
	Connection      string `json:"connection"`
	Generation      uint64 `json:"generation"`
	AudioDesired    bool   `json:"audio_desired"`
	AudioConnection bool   `json:"audio_connection"`
	InputEnabled    bool   `json:"input_enabled"`
	GreetingSent    bool   `json:"greeting_sent"`
	MicPhase        string `json:"mic_phase"`
	AgentBubble     int    `json:"agent_bubble"`
	PlaybackPending bool   `json:"playback_pending"`
	UIGracePending  bool   `json:"ui_grace_pending"`
	DeferredTurn    bool   `json:"deferred_turn"`
	StagedImage     string `json:"staged_image,omitempty"`
	StagedLabel     string `json:"staged_label,omitempty"`
	Identifying     string `json:"identifying,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
}

func (s *State) Snapshot() Snapshot {
	out := Snapshot{
		WidgetOpen:      s.WidgetOpen,
		Connection:      s.Conn.String(),
		Generation:      s.Generation,
		AudioDesired:    s.AudioDesired,
		AudioConnection: s.AudioConnection,
		InputEnabled:    s.InputEnabled,
		GreetingSent:    s.GreetingSent,
		MicPhase:        s.Mic.Phase().String(),
		AgentBubble:     s.AgentBubble,
		PlaybackPending: s.PlaybackPending,
		UIGracePending:  s.UIGracePending,
		DeferredTurn:    s.DeferredTurn,
	}
	if s.Staged != nil {
		out.StagedImage = s.Staged.Name
		out.StagedLabel = s.Staged.Label
	}
	if s.Identifying != nil {
		out.Identifying = s.Identifying.Name
	}
	return out
}
