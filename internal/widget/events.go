package widget

import (
	"time"

	"github.com/ent0n29/shopassist/internal/audio"
	"github.com/ent0n29/shopassist/internal/protocol"
	"github.com/ent0n29/shopassist/internal/timers"
)

// Event is an input to Apply.
type Event interface{ isEvent() }

type (
	OpenRequested  struct{}
	CloseRequested struct{}
	ToggleAudio    struct{ On bool }
	SendText       struct{ Text string }

	ConnOpened  struct{ Gen uint64 }
	ConnMessage struct {
		Gen  uint64
		Data []byte
	}
	ConnClosed struct {
		Gen  uint64
		Code int
	}
	ConnErrored struct {
		Gen uint64
		Err error
	}

	MicStarted struct {
		Gen    uint64
		Stream audio.MicStream
	}
	MicFailed struct {
		Gen uint64
		Err error
	}
	CaptureFrame     struct{ Frame audio.Frame }
	PlaybackFinished struct{ At time.Time }

	// TimerFired is only applied for fires the timer set accepted.
	TimerFired struct {
		Purpose timers.Purpose
		At      time.Time
	}

	HostMessage struct{ Msg protocol.HostMessage }

	StageImage struct {
		Name     string
		MimeType string
		Data     []byte
	}
	IdentifyResult struct {
		Token uint64
		Label string
		Err   error
	}
	ClearStaged struct{}

	// SendFailed reports an outbound write the connection refused.
	SendFailed struct {
		Gen   uint64
		Audio bool
		Err   error
	}
)

func (OpenRequested) isEvent()    {}
func (CloseRequested) isEvent()   {}
func (ToggleAudio) isEvent()      {}
func (SendText) isEvent()         {}
func (ConnOpened) isEvent()       {}
func (ConnMessage) isEvent()      {}
func (ConnClosed) isEvent()       {}
func (ConnErrored) isEvent()      {}
func (MicStarted) isEvent()       {}
func (MicFailed) isEvent()        {}
func (CaptureFrame) isEvent()     {}
func (PlaybackFinished) isEvent() {}
func (TimerFired) isEvent()       {}
func (HostMessage) isEvent()      {}
func (StageImage) isEvent()       {}
func (IdentifyResult) isEvent()   {}
func (ClearStaged) isEvent()      {}
func (SendFailed) isEvent()       {}

// Effect is an instruction produced by Apply and executed by the runtime.
type Effect interface{ isEffect() }

type TranscriptOp int

const (
	OpAdd TranscriptOp = iota
	OpAppend
	OpReplace
)

type (
	Connect struct {
		Gen   uint64
		Audio bool
	}
	// Disconnect detaches the current connection's handler, then closes it.
	Disconnect struct{}
	Send       struct{ Msg any }
	Relay      struct{ Msg protocol.RelayMessage }
	Transcribe struct {
		Op    TranscriptOp
		Entry Entry
	}

	PlaybackEnqueue struct{ PCM []byte }
	PlaybackEnd     struct{}

	MicOpen    struct{ Gen uint64 }
	MicAdopt   struct{ Stream audio.MicStream }
	MicDiscard struct{ Stream audio.MicStream }
	MicEnable  struct{ On bool }
	// MicClose releases the stream. Flush sends the partial capture unit.
	MicClose    struct{ Flush bool }
	CapturePush struct{ Frame audio.Frame }

	TimerReplace struct {
		Purpose timers.Purpose
		After   time.Duration
	}
	TimerCancel struct{ Purpose timers.Purpose }

	Identify struct {
		Token    uint64
		Name     string
		MimeType string
		Data     []byte
	}
	Archive struct {
		Role Role
		Text string
	}

	Received    struct{ Class protocol.Class }
	Dropped     struct{ Reason string }
	TurnOutcome struct{ Outcome string }
)

func (Connect) isEffect()         {}
func (Disconnect) isEffect()      {}
func (Send) isEffect()            {}
func (Relay) isEffect()           {}
func (Transcribe) isEffect()      {}
func (PlaybackEnqueue) isEffect() {}
func (PlaybackEnd) isEffect()     {}
func (MicOpen) isEffect()         {}
func (MicAdopt) isEffect()        {}
func (MicDiscard) isEffect()      {}
func (MicEnable) isEffect()       {}
func (MicClose) isEffect()        {}
func (CapturePush) isEffect()     {}
func (TimerReplace) isEffect()    {}
func (TimerCancel) isEffect()     {}
func (Identify) isEffect()        {}
func (Archive) isEffect()         {}
func (Received) isEffect()        {}
func (Dropped) isEffect()         {}
func (TurnOutcome) isEffect()     {}

// Drop reasons.
const (
	DropNotOpen       = "not_open"
	DropPaused        = "paused"
	DropResumeIgnore  = "resume_ignore"
	DropSuppressed    = "suppressed"
	DropUnknownCmd    = "unknown_command"
	DropMalformed     = "malformed"
	DropUnknown       = "unknown"
	DropStale         = "stale"
	DropInvalidHost   = "invalid_host_message"
	DropHostNotOpen   = "host_message_not_open"
	DropPlaybackInbox = "playback_inbox_full"
)

// Turn signal outcomes.
const (
	TurnDeferred  = "deferred"
	TurnScheduled = "scheduled"
	TurnReleased  = "released"
	TurnForced    = "forced"
)
