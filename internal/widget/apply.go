package widget

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/shopassist/internal/coordinator"
	"github.com/ent0n29/shopassist/internal/protocol"
	"github.com/ent0n29/shopassist/internal/timers"
)

// Transcript notices.
const (
	msgConnectionOpened  = "Connection opened."
	msgConnectionError   = "WebSocket connection error."
	msgNotOpen           = "Cannot send: Connection not open."
	msgInvalidOutbound   = "Attempted to send message with invalid structure or content."
	msgMicActivated      = "Microphone activated."
	msgNeedImageQuery    = "Please add a text query for the staged image."
	msgSwitchingToAudio  = "Switching to audio mode..."
	msgSwitchingToText   = "Switching to text mode..."
	unidentifiedTemplate = "Could not clearly identify the item in \"%s\". Please try another image or describe the item in text."
)

// Apply advances s by one event and returns the side effects to execute, in
// order. It performs no I/O.
func Apply(s *State, ev Event) []Effect {
	var fx effects
	switch e := ev.(type) {
	case OpenRequested:
		s.WidgetOpen = true
		if s.Conn == Disconnected {
			fx.connect(s, s.AudioDesired)
		}
	case CloseRequested:
		s.WidgetOpen = false
		if s.Conn == Disconnected {
			break
		}
		fx.stopMic(s)
		fx.add(PlaybackEnd{}, Disconnect{})
		s.Conn = Disconnected
		s.InputEnabled = false
		fx.resetTurn(s)
	case ToggleAudio:
		fx.toggleAudio(s, e.On)
	case SendText:
		fx.sendText(s, e.Text)
	case ConnOpened:
		fx.opened(s, e)
	case ConnMessage:
		if e.Gen != s.Generation || s.Conn != Open {
			break
		}
		fx.message(s, e.Data)
	case ConnClosed:
		if fx.teardown(s, e.Gen) {
			fx.note(s, RoleSystem, fmt.Sprintf("Connection closed. Code: %d.", e.Code))
		}
	case ConnErrored:
		if fx.teardown(s, e.Gen) {
			fx.note(s, RoleError, msgConnectionError)
		}
	case SendFailed:
		if e.Gen != s.Generation {
			break
		}
		if e.Audio {
			fx.add(Dropped{Reason: DropNotOpen})
			break
		}
		fx.note(s, RoleError, msgNotOpen)
	case MicStarted:
		if e.Gen != s.Generation || !s.MicStarting || s.Conn != Open || !s.AudioConnection {
			fx.add(MicDiscard{Stream: e.Stream})
			break
		}
		s.MicStarting = false
		s.Mic.Start()
		fx.add(MicAdopt{Stream: e.Stream})
		fx.note(s, RoleSystem, msgMicActivated)
	case MicFailed:
		if e.Gen != s.Generation || !s.MicStarting {
			break
		}
		s.MicStarting = false
		fx.note(s, RoleError, fmt.Sprintf("Could not start microphone: %v. Please check permissions.", e.Err))
		s.AudioDesired = false
		fx.connect(s, false)
	case CaptureFrame:
		switch {
		case s.Conn != Open:
			fx.add(Dropped{Reason: DropNotOpen})
		case s.Mic.AllowCapture(e.Frame.At):
			fx.add(CapturePush{Frame: e.Frame})
		case s.Mic.Phase() == coordinator.ResumeGrace, s.Mic.Phase() == coordinator.CaptureActive:
			fx.add(Dropped{Reason: DropResumeIgnore})
		default:
			fx.add(Dropped{Reason: DropPaused})
		}
	case PlaybackFinished:
		s.PlaybackPending = false
		if s.DeferredTurn && !s.UIGracePending {
			fx.releaseDeferred(s, TurnReleased)
		}
		if s.Mic.OnPlaybackFinished(s.AudioDesired, e.At) {
			fx.add(MicEnable{On: true}, TimerReplace{Purpose: timers.ResumeIgnore, After: s.Settings.ResumeIgnore})
		}
	case TimerFired:
		fx.timerFired(s, e)
	case HostMessage:
		ui, err := e.Msg.UIEvent()
		if err != nil {
			fx.add(Dropped{Reason: DropInvalidHost})
			break
		}
		if s.Conn != Open {
			fx.add(Dropped{Reason: DropHostNotOpen})
		}
		fx.send(s, ui)
	case StageImage:
		s.identifySeq++
		s.Staged = nil
		s.Identifying = &StagedImage{
			Name:     e.Name,
			MimeType: e.MimeType,
			Data:     base64.StdEncoding.EncodeToString(e.Data),
		}
		fx.note(s, RoleSystem, fmt.Sprintf("Identifying %s...", e.Name))
		fx.add(Identify{Token: s.identifySeq, Name: e.Name, MimeType: e.MimeType, Data: e.Data})
	case IdentifyResult:
		fx.identified(s, e)
	case ClearStaged:
		s.Staged = nil
		s.Identifying = nil
	}
	return fx
}

type effects []Effect

func (fx *effects) add(e ...Effect) { *fx = append(*fx, e...) }

func (fx *effects) note(s *State, role Role, text string) {
	fx.add(Transcribe{Op: OpAdd, Entry: Entry{ID: s.nextEntryID(), Role: role, Text: text}})
}

// connect replaces any existing connection with a new one in the given mode.
func (fx *effects) connect(s *State, audio bool) {
	if s.Conn != Disconnected {
		fx.add(Disconnect{})
	}
	s.Generation++
	s.Conn = Connecting
	s.AudioConnection = audio
	s.InputEnabled = false
	fx.note(s, RoleSystem, fmt.Sprintf("Connecting (audio: %t)...", audio))
	fx.add(Connect{Gen: s.Generation, Audio: audio})
}

// stopMic releases capture. The trailing partial unit is only sent while the
// connection is open.
func (fx *effects) stopMic(s *State) {
	if !s.Mic.Holding() && !s.MicStarting {
		return
	}
	s.Mic.Stop()
	s.MicStarting = false
	fx.add(MicClose{Flush: s.Conn == Open}, TimerCancel{Purpose: timers.ResumeIgnore})
}

func (fx *effects) toggleAudio(s *State, on bool) {
	if !s.WidgetOpen {
		s.AudioDesired = on
		return
	}
	if on == s.AudioDesired && on == s.AudioConnection && s.Conn != Disconnected {
		return
	}
	s.AudioDesired = on
	if on {
		fx.note(s, RoleSystem, msgSwitchingToAudio)
	} else {
		fx.note(s, RoleSystem, msgSwitchingToText)
	}
	fx.stopMic(s)
	fx.connect(s, on)
}

func (fx *effects) opened(s *State, e ConnOpened) {
	if e.Gen != s.Generation || s.Conn != Connecting {
		return
	}
	s.Conn = Open
	s.InputEnabled = true
	fx.note(s, RoleSystem, msgConnectionOpened)
	fx.add(Send{Msg: protocol.Handshake()})
	if s.AudioConnection {
		if !s.Mic.Holding() && !s.MicStarting {
			s.MicStarting = true
			fx.add(MicOpen{Gen: s.Generation})
		}
		return
	}
	fx.stopMic(s)
	if !s.GreetingSent && s.Settings.Greeting != "" {
		s.GreetingSent = true
		fx.add(Send{Msg: protocol.TextMessage(s.Settings.Greeting)})
	}
}

// teardown applies the shared close/error cleanup. It reports whether the
// event concerned the current connection.
func (fx *effects) teardown(s *State, gen uint64) bool {
	if gen != s.Generation || s.Conn == Disconnected {
		return false
	}
	s.Conn = Disconnected
	fx.stopMic(s)
	s.AudioDesired = false
	s.AudioConnection = false
	s.InputEnabled = false
	fx.resetTurn(s)
	fx.add(Disconnect{})
	return true
}

// resetTurn forgets grace and deferral state so a dead connection cannot hold
// the next one's turn signals.
func (fx *effects) resetTurn(s *State) {
	if s.UIGracePending {
		s.UIGracePending = false
		fx.add(TimerCancel{Purpose: timers.UIGrace})
	}
	if s.DeferredTurn {
		s.DeferredTurn = false
		fx.add(TimerCancel{Purpose: timers.TurnDeferCap})
	}
	s.PlaybackPending = false
	fx.clearBubble(s)
}

// send validates and transmits an outbound message, reporting failures in the
// transcript.
func (fx *effects) send(s *State, msg any) bool {
	if s.Conn != Open {
		fx.note(s, RoleError, msgNotOpen)
		return false
	}
	if err := protocol.ValidateOutbound(msg); err != nil {
		fx.note(s, RoleError, msgInvalidOutbound)
		return false
	}
	fx.add(Send{Msg: msg})
	return true
}

func (fx *effects) sendText(s *State, raw string) {
	text := strings.TrimSpace(raw)
	if s.Staged != nil && text == "" {
		fx.note(s, RoleSystem, msgNeedImageQuery)
		return
	}
	if text == "" {
		return
	}

	var msg any = protocol.TextMessage(text)
	img := s.Staged
	if img != nil {
		msg = protocol.ImageQuery(img.MimeType, img.Data, text)
	}
	if !fx.send(s, msg) {
		return
	}

	entry := Entry{ID: s.nextEntryID(), Role: RoleUser, Text: text}
	if img != nil {
		entry.Image = img.Name
		s.Staged = nil
	}
	fx.add(Transcribe{Op: OpAdd, Entry: entry}, Archive{Role: RoleUser, Text: text})
	fx.clearBubble(s)
}

// clearBubble closes the in-progress agent message so the next chunk starts a
// new one.
func (fx *effects) clearBubble(s *State) {
	if s.ContinuationPending {
		s.ContinuationPending = false
		fx.add(TimerCancel{Purpose: timers.Continuation})
	}
	if s.AgentBubble == 0 {
		return
	}
	if strings.TrimSpace(s.AgentText) != "" {
		fx.add(Archive{Role: RoleAgent, Text: s.AgentText})
	}
	s.AgentBubble = 0
	s.AgentText = ""
}

func (fx *effects) releaseDeferred(s *State, outcome string) {
	s.DeferredTurn = false
	fx.add(TimerCancel{Purpose: timers.TurnDeferCap}, TurnOutcome{Outcome: outcome})
	fx.clearBubble(s)
}

func (fx *effects) message(s *State, data []byte) {
	m, err := protocol.ParseServer(data)
	if errors.Is(err, protocol.ErrNotJSON) {
		fx.add(Dropped{Reason: DropMalformed})
		fx.agentText(s, string(data), true)
		return
	}
	if err != nil {
		fx.add(Dropped{Reason: DropUnknown})
		return
	}

	class := protocol.Classify(m)
	fx.add(Received{Class: class})
	switch class {
	case protocol.ClassTurnSignal:
		fx.turnSignal(s, m)
	case protocol.ClassCommand:
		if rm, ok := protocol.CommandRelay(m); ok {
			fx.add(Relay{Msg: rm})
		} else {
			fx.add(Dropped{Reason: DropUnknownCmd})
		}
		fx.clearBubble(s)
	case protocol.ClassProductRecommendations:
		recs, err := m.Recommendations()
		if err != nil {
			fx.add(Dropped{Reason: DropMalformed})
		} else {
			fx.add(Transcribe{Op: OpAdd, Entry: Entry{
				ID:              s.nextEntryID(),
				Role:            RoleRecommendations,
				Text:            recs.Title,
				Recommendations: &recs,
			}})
		}
		fx.clearBubble(s)
	case protocol.ClassDisplayUI, protocol.ClassLegacyUICommand:
		if protocol.Suppressed(m) {
			fx.add(Dropped{Reason: DropSuppressed})
			fx.clearBubble(s)
			return
		}
		s.UIGracePending = true
		fx.add(TimerReplace{Purpose: timers.UIGrace, After: s.Settings.UIGracePeriod})
		if class == protocol.ClassDisplayUI {
			fx.add(Relay{Msg: protocol.DisplayComponentRelay(m)})
		} else {
			fx.add(Relay{Msg: protocol.LegacyRelay(m)})
		}
		fx.clearBubble(s)
	case protocol.ClassAudio:
		pcm, err := m.Audio()
		if err != nil || len(pcm) < 2 {
			fx.add(Dropped{Reason: DropMalformed})
			return
		}
		fx.add(PlaybackEnqueue{PCM: pcm})
		if !s.AudioDesired {
			return
		}
		// Only a paused mic waits on playback; text mode speech never holds the turn.
		if s.Mic.OnAgentAudio() {
			s.PlaybackPending = true
			fx.add(MicEnable{On: false}, TimerCancel{Purpose: timers.ResumeIgnore})
		} else if s.Mic.Paused() {
			s.PlaybackPending = true
		}
	case protocol.ClassText:
		text, _ := m.Text()
		fx.agentText(s, text, m.IsPartial())
	default:
		fx.add(Dropped{Reason: DropUnknown})
	}
}

func (fx *effects) turnSignal(s *State, m protocol.Inbound) {
	if m.Interrupted {
		fx.add(PlaybackEnd{})
	}
	if s.PlaybackPending || s.UIGracePending {
		if !s.DeferredTurn {
			s.DeferredTurn = true
			fx.add(TimerReplace{Purpose: timers.TurnDeferCap, After: s.Settings.MaxTurnDefer})
		}
		fx.add(TurnOutcome{Outcome: TurnDeferred})
		return
	}
	s.ContinuationPending = true
	fx.add(
		TimerReplace{Purpose: timers.Continuation, After: s.Settings.ContinuationDelay},
		TurnOutcome{Outcome: TurnScheduled},
	)
}

// agentText starts, extends or replaces the in-progress agent bubble.
func (fx *effects) agentText(s *State, text string, partial bool) {
	if s.ContinuationPending {
		s.ContinuationPending = false
		fx.add(TimerCancel{Purpose: timers.Continuation})
	}
	if s.AgentBubble == 0 {
		s.AgentBubble = s.nextEntryID()
		s.AgentText = text
		fx.add(Transcribe{Op: OpAdd, Entry: Entry{ID: s.AgentBubble, Role: RoleAgent, Text: text}})
		return
	}
	if partial {
		s.AgentText += text
		fx.add(Transcribe{Op: OpAppend, Entry: Entry{ID: s.AgentBubble, Text: text}})
		return
	}
	s.AgentText = text
	fx.add(Transcribe{Op: OpReplace, Entry: Entry{ID: s.AgentBubble, Text: text}})
}

func (fx *effects) timerFired(s *State, e TimerFired) {
	switch e.Purpose {
	case timers.Continuation:
		if !s.ContinuationPending {
			return
		}
		s.ContinuationPending = false
		fx.clearBubble(s)
	case timers.UIGrace:
		s.UIGracePending = false
		if s.DeferredTurn && !s.PlaybackPending {
			fx.releaseDeferred(s, TurnReleased)
		}
	case timers.TurnDeferCap:
		if s.DeferredTurn {
			s.DeferredTurn = false
			fx.add(TurnOutcome{Outcome: TurnForced})
			fx.clearBubble(s)
		}
	case timers.ResumeIgnore:
		s.Mic.OnResumeWindowElapsed()
	}
}

func (fx *effects) identified(s *State, e IdentifyResult) {
	img := s.Identifying
	if img == nil || e.Token != s.identifySeq {
		fx.add(Dropped{Reason: DropStale})
		return
	}
	s.Identifying = nil
	label := strings.TrimSpace(e.Label)
	switch {
	case e.Err != nil:
		fx.note(s, RoleError, fmt.Sprintf("Error identifying image: %v. Please try again.", e.Err))
	case label == "" || strings.EqualFold(label, "unknown") || strings.HasPrefix(label, "Error:"):
		fx.note(s, RoleError, fmt.Sprintf(unidentifiedTemplate, img.Name))
	default:
		img.Label = label
		s.Staged = img
		fx.note(s, RoleSystem, fmt.Sprintf("Identified: %s. You can now ask about it.", label))
		fx.add(Transcribe{Op: OpAdd, Entry: Entry{
			ID:   s.nextEntryID(),
			Role: RoleSuggestion,
			Text: "Tell me more about " + label,
		}})
	}
}
