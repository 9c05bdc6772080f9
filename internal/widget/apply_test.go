package widget

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/shopassist/internal/audio"
	"github.com/ent0n29/shopassist/internal/coordinator"
	"github.com/ent0n29/shopassist/internal/protocol"
	"github.com/ent0n29/shopassist/internal/timers"
)

const (
	audioFrameJSON = `{"mime_type":"audio/pcm","data":"AAABAA=="}`
	turnComplete   = `{"turn_complete":true}`
)

func find[T Effect](fx []Effect) []T {
	var out []T
	for _, e := range fx {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func added(fx []Effect) []Entry {
	var out []Entry
	for _, tr := range find[Transcribe](fx) {
		if tr.Op == OpAdd {
			out = append(out, tr.Entry)
		}
	}
	return out
}

func texts(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func indexOf(fx []Effect, want Effect) int {
	for i, e := range fx {
		if assert.ObjectsAreEqual(want, e) {
			return i
		}
	}
	return -1
}

func msg(s *State, raw string) []Effect {
	return Apply(s, ConnMessage{Gen: s.Generation, Data: []byte(raw)})
}

func openState(t *testing.T, audioMode bool) *State {
	t.Helper()
	s := NewState(DefaultSettings())
	Apply(s, ToggleAudio{On: audioMode})
	Apply(s, OpenRequested{})
	Apply(s, ConnOpened{Gen: s.Generation})
	require.Equal(t, Open, s.Conn)
	return s
}

// openAudio returns a state with an open audio connection and an active mic.
func openAudio(t *testing.T) *State {
	t.Helper()
	s := openState(t, true)
	Apply(s, MicStarted{Gen: s.Generation})
	require.Equal(t, coordinator.CaptureActive, s.Mic.Phase())
	return s
}

func TestTextConnectionSendsGreetingOnce(t *testing.T) {
	s := NewState(DefaultSettings())

	fx := Apply(s, OpenRequested{})
	assert.Equal(t, []Connect{{Gen: 1, Audio: false}}, find[Connect](fx))
	assert.Equal(t, []string{"Connecting (audio: false)..."}, texts(added(fx)))
	assert.Equal(t, Connecting, s.Conn)
	assert.False(t, s.InputEnabled)

	fx = Apply(s, ConnOpened{Gen: 1})
	sends := find[Send](fx)
	require.Len(t, sends, 2)
	assert.Equal(t, protocol.Handshake(), sends[0].Msg)
	assert.Equal(t, protocol.TextMessage(DefaultGreeting), sends[1].Msg)
	assert.Equal(t, []string{"Connection opened."}, texts(added(fx)))
	assert.True(t, s.InputEnabled)

	fx = Apply(s, ConnClosed{Gen: 1, Code: 1006})
	assert.Contains(t, fx, Disconnect{})
	assert.Equal(t, []string{"Connection closed. Code: 1006."}, texts(added(fx)))

	Apply(s, OpenRequested{})
	fx = Apply(s, ConnOpened{Gen: 2})
	assert.Equal(t, []Send{{Msg: protocol.Handshake()}}, find[Send](fx))
}

func TestStaleConnectionEventsIgnored(t *testing.T) {
	s := openState(t, false)
	Apply(s, ToggleAudio{On: true})
	require.Equal(t, uint64(2), s.Generation)

	assert.Empty(t, Apply(s, ConnOpened{Gen: 1}))
	assert.Empty(t, Apply(s, ConnClosed{Gen: 1, Code: 1000}))
	assert.Empty(t, Apply(s, ConnErrored{Gen: 1, Err: errors.New("late")}))
	assert.Empty(t, Apply(s, ConnMessage{Gen: 1, Data: []byte(`{"mime_type":"text/plain","data":"old"}`)}))
	assert.Equal(t, Connecting, s.Conn)
}

func TestStreamingAgentBubble(t *testing.T) {
	s := openState(t, false)

	fx := msg(s, `{"mime_type":"text/plain","data":"Hi ","partial":true}`)
	tr := find[Transcribe](fx)
	require.Len(t, tr, 1)
	assert.Equal(t, OpAdd, tr[0].Op)
	assert.Equal(t, RoleAgent, tr[0].Entry.Role)
	bubble := tr[0].Entry.ID

	fx = msg(s, `{"mime_type":"text/plain","data":"there!","partial":true}`)
	assert.Equal(t, []Transcribe{{Op: OpAppend, Entry: Entry{ID: bubble, Text: "there!"}}}, find[Transcribe](fx))

	fx = msg(s, turnComplete)
	assert.Contains(t, fx, TimerReplace{Purpose: timers.Continuation, After: 350 * time.Millisecond})
	assert.Contains(t, fx, TurnOutcome{Outcome: TurnScheduled})

	fx = Apply(s, TimerFired{Purpose: timers.Continuation})
	assert.Contains(t, fx, Archive{Role: RoleAgent, Text: "Hi there!"})
	assert.Zero(t, s.AgentBubble)

	fx = msg(s, `{"mime_type":"text/plain","data":"Next"}`)
	next := added(fx)
	require.Len(t, next, 1)
	assert.NotEqual(t, bubble, next[0].ID)
}

func TestTextBeforeContinuationKeepsBubble(t *testing.T) {
	s := openState(t, false)
	msg(s, `{"mime_type":"text/plain","data":"Roses ","partial":true}`)
	bubble := s.AgentBubble
	msg(s, turnComplete)

	fx := msg(s, `{"mime_type":"text/plain","data":"need sun.","partial":true}`)
	assert.Contains(t, fx, TimerCancel{Purpose: timers.Continuation})
	assert.Equal(t, bubble, s.AgentBubble)
	assert.Equal(t, "Roses need sun.", s.AgentText)

	assert.Empty(t, Apply(s, TimerFired{Purpose: timers.Continuation}))
}

func TestNonPartialTextReplacesBubble(t *testing.T) {
	s := openState(t, false)
	msg(s, `{"mime_type":"text/plain","data":"Draft","partial":true}`)
	fx := msg(s, `{"mime_type":"text/plain","data":"Final answer"}`)
	assert.Equal(t, []Transcribe{{Op: OpReplace, Entry: Entry{ID: s.AgentBubble, Text: "Final answer"}}}, find[Transcribe](fx))
}

func TestTurnDeferredUntilGraceAndPlaybackEnd(t *testing.T) {
	s := openAudio(t)

	fx := msg(s, `{"action":"display_ui","ui_element":"product_carousel","payload":{"ids":[1]}}`)
	relays := find[Relay](fx)
	require.Len(t, relays, 1)
	assert.Equal(t, protocol.RelayDisplayComponent, relays[0].Msg.Type)
	assert.Equal(t, "product_carousel", relays[0].Msg.UIElement)
	assert.Contains(t, fx, TimerReplace{Purpose: timers.UIGrace, After: 3500 * time.Millisecond})

	msg(s, `{"mime_type":"text/plain","data":"Take a look","partial":true}`)
	fx = msg(s, audioFrameJSON)
	assert.Equal(t, []PlaybackEnqueue{{PCM: []byte{0, 0, 1, 0}}}, find[PlaybackEnqueue](fx))

	fx = msg(s, turnComplete)
	assert.Contains(t, fx, TurnOutcome{Outcome: TurnDeferred})
	assert.Contains(t, fx, TimerReplace{Purpose: timers.TurnDeferCap, After: 10 * time.Second})
	assert.NotZero(t, s.AgentBubble)

	fx = msg(s, turnComplete)
	assert.Empty(t, find[TimerReplace](fx), "cap timer starts once per deferred turn")

	fx = Apply(s, PlaybackFinished{At: time.Now()})
	assert.Empty(t, find[TurnOutcome](fx))
	assert.True(t, s.DeferredTurn)

	fx = Apply(s, TimerFired{Purpose: timers.UIGrace})
	assert.Contains(t, fx, TurnOutcome{Outcome: TurnReleased})
	assert.Contains(t, fx, TimerCancel{Purpose: timers.TurnDeferCap})
	assert.Contains(t, fx, Archive{Role: RoleAgent, Text: "Take a look"})
	assert.Zero(t, s.AgentBubble)
	assert.False(t, s.DeferredTurn)
}

func TestTurnDeferredUntilPlaybackFinishes(t *testing.T) {
	s := openAudio(t)
	msg(s, `{"mime_type":"text/plain","data":"Watering tips","partial":true}`)
	msg(s, audioFrameJSON)
	msg(s, turnComplete)
	require.True(t, s.DeferredTurn)

	fx := Apply(s, PlaybackFinished{At: time.Now()})
	assert.Contains(t, fx, TurnOutcome{Outcome: TurnReleased})
	assert.Zero(t, s.AgentBubble)
}

func TestTurnDeferCapForcesClear(t *testing.T) {
	s := openState(t, false)
	msg(s, `{"action":"display_ui","ui_element":"product_card"}`)
	msg(s, `{"mime_type":"text/plain","data":"Here it is","partial":true}`)
	msg(s, audioFrameJSON)
	msg(s, turnComplete)

	fx := Apply(s, TimerFired{Purpose: timers.TurnDeferCap})
	assert.Contains(t, fx, TurnOutcome{Outcome: TurnForced})
	assert.Zero(t, s.AgentBubble)

	assert.Empty(t, find[TurnOutcome](Apply(s, TimerFired{Purpose: timers.UIGrace})))
	assert.Empty(t, find[TurnOutcome](Apply(s, PlaybackFinished{At: time.Now()})))
}

func TestInterruptedStopsPlayback(t *testing.T) {
	s := openAudio(t)
	msg(s, audioFrameJSON)
	fx := msg(s, `{"interrupted":true}`)
	assert.Contains(t, fx, PlaybackEnd{})
	assert.Contains(t, fx, TurnOutcome{Outcome: TurnDeferred})
}

func TestAudioModeMicCoordination(t *testing.T) {
	s := NewState(DefaultSettings())
	assert.Empty(t, Apply(s, ToggleAudio{On: true}))
	assert.True(t, s.AudioDesired)

	fx := Apply(s, OpenRequested{})
	assert.Equal(t, []Connect{{Gen: 1, Audio: true}}, find[Connect](fx))

	fx = Apply(s, ConnOpened{Gen: 1})
	assert.Contains(t, fx, MicOpen{Gen: 1})
	assert.Equal(t, []Send{{Msg: protocol.Handshake()}}, find[Send](fx), "no greeting in audio mode")

	fx = Apply(s, MicStarted{Gen: 1})
	assert.Contains(t, fx, MicAdopt{})
	assert.Equal(t, []string{"Microphone activated."}, texts(added(fx)))

	t0 := time.Unix(100, 0)
	frame := func(at time.Time) audio.Frame {
		return audio.Frame{Samples: make([]float32, 480), SampleRate: 48000, At: at}
	}
	f := frame(t0)
	assert.Equal(t, []Effect{CapturePush{Frame: f}}, Apply(s, CaptureFrame{Frame: f}))

	fx = msg(s, audioFrameJSON)
	assert.Contains(t, fx, MicEnable{On: false})
	assert.Contains(t, fx, TimerCancel{Purpose: timers.ResumeIgnore})
	assert.Equal(t, coordinator.CapturePausedForAgent, s.Mic.Phase())
	assert.Equal(t, []Effect{Dropped{Reason: DropPaused}}, Apply(s, CaptureFrame{Frame: frame(t0.Add(10 * time.Millisecond))}))

	resumed := t0.Add(time.Second)
	fx = Apply(s, PlaybackFinished{At: resumed})
	assert.Contains(t, fx, MicEnable{On: true})
	assert.Contains(t, fx, TimerReplace{Purpose: timers.ResumeIgnore, After: 150 * time.Millisecond})
	assert.Equal(t, coordinator.ResumeGrace, s.Mic.Phase())

	assert.Equal(t, []Effect{Dropped{Reason: DropResumeIgnore}}, Apply(s, CaptureFrame{Frame: frame(resumed.Add(100 * time.Millisecond))}))
	f = frame(resumed.Add(150 * time.Millisecond))
	assert.Equal(t, []Effect{CapturePush{Frame: f}}, Apply(s, CaptureFrame{Frame: f}))

	Apply(s, TimerFired{Purpose: timers.ResumeIgnore})
	assert.Equal(t, coordinator.CaptureActive, s.Mic.Phase())
	assert.Equal(t, []Effect{Dropped{Reason: DropResumeIgnore}}, Apply(s, CaptureFrame{Frame: frame(resumed.Add(50 * time.Millisecond))}),
		"late frames stamped inside the window are still discarded")
}

func TestAgentAudioInTextModeLeavesMicAlone(t *testing.T) {
	s := openState(t, false)
	fx := msg(s, audioFrameJSON)
	assert.Empty(t, find[MicEnable](fx))
	assert.False(t, s.PlaybackPending)
	assert.Equal(t, []Effect{Dropped{Reason: DropPaused}}, Apply(s, CaptureFrame{Frame: audio.Frame{At: time.Now()}}))
}

func TestTextModeTurnAfterAgentAudioUsesContinuationDelay(t *testing.T) {
	s := openState(t, false)
	msg(s, `{"mime_type":"text/plain","data":"Sunny spots","partial":true}`)
	msg(s, audioFrameJSON)

	fx := msg(s, turnComplete)
	assert.Equal(t, []TurnOutcome{{Outcome: TurnScheduled}}, find[TurnOutcome](fx))
	assert.Contains(t, fx, TimerReplace{Purpose: timers.Continuation, After: 350 * time.Millisecond})
	assert.False(t, s.DeferredTurn)
	assert.NotZero(t, s.AgentBubble, "bubble stays open until the continuation delay")
}

func TestAgentAudioBeforeMicStartsDoesNotHoldTurn(t *testing.T) {
	s := openState(t, true)
	msg(s, audioFrameJSON)
	assert.False(t, s.PlaybackPending)

	fx := msg(s, turnComplete)
	assert.Equal(t, []TurnOutcome{{Outcome: TurnScheduled}}, find[TurnOutcome](fx))
}

func TestAgentAudioWhilePausedKeepsWaiting(t *testing.T) {
	s := openAudio(t)
	msg(s, audioFrameJSON)
	Apply(s, PlaybackFinished{At: time.Now()})
	Apply(s, TimerFired{Purpose: timers.ResumeIgnore})
	require.Equal(t, coordinator.CaptureActive, s.Mic.Phase())

	msg(s, audioFrameJSON)
	require.True(t, s.PlaybackPending)
	fx := msg(s, audioFrameJSON)
	assert.Empty(t, find[MicEnable](fx), "second frame finds the mic already paused")
	assert.True(t, s.PlaybackPending)
}

func TestToggleAudioIsIdempotent(t *testing.T) {
	s := openAudio(t)
	assert.Empty(t, Apply(s, ToggleAudio{On: true}))

	fx := Apply(s, ToggleAudio{On: false})
	assert.Equal(t, []string{"Switching to text mode...", "Connecting (audio: false)..."}, texts(added(fx)))
	closeAt := indexOf(fx, MicClose{Flush: true})
	disconnectAt := indexOf(fx, Disconnect{})
	require.NotEqual(t, -1, closeAt)
	require.NotEqual(t, -1, disconnectAt)
	assert.Less(t, closeAt, disconnectAt, "tail is flushed before the socket closes")
	assert.Contains(t, fx, Connect{Gen: 2, Audio: false})
	assert.Equal(t, coordinator.Idle, s.Mic.Phase())

	assert.Empty(t, Apply(s, ToggleAudio{On: false}))
}

func TestToggleWhileClosedOnlyRecordsIntent(t *testing.T) {
	s := NewState(DefaultSettings())
	assert.Empty(t, Apply(s, ToggleAudio{On: true}))
	assert.Empty(t, Apply(s, ToggleAudio{On: false}))
	assert.False(t, s.AudioDesired)
	assert.Equal(t, Disconnected, s.Conn)
}

func TestMicFailureFallsBackToText(t *testing.T) {
	s := openState(t, true)
	fx := Apply(s, MicFailed{Gen: 1, Err: audio.ErrDeviceUnavailable})

	entries := added(fx)
	require.NotEmpty(t, entries)
	assert.Equal(t, RoleError, entries[0].Role)
	assert.Equal(t, "Could not start microphone: audio device unavailable. Please check permissions.", entries[0].Text)
	assert.Contains(t, fx, Disconnect{})
	assert.Contains(t, fx, Connect{Gen: 2, Audio: false})
	assert.False(t, s.AudioDesired)
}

func TestStaleMicStartIsDiscarded(t *testing.T) {
	s := openState(t, true)
	require.True(t, s.MicStarting)
	Apply(s, ToggleAudio{On: false})

	fx := Apply(s, MicStarted{Gen: 1})
	assert.Equal(t, []Effect{MicDiscard{}}, fx)
	assert.Equal(t, coordinator.Idle, s.Mic.Phase())
	assert.Empty(t, Apply(s, MicFailed{Gen: 1, Err: errors.New("late")}))
}

func TestCloseReleasesMicWithoutFlush(t *testing.T) {
	s := openAudio(t)
	fx := Apply(s, ConnClosed{Gen: 1, Code: 1006})
	assert.Contains(t, fx, MicClose{Flush: false})
	assert.Contains(t, fx, Disconnect{})
	assert.Equal(t, []string{"Connection closed. Code: 1006."}, texts(added(fx)))
	assert.Equal(t, coordinator.Idle, s.Mic.Phase())
	assert.False(t, s.AudioDesired)
	assert.False(t, s.InputEnabled)
}

func TestCloseClearsPendingTurnState(t *testing.T) {
	s := openState(t, false)
	msg(s, `{"action":"display_ui","ui_element":"product_card"}`)
	msg(s, `{"mime_type":"text/plain","data":"Here it is","partial":true}`)
	msg(s, turnComplete)
	require.True(t, s.DeferredTurn)

	fx := Apply(s, ConnClosed{Gen: 1, Code: 1006})
	assert.Contains(t, fx, TimerCancel{Purpose: timers.UIGrace})
	assert.Contains(t, fx, TimerCancel{Purpose: timers.TurnDeferCap})
	assert.Contains(t, fx, Archive{Role: RoleAgent, Text: "Here it is"})
	assert.False(t, s.UIGracePending)
	assert.False(t, s.DeferredTurn)
	assert.Zero(t, s.AgentBubble)

	Apply(s, OpenRequested{})
	Apply(s, ConnOpened{Gen: 2})
	msg(s, `{"mime_type":"text/plain","data":"Welcome back","partial":true}`)
	fx = msg(s, turnComplete)
	assert.Equal(t, []TurnOutcome{{Outcome: TurnScheduled}}, find[TurnOutcome](fx))
}

func TestErrorTearsDown(t *testing.T) {
	s := openAudio(t)
	fx := Apply(s, ConnErrored{Gen: 1, Err: errors.New("reset")})
	entries := added(fx)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{ID: entries[0].ID, Role: RoleError, Text: "WebSocket connection error."}, entries[0])
	assert.Equal(t, Disconnected, s.Conn)
	assert.Empty(t, Apply(s, ConnErrored{Gen: 1, Err: errors.New("again")}))
}

func TestCloseRequested(t *testing.T) {
	s := openState(t, false)
	msg(s, `{"mime_type":"text/plain","data":"Bye","partial":true}`)
	fx := Apply(s, CloseRequested{})
	assert.Contains(t, fx, PlaybackEnd{})
	assert.Contains(t, fx, Disconnect{})
	assert.Contains(t, fx, Archive{Role: RoleAgent, Text: "Bye"})
	assert.False(t, s.WidgetOpen)
	assert.Equal(t, Disconnected, s.Conn)
}

func TestSendTextRequiresOpenConnection(t *testing.T) {
	s := NewState(DefaultSettings())
	fx := Apply(s, SendText{Text: "hello"})
	assert.Empty(t, find[Send](fx))
	assert.Equal(t, []Entry{{ID: 1, Role: RoleError, Text: "Cannot send: Connection not open."}}, added(fx))

	s = openState(t, false)
	assert.Empty(t, Apply(s, SendText{Text: "   "}))

	fx = Apply(s, SendText{Text: " Which roses? "})
	assert.Equal(t, []Send{{Msg: protocol.TextMessage("Which roses?")}}, find[Send](fx))
	assert.Contains(t, fx, Archive{Role: RoleUser, Text: "Which roses?"})
}

func TestSendFailureNotedInTranscript(t *testing.T) {
	s := openState(t, false)
	fx := Apply(s, SendFailed{Gen: s.Generation, Err: errors.New("broken pipe")})
	entries := added(fx)
	require.Len(t, entries, 1)
	assert.Equal(t, RoleError, entries[0].Role)
	assert.Equal(t, "Cannot send: Connection not open.", entries[0].Text)

	assert.Equal(t, []Effect{Dropped{Reason: DropNotOpen}}, Apply(s, SendFailed{Gen: s.Generation, Audio: true}))
	assert.Empty(t, Apply(s, SendFailed{Gen: s.Generation - 1}))
}

func TestUserSendStartsNewAgentBubble(t *testing.T) {
	s := openState(t, false)
	msg(s, `{"mime_type":"text/plain","data":"Hello","partial":true}`)
	require.NotZero(t, s.AgentBubble)
	Apply(s, SendText{Text: "More please"})
	assert.Zero(t, s.AgentBubble)
}

func TestStagedImageFlow(t *testing.T) {
	s := openState(t, false)

	fx := Apply(s, StageImage{Name: "rose.png", MimeType: "image/png", Data: []byte{1, 2, 3}})
	assert.Equal(t, []Identify{{Token: 1, Name: "rose.png", MimeType: "image/png", Data: []byte{1, 2, 3}}}, find[Identify](fx))
	assert.Equal(t, []string{"Identifying rose.png..."}, texts(added(fx)))

	fx = Apply(s, IdentifyResult{Token: 1, Label: "Red Rose"})
	entries := added(fx)
	require.Len(t, entries, 2)
	assert.Equal(t, "Identified: Red Rose. You can now ask about it.", entries[0].Text)
	assert.Equal(t, Entry{ID: entries[1].ID, Role: RoleSuggestion, Text: "Tell me more about Red Rose"}, entries[1])
	require.NotNil(t, s.Staged)
	assert.Equal(t, "Red Rose", s.Staged.Label)

	fx = Apply(s, SendText{Text: "  "})
	assert.Empty(t, find[Send](fx))
	assert.Equal(t, []string{"Please add a text query for the staged image."}, texts(added(fx)))

	fx = Apply(s, SendText{Text: "How much water?"})
	assert.Equal(t, []Send{{Msg: protocol.ImageQuery("image/png", "AQID", "How much water?")}}, find[Send](fx))
	user := added(fx)
	require.Len(t, user, 1)
	assert.Equal(t, "rose.png", user[0].Image)
	assert.Nil(t, s.Staged)
}

func TestIdentifyFailures(t *testing.T) {
	unidentified := `Could not clearly identify the item in "leaf.jpg". Please try another image or describe the item in text.`
	tests := []struct {
		name   string
		result IdentifyResult
		want   string
	}{
		{name: "unknown", result: IdentifyResult{Label: "Unknown"}, want: unidentified},
		{name: "error label", result: IdentifyResult{Label: "Error: model offline"}, want: unidentified},
		{name: "transport", result: IdentifyResult{Err: errors.New("timeout")}, want: "Error identifying image: timeout. Please try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openState(t, false)
			Apply(s, StageImage{Name: "leaf.jpg", MimeType: "image/jpeg", Data: []byte{9}})
			tt.result.Token = 1
			fx := Apply(s, tt.result)
			assert.Equal(t, []Entry{{ID: s.lastEntryID, Role: RoleError, Text: tt.want}}, added(fx))
			assert.Nil(t, s.Staged)
			assert.Nil(t, s.Identifying)
		})
	}
}

func TestStaleIdentifyResultDropped(t *testing.T) {
	s := openState(t, false)
	Apply(s, StageImage{Name: "a.png", MimeType: "image/png", Data: []byte{1}})
	Apply(s, StageImage{Name: "b.png", MimeType: "image/png", Data: []byte{2}})

	assert.Equal(t, []Effect{Dropped{Reason: DropStale}}, Apply(s, IdentifyResult{Token: 1, Label: "Tulip"}))
	Apply(s, IdentifyResult{Token: 2, Label: "Fern"})
	require.NotNil(t, s.Staged)
	assert.Equal(t, "b.png", s.Staged.Name)

	Apply(s, ClearStaged{})
	assert.Nil(t, s.Staged)
}

func TestCommandsAndSuppressedUI(t *testing.T) {
	s := openState(t, false)
	msg(s, `{"mime_type":"text/plain","data":"Switching","partial":true}`)

	fx := msg(s, `{"type":"command","command_name":"set_theme","payload":{"theme":"dark"}}`)
	relays := find[Relay](fx)
	require.Len(t, relays, 1)
	assert.Equal(t, protocol.RelaySetTheme, relays[0].Msg.Type)
	assert.Equal(t, "dark", relays[0].Msg.Theme())
	assert.Zero(t, s.AgentBubble)

	fx = msg(s, `{"type":"command","command_name":"dance"}`)
	assert.Contains(t, fx, Dropped{Reason: DropUnknownCmd})
	assert.Empty(t, find[Relay](fx))

	fx = msg(s, `{"action":"display_ui","ui_element":"checkout_item_selection"}`)
	assert.Contains(t, fx, Dropped{Reason: DropSuppressed})
	assert.Empty(t, find[Relay](fx))
	assert.False(t, s.UIGracePending)

	fx = msg(s, `{"type":"ui_command","command_name":"show_banner","payload":{"x":1}}`)
	relays = find[Relay](fx)
	require.Len(t, relays, 1)
	assert.Equal(t, protocol.RelayLegacyUICommand, relays[0].Msg.Type)
	assert.True(t, s.UIGracePending)
}

func TestRecommendationsEntry(t *testing.T) {
	s := openState(t, false)
	fx := msg(s, `{"type":"product_recommendations","payload":{"title":"Top picks","products":[{"id":"rose-1"}]}}`)
	entries := added(fx)
	require.Len(t, entries, 1)
	assert.Equal(t, RoleRecommendations, entries[0].Role)
	assert.Equal(t, "Top picks", entries[0].Text)
	require.NotNil(t, entries[0].Recommendations)
	assert.Len(t, entries[0].Recommendations.Products, 1)
}

func TestMalformedFrameShownAsText(t *testing.T) {
	s := openState(t, false)
	fx := msg(s, "plain words")
	assert.Contains(t, fx, Dropped{Reason: DropMalformed})
	entries := added(fx)
	require.Len(t, entries, 1)
	assert.Equal(t, "plain words", entries[0].Text)
}

func TestNonObjectJSONFrameIgnored(t *testing.T) {
	s := openState(t, false)
	fx := msg(s, `"hello"`)
	assert.Equal(t, []Effect{Dropped{Reason: DropUnknown}}, fx)
	assert.Zero(t, s.AgentBubble)
}

func TestHostMessagesBecomeUIEvents(t *testing.T) {
	s := openState(t, false)
	fx := Apply(s, HostMessage{Msg: protocol.HostMessage{Type: protocol.HostShippingOptionChosen, Choice: "home_delivery"}})
	assert.Equal(t, []Send{{Msg: protocol.UIEvent{EventType: "user_shipping_interaction", Interaction: "selected_home_delivery"}}}, find[Send](fx))

	fx = Apply(s, HostMessage{Msg: protocol.HostMessage{Type: "mystery"}})
	assert.Equal(t, []Effect{Dropped{Reason: DropInvalidHost}}, fx)

	closed := NewState(DefaultSettings())
	fx = Apply(closed, HostMessage{Msg: protocol.HostMessage{Type: protocol.HostShippingFlowInterrupted, Reason: "back_to_cart_review"}})
	assert.Contains(t, fx, Dropped{Reason: DropHostNotOpen})
	assert.Equal(t, []string{"Cannot send: Connection not open."}, texts(added(fx)))
}
