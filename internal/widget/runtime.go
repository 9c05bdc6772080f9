package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ent0n29/shopassist/internal/archive"
	"github.com/ent0n29/shopassist/internal/audio"
	"github.com/ent0n29/shopassist/internal/observability"
	"github.com/ent0n29/shopassist/internal/protocol"
	"github.com/ent0n29/shopassist/internal/reliability"
	"github.com/ent0n29/shopassist/internal/session"
	"github.com/ent0n29/shopassist/internal/storefront"
	"github.com/ent0n29/shopassist/internal/timers"
)

// Publisher delivers relay messages to the host page.
type Publisher interface {
	Publish(msg protocol.RelayMessage)
}

// ImageIdentifier labels an uploaded image.
type ImageIdentifier interface {
	IdentifyImage(ctx context.Context, name, mimeType string, data []byte) (string, error)
}

type Config struct {
	Settings     Settings
	AgentBaseURL string
	CustomerID   string
	Capture      audio.CaptureConfig

	Tracker    *session.Tracker
	Dialer     *websocket.Dialer
	Microphone audio.Microphone
	Player     *audio.Player
	Relay      Publisher
	Identifier ImageIdentifier
	Archive    archive.Store
	Metrics    *observability.Metrics

	Scheduler timers.Scheduler
	Now       func() time.Time
}

const (
	eventQueueSize   = 256
	identifyTimeout  = 30 * time.Second
	archiveTimeout   = 5 * time.Second
	snapshotDeadline = 2 * time.Second
)

var errRuntimeStopped = errors.New("widget runtime stopped")

// Runtime is the widget's event loop. Every state change happens on the
// goroutine running Run; public methods only post events.
type Runtime struct {
	cfg        Config
	state      *State
	transcript *Transcript
	timers     *timers.Set

	events  chan Event
	frames  chan audio.Frame
	fired   chan timers.Fired
	queries chan func(*State)
	done    chan struct{}
	local   []Event

	ctx     context.Context
	conn    *session.Connection
	stream  audio.MicStream
	capture *audio.Capture

	dialAt     time.Time
	sentAt     time.Time
	awaitText  bool
	awaitAudio bool
	burstAt    time.Time

	dropLog rate.Sometimes
}

func New(cfg Config) *Runtime {
	if cfg.Tracker == nil {
		cfg.Tracker = session.NewTracker()
	}
	if cfg.Microphone == nil {
		cfg.Microphone = audio.NullMicrophone{}
	}
	if cfg.Player == nil {
		cfg.Player = audio.NewPlayer(audio.PlayerConfig{})
	}
	if cfg.Archive == nil {
		cfg.Archive = archive.NewInMemoryStore()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics("shopassist", prometheus.NewRegistry())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Capture.ChunkBytes <= 0 {
		cfg.Capture.ChunkBytes = audio.ChunkBytes
	}
	r := &Runtime{
		cfg:        cfg,
		state:      NewState(cfg.Settings),
		transcript: NewTranscript(),
		events:     make(chan Event, eventQueueSize),
		frames:     make(chan audio.Frame, eventQueueSize),
		fired:      make(chan timers.Fired, 16),
		queries:    make(chan func(*State)),
		done:       make(chan struct{}),
		dropLog:    rate.Sometimes{Interval: time.Second},
	}
	r.timers = timers.NewSet(cfg.Scheduler, func(f timers.Fired) {
		select {
		case r.fired <- f:
		case <-r.done:
		}
	})
	return r
}

// Run processes events until ctx is cancelled, then releases the connection
// and microphone.
func (r *Runtime) Run(ctx context.Context) error {
	r.ctx = ctx
	defer close(r.done)
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.dispatch(ev)
		case f := <-r.frames:
			r.dispatch(CaptureFrame{Frame: f})
		case f := <-r.fired:
			if r.timers.Accept(f) {
				r.dispatch(TimerFired{Purpose: f.Purpose, At: r.cfg.Now()})
			}
		case <-r.cfg.Player.Finished():
			r.cfg.Metrics.PlaybackFinished.Inc()
			if !r.burstAt.IsZero() {
				r.cfg.Metrics.Latency.Observe(observability.StagePlaybackBurst, r.cfg.Now().Sub(r.burstAt))
				r.burstAt = time.Time{}
			}
			r.dispatch(PlaybackFinished{At: r.cfg.Now()})
		case q := <-r.queries:
			q(r.state)
		}
	}
}

func (r *Runtime) shutdown() {
	r.timers.CancelAll()
	if r.conn != nil {
		r.conn.Detach()
		_ = r.conn.Close()
		r.conn = nil
	}
	if r.stream != nil {
		_ = r.stream.Close()
		r.stream = nil
	}
	if r.capture != nil {
		r.capture.Stop()
		r.capture = nil
	}
}

// dispatch applies ev and every event its effects enqueue locally.
func (r *Runtime) dispatch(ev Event) {
	r.local = append(r.local, ev)
	for len(r.local) > 0 {
		next := r.local[0]
		r.local = r.local[1:]
		r.observe(next)
		for _, fx := range Apply(r.state, next) {
			r.exec(fx)
		}
	}
}

func (r *Runtime) observe(ev Event) {
	m := r.cfg.Metrics
	switch e := ev.(type) {
	case ConnOpened:
		if e.Gen == r.state.Generation && !r.dialAt.IsZero() {
			m.Latency.Observe(observability.StageDialToOpen, r.cfg.Now().Sub(r.dialAt))
			r.dialAt = time.Time{}
		}
		m.ConnectionEvents.WithLabelValues("opened").Inc()
	case ConnClosed:
		m.ConnectionEvents.WithLabelValues("closed_" + reliability.CloseReason(e.Code)).Inc()
		if reliability.IsAbnormalClose(e.Code) {
			slog.Warn("agent connection closed", "generation", e.Gen, "code", e.Code, "reason", reliability.CloseReason(e.Code))
		}
	case ConnErrored:
		m.ConnectionEvents.WithLabelValues("errored").Inc()
		slog.Warn("agent connection error", "generation", e.Gen, "error", e.Err)
	}
}

func (r *Runtime) exec(fx Effect) {
	m := r.cfg.Metrics
	switch e := fx.(type) {
	case Connect:
		r.connect(e)
	case Disconnect:
		if r.conn != nil {
			r.conn.Detach()
			_ = r.conn.Close()
			r.conn = nil
		}
	case Send:
		r.send(e.Msg)
	case Relay:
		if r.cfg.Relay != nil {
			r.cfg.Relay.Publish(e.Msg)
		}
	case Transcribe:
		r.transcript.apply(e.Op, e.Entry, r.cfg.Now())
	case PlaybackEnqueue:
		if r.burstAt.IsZero() {
			r.burstAt = r.cfg.Now()
		}
		if !r.cfg.Player.Enqueue(e.PCM) {
			r.drop(DropPlaybackInbox)
		}
	case PlaybackEnd:
		r.cfg.Player.EndOfAudio()
	case MicOpen:
		r.openMic(e.Gen)
	case MicAdopt:
		r.stream = e.Stream
		r.capture = audio.NewCapture(r.cfg.Capture)
	case MicDiscard:
		if e.Stream != nil {
			_ = e.Stream.Close()
		}
	case MicEnable:
		if r.stream != nil {
			r.stream.SetEnabled(e.On)
		}
	case MicClose:
		r.closeMic(e.Flush)
	case CapturePush:
		if r.capture == nil {
			return
		}
		if chunk, ok := r.capture.Push(e.Frame); ok {
			m.CaptureChunks.Inc()
			r.send(protocol.AudioMessage(chunk))
		}
	case TimerReplace:
		r.timers.Replace(e.Purpose, e.After)
	case TimerCancel:
		r.timers.Cancel(e.Purpose)
	case Identify:
		r.identify(e)
	case Archive:
		r.archive(e)
	case Received:
		m.WSMessages.WithLabelValues("in", e.Class.String()).Inc()
		r.firstResponse(e.Class)
	case Dropped:
		r.drop(e.Reason)
	case TurnOutcome:
		m.ObserveTurn(e.Outcome)
	}
}

func (r *Runtime) connect(e Connect) {
	sess := r.cfg.Tracker.BeginConnection(e.Audio)
	url, err := sess.URL(r.cfg.AgentBaseURL)
	if err != nil {
		r.local = append(r.local, ConnErrored{Gen: e.Gen, Err: err})
		return
	}
	r.dialAt = r.cfg.Now()
	r.conn = session.Dial(r.ctx, r.cfg.Dialer, e.Gen, url, e.Audio, r.onConnEvent)
	slog.Info("connecting to agent", "session_id", sess.ID, "audio", e.Audio, "generation", e.Gen)
}

func (r *Runtime) onConnEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventOpened:
		r.post(ConnOpened{Gen: ev.Generation})
	case session.EventMessage:
		r.post(ConnMessage{Gen: ev.Generation, Data: ev.Data})
	case session.EventClosed:
		r.post(ConnClosed{Gen: ev.Generation, Code: ev.Code})
	case session.EventErrored:
		r.post(ConnErrored{Gen: ev.Generation, Err: ev.Err})
	}
}

func (r *Runtime) send(msg any) {
	class, userTurn := "text", false
	switch v := msg.(type) {
	case protocol.Simple:
		if v.MimeType == protocol.MimeAudioPCM {
			class = "audio"
		} else {
			userTurn = v.Data != protocol.HandshakeData
		}
	case protocol.Multipart:
		class, userTurn = "multipart", true
	case protocol.UIEvent:
		class = "ui_event"
	}
	if r.conn == nil {
		slog.Warn("dropping outbound message without connection", "class", class)
		r.local = append(r.local, SendFailed{Gen: r.state.Generation, Audio: class == "audio", Err: session.ErrNotOpen})
		return
	}
	if err := r.conn.Send(msg); err != nil {
		slog.Warn("send to agent failed", "class", class, "error", err)
		r.local = append(r.local, SendFailed{Gen: r.conn.Generation, Audio: class == "audio", Err: err})
		return
	}
	if userTurn {
		r.markSent()
	}
	r.cfg.Metrics.WSMessages.WithLabelValues("out", class).Inc()
}

func (r *Runtime) markSent() {
	r.sentAt = r.cfg.Now()
	r.awaitText = true
	r.awaitAudio = true
}

func (r *Runtime) firstResponse(class protocol.Class) {
	if r.sentAt.IsZero() {
		return
	}
	switch {
	case class == protocol.ClassText && r.awaitText:
		r.awaitText = false
		r.cfg.Metrics.ObserveFirstText(r.cfg.Now().Sub(r.sentAt))
	case class == protocol.ClassAudio && r.awaitAudio:
		r.awaitAudio = false
		r.cfg.Metrics.ObserveFirstAudio(r.cfg.Now().Sub(r.sentAt))
	}
}

func (r *Runtime) openMic(gen uint64) {
	ctx := r.ctx
	go func() {
		stream, err := r.cfg.Microphone.Open(ctx, r.onMicBlock)
		if err != nil {
			r.post(MicFailed{Gen: gen, Err: err})
			return
		}
		r.post(MicStarted{Gen: gen, Stream: stream})
	}()
}

// onMicBlock runs on the device thread and never blocks it.
func (r *Runtime) onMicBlock(f audio.Frame) {
	if f.At.IsZero() {
		f.At = r.cfg.Now()
	}
	select {
	case r.frames <- f:
	default:
		r.cfg.Metrics.CaptureFramesDropped.WithLabelValues("backlog").Inc()
	}
}

func (r *Runtime) closeMic(flush bool) {
	if r.stream != nil {
		if err := r.stream.Close(); err != nil {
			slog.Warn("close microphone", "error", err)
		}
		r.stream = nil
	}
	if r.capture == nil {
		return
	}
	tail := r.capture.Stop()
	r.capture = nil
	if flush && len(tail) > 0 {
		r.cfg.Metrics.CaptureChunks.Inc()
		r.send(protocol.AudioMessage(tail))
	}
}

func (r *Runtime) identify(e Identify) {
	if r.cfg.Identifier == nil {
		r.local = append(r.local, IdentifyResult{Token: e.Token, Err: errors.New("image identification unavailable")})
		return
	}
	ctx := r.ctx
	started := r.cfg.Now()
	go func() {
		ctx, span := observability.StartSpan(ctx, "widget.identify_image", trace.WithAttributes(
			attribute.String("image.name", e.Name),
			attribute.Int("image.bytes", len(e.Data)),
		))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, identifyTimeout)
		defer cancel()

		label, err := r.cfg.Identifier.IdentifyImage(ctx, e.Name, e.MimeType, e.Data)
		r.cfg.Metrics.Latency.Observe(observability.StageIdentifyImage, r.cfg.Now().Sub(started))
		if errors.Is(err, storefront.ErrUnidentified) {
			label, err = "unknown", nil
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			observability.Logger(ctx).Warn("image identification failed", "image", e.Name, "error", err)
		}
		r.post(IdentifyResult{Token: e.Token, Label: label, Err: err})
	}()
}

func (r *Runtime) archive(e Archive) {
	sess, err := r.cfg.Tracker.Get()
	if err != nil {
		return
	}
	entry := archive.Entry{
		SessionID:  sess.ID,
		CustomerID: r.cfg.CustomerID,
		Role:       string(e.Role),
		Content:    e.Text,
		CreatedAt:  r.cfg.Now().UTC(),
	}
	store := r.cfg.Archive
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := store.SaveEntry(ctx, entry); err != nil {
			slog.Warn("archive transcript entry", "session_id", entry.SessionID, "error", err)
		}
	}()
}

func (r *Runtime) drop(reason string) {
	switch reason {
	case DropNotOpen, DropPaused, DropResumeIgnore:
		r.cfg.Metrics.CaptureFramesDropped.WithLabelValues(reason).Inc()
		r.dropLog.Do(func() {
			slog.Debug("audio frame dropped", "reason", reason)
		})
	default:
		slog.Debug("agent message dropped", "reason", reason)
	}
}

// post hands an event to the loop, waiting while the queue is full.
func (r *Runtime) post(ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Open shows the widget and connects in the currently desired mode.
func (r *Runtime) Open() { r.post(OpenRequested{}) }

// Close hides the widget and tears the connection down.
func (r *Runtime) Close() { r.post(CloseRequested{}) }

func (r *Runtime) SendText(text string) { r.post(SendText{Text: text}) }

// SetAudioMode switches between voice and text by reconnecting.
func (r *Runtime) SetAudioMode(on bool) { r.post(ToggleAudio{On: on}) }

// StageImage uploads an image for identification.
func (r *Runtime) StageImage(name, mimeType string, data []byte) {
	r.post(StageImage{Name: name, MimeType: mimeType, Data: data})
}

func (r *Runtime) ClearStagedImage() { r.post(ClearStaged{}) }

// HostMessage forwards a host page notification to the agent.
func (r *Runtime) HostMessage(raw []byte) error {
	msg, err := protocol.ParseHostMessage(raw)
	if err != nil {
		return err
	}
	r.post(HostMessage{Msg: msg})
	return nil
}

// Deliver is HostMessage for an already parsed message.
func (r *Runtime) Deliver(msg protocol.HostMessage) { r.post(HostMessage{Msg: msg}) }

// Snapshot reads the state on the loop goroutine.
func (r *Runtime) Snapshot(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotDeadline)
	defer cancel()
	result := make(chan Snapshot, 1)
	q := func(s *State) { result <- s.Snapshot() }
	select {
	case r.queries <- q:
	case <-r.done:
		return Snapshot{}, errRuntimeStopped
	case <-ctx.Done():
		return Snapshot{}, fmt.Errorf("widget snapshot: %w", ctx.Err())
	}
	snap := <-result
	if sess, err := r.cfg.Tracker.Get(); err == nil {
		snap.SessionID = sess.ID
	}
	return snap, nil
}

func (r *Runtime) Transcript() []Entry { return r.transcript.Entries() }

// TranscriptByRole filters the transcript by speaker.
func (r *Runtime) TranscriptByRole(role Role) []Entry { return r.transcript.ByRole(role) }
