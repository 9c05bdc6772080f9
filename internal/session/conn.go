package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/shopassist/internal/observability"
)

var ErrNotOpen = errors.New("connection not open")

type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventClosed
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return "errored"
	}
}

// Event is delivered to a Connection's handler. Closed and Errored are
// terminal and delivered at most once between them.
type Event struct {
	Generation uint64
	Kind       EventKind
	Data       []byte
	Code       int
	Err        error
}

type Handler func(Event)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

const writeTimeout = 10 * time.Second

// Connection is one websocket to the agent. Dialing happens in the background;
// all outcomes arrive through the handler until Detach is called.
type Connection struct {
	Generation uint64
	URL        string
	AudioMode  bool

	handler atomic.Pointer[Handler]
	state   atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	termOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	span      trace.Span
}

// Dial starts connecting to url and returns immediately.
func Dial(ctx context.Context, dialer *websocket.Dialer, generation uint64, url string, audio bool, h Handler) *Connection {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := observability.StartSpan(ctx, "widget.connection", trace.WithAttributes(
		attribute.Int64("widget.generation", int64(generation)),
		attribute.Bool("widget.audio_mode", audio),
	))
	c := &Connection{
		Generation: generation,
		URL:        url,
		AudioMode:  audio,
		cancel:     cancel,
		done:       make(chan struct{}),
		span:       span,
	}
	c.handler.Store(&h)
	c.state.Store(int32(StateConnecting))
	go c.run(ctx, dialer)
	return c
}

func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed once the connection's goroutine has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Detach stops all further handler invocations. Call it before Close when the
// connection is being replaced.
func (c *Connection) Detach() {
	c.handler.Store(nil)
}

// Send writes one JSON message.
func (c *Connection) Send(v any) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write agent message: %w", err)
	}
	return nil
}

// Close performs a best-effort normal closure and aborts a pending dial.
func (c *Connection) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client initiated new connection")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			c.writeMu.Unlock()
			retErr = conn.Close()
		}
		c.cancel()
	})
	return retErr
}

func (c *Connection) emit(ev Event) {
	ev.Generation = c.Generation
	if h := c.handler.Load(); h != nil && *h != nil {
		(*h)(ev)
	}
}

func (c *Connection) terminate(ev Event) {
	c.termOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if ev.Kind == EventErrored {
			c.span.SetStatus(codes.Error, errString(ev.Err))
		}
		c.span.SetAttributes(attribute.Int("widget.close_code", ev.Code))
		c.span.End()
		c.emit(ev)
	})
}

func (c *Connection) run(ctx context.Context, dialer *websocket.Dialer) {
	defer close(c.done)

	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		c.terminate(Event{Kind: EventErrored, Err: fmt.Errorf("dial agent websocket: %w", err)})
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Close raced the dial.
		_ = conn.Close()
		c.terminate(Event{Kind: EventClosed, Code: websocket.CloseNormalClosure})
		return
	}
	c.emit(Event{Kind: EventOpened})

	conn.SetReadLimit(8 << 20)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.terminate(Event{Kind: EventClosed, Code: ce.Code})
				return
			}
			if c.State() == StateClosing {
				c.terminate(Event{Kind: EventClosed, Code: websocket.CloseNormalClosure})
				return
			}
			c.terminate(Event{Kind: EventErrored, Err: err, Code: websocket.CloseAbnormalClosure})
			return
		}
		c.emit(Event{Kind: EventMessage, Data: data})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
