// Package agentsim is a scripted stand-in for the shopping agent backend. It
// speaks the widget's websocket protocol and is used by tests and the
// `shopassist agentsim` command.
package agentsim

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/shopassist/internal/protocol"
)

var ErrNoSession = errors.New("agentsim: no live connection for session")

const writeTimeout = 10 * time.Second

// Config scripts the simulated agent.
type Config struct {
	// Reply splits the answer to a user utterance into partial text chunks.
	Reply func(text string) []string
	// AudioBurst is spoken after each reply on audio connections. Defaults to
	// 100 ms of 24 kHz silence.
	AudioBurst []byte
	// ChunkDelay spaces out the partial chunks.
	ChunkDelay time.Duration
}

func defaultReply(text string) []string {
	return []string{"You asked about ", text, "."}
}

// Received is one client message seen by the simulator.
type Received struct {
	SessionID string
	Audio     bool
	MimeType  string
	Text      string
	Bytes     int
	Parts     []protocol.Part
	UIEvent   *protocol.UIEvent
}

type peer struct {
	sessionID string
	audio     bool
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func (p *peer) write(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(v)
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	live     int
	total    int
	peers    map[string]*peer
	received []Received
}

func New(cfg Config) *Server {
	if cfg.Reply == nil {
		cfg.Reply = defaultReply
	}
	if cfg.AudioBurst == nil {
		cfg.AudioBurst = make([]byte, 2*2400)
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "live_connections": s.Live()})
	})
	r.Get("/ws/agent_stream/{sessionID}", s.handleStream)
	return r
}

// Live counts currently open connections.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Total counts every connection accepted so far.
func (s *Server) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Inject writes msg to the live connection of sessionID, e.g. a command or a
// display_ui message.
func (s *Server) Inject(sessionID string, msg any) error {
	s.mu.Lock()
	p := s.peers[sessionID]
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	return p.write(msg)
}

// Broadcast writes msg to every live connection and returns how many got it.
func (s *Server) Broadcast(msg any) int {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	n := 0
	for _, p := range peers {
		if p.write(msg) == nil {
			n++
		}
	}
	return n
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p := &peer{sessionID: sessionID, audio: r.URL.Query().Get("is_audio") == "true", conn: conn}
	s.attach(p)
	defer s.detach(p)
	log := slog.With("session_id", sessionID, "audio", p.audio)
	log.Info("agentsim connection opened")

	conn.SetReadLimit(4 << 20)
	ready := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("agentsim connection closed", "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		rec, err := decodeClient(data)
		if err != nil {
			log.Warn("agentsim unreadable client message", "error", err)
			continue
		}
		rec.SessionID = sessionID
		rec.Audio = p.audio
		s.record(rec)

		if !ready {
			if rec.MimeType != protocol.MimeText || rec.Text != protocol.HandshakeData {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected client_ready"), deadline)
				return
			}
			ready = true
			continue
		}

		switch {
		case rec.MimeType == protocol.MimeText:
			s.reply(p, rec.Text)
		case len(rec.Parts) > 0:
			s.reply(p, rec.Parts[len(rec.Parts)-1].Data)
		}
	}
}

func (s *Server) reply(p *peer, text string) {
	for _, chunk := range s.cfg.Reply(text) {
		if s.cfg.ChunkDelay > 0 {
			time.Sleep(s.cfg.ChunkDelay)
		}
		if err := p.write(map[string]any{"mime_type": protocol.MimeText, "data": chunk, "partial": true}); err != nil {
			return
		}
	}
	if p.audio && len(s.cfg.AudioBurst) > 0 {
		burst := base64.StdEncoding.EncodeToString(s.cfg.AudioBurst)
		if err := p.write(map[string]any{"mime_type": protocol.MimeAudioPCM, "data": burst}); err != nil {
			return
		}
	}
	_ = p.write(map[string]any{"turn_complete": true})
}

func (s *Server) attach(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live++
	s.total++
	s.peers[p.sessionID] = p
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live--
	if s.peers[p.sessionID] == p {
		delete(s.peers, p.sessionID)
	}
}

func (s *Server) record(rec Received) {
	s.mu.Lock()
	s.received = append(s.received, rec)
	s.mu.Unlock()
}

func decodeClient(data []byte) (Received, error) {
	var m struct {
		MimeType    string          `json:"mime_type"`
		Data        string          `json:"data"`
		Parts       []protocol.Part `json:"parts"`
		EventType   string          `json:"event_type"`
		Interaction string          `json:"interaction"`
		Details     map[string]any  `json:"details"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Received{}, err
	}
	rec := Received{MimeType: m.MimeType, Parts: m.Parts}
	switch {
	case m.EventType != "":
		rec.UIEvent = &protocol.UIEvent{EventType: m.EventType, Interaction: m.Interaction, Details: m.Details}
	case m.MimeType == protocol.MimeAudioPCM:
		pcm, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return Received{}, fmt.Errorf("decode audio: %w", err)
		}
		rec.Bytes = len(pcm)
	default:
		rec.Text = m.Data
	}
	return rec, nil
}
