package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/shopassist/internal/hostpage"
	"github.com/ent0n29/shopassist/internal/observability"
	"github.com/ent0n29/shopassist/internal/relay"
	"github.com/ent0n29/shopassist/internal/storefront"
	"github.com/ent0n29/shopassist/internal/widget"
)

const (
	maxImageBytes  = 10 << 20
	hostWriteWait  = 10 * time.Second
	hostReadIdle   = 120 * time.Second
	hostReadLimit  = 64 << 10
	stateQueryWait = 2 * time.Second
)

// Widget is the chat widget surface driven by the control API.
type Widget interface {
	Open()
	Close()
	SendText(text string)
	SetAudioMode(on bool)
	StageImage(name, mimeType string, data []byte)
	ClearStagedImage()
	HostMessage(raw []byte) error
	Snapshot(ctx context.Context) (widget.Snapshot, error)
	Transcript() []widget.Entry
}

// Host is the storefront page the assistant is embedded in.
type Host interface {
	State() hostpage.State
	LoadProducts(ctx context.Context, f storefront.ProductFilter) ([]storefront.Product, error)
	RefreshCart(ctx context.Context)
	AddToCart(ctx context.Context, productID string) error
	RemoveFromCart(ctx context.Context, productID string) error
	ClearCart(ctx context.Context) error
	ChooseShipping(choice string) error
	ChoosePickupAddress(index int) error
	BackToCart(ctx context.Context)
	ChoosePayment(method string, details map[string]any) error
	PlaceOrder(ctx context.Context) (storefront.Order, error)
	DismissNotification()
}

type Server struct {
	widget   Widget
	host     Host
	hub      *relay.Hub
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	writeWait time.Duration
}

func New(w Widget, host Host, hub *relay.Hub, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		widget:   w,
		host:     host,
		hub:      hub,
		metrics:  metrics,
		gatherer: gatherer,

		writeWait: hostWriteWait,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Host pages must present the configured origin exactly. Missing
			// and wildcard origins are refused.
			return s.hub != nil && s.hub.Allowed(strings.TrimSpace(r.Header.Get("Origin")))
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/widget", func(r chi.Router) {
		r.Post("/open", s.handleWidgetOpen)
		r.Post("/close", s.handleWidgetClose)
		r.Post("/messages", s.handleWidgetMessage)
		r.Post("/mode", s.handleWidgetMode)
		r.Post("/image", s.handleStageImage)
		r.Delete("/image", s.handleClearImage)
		r.Get("/transcript", s.handleTranscript)
		r.Get("/state", s.handleWidgetState)
	})

	r.Route("/v1/host", func(r chi.Router) {
		r.Get("/state", s.handleHostState)
		r.Get("/products", s.handleHostProducts)
		r.Post("/actions", s.handleHostAction)
		r.Get("/ws", s.handleHostWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"relay_subscribers": s.subscribers(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stateQueryWait)
	defer cancel()
	snap, err := s.widget.Snapshot(ctx)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "widget_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"connection":        snap.Connection,
		"relay_subscribers": s.subscribers(),
	})
}

func (s *Server) subscribers() int {
	if s.hub == nil {
		return 0
	}
	return s.hub.Subscribers()
}

func (s *Server) handleWidgetOpen(w http.ResponseWriter, _ *http.Request) {
	s.widget.Open()
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "opening"})
}

func (s *Server) handleWidgetClose(w http.ResponseWriter, _ *http.Request) {
	s.widget.Close()
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "closing"})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleWidgetMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	// Empty text is still forwarded: a staged image may be waiting for it.
	s.widget.SendText(req.Text)
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

type modeRequest struct {
	Audio *bool `json:"audio"`
}

func (s *Server) handleWidgetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Audio == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio is required")
		return
	}
	s.widget.SetAudioMode(*req.Audio)
	respondJSON(w, http.StatusAccepted, map[string]any{"audio": *req.Audio})
}

func (s *Server) handleStageImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_image", "multipart field image is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		respondError(w, http.StatusUnsupportedMediaType, "not_an_image", "uploaded file is not an image")
		return
	}
	s.widget.StageImage(header.Filename, mimeType, data)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":    "identifying",
		"name":      header.Filename,
		"mime_type": mimeType,
		"bytes":     len(data),
	})
}

func (s *Server) handleClearImage(w http.ResponseWriter, _ *http.Request) {
	s.widget.ClearStagedImage()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries := s.widget.Transcript()
	if role := strings.TrimSpace(r.URL.Query().Get("role")); role != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if string(e.Role) == role {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []widget.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleWidgetState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.widget.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "widget_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHostState(w http.ResponseWriter, _ *http.Request) {
	if s.host == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "host page not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.host.State())
}

func (s *Server) handleHostProducts(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "host page not configured")
		return
	}
	q := r.URL.Query()
	products, err := s.host.LoadProducts(r.Context(), storefront.ProductFilter{
		Name:      strings.TrimSpace(q.Get("name")),
		Category:  strings.TrimSpace(q.Get("category")),
		PlantType: strings.TrimSpace(q.Get("plant_type")),
	})
	if err != nil {
		respondError(w, hostActionStatus(err), "products_unavailable", err.Error())
		return
	}
	if products == nil {
		products = []storefront.Product{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"products": products})
}

type hostActionRequest struct {
	Action    string         `json:"action"`
	ProductID string         `json:"product_id,omitempty"`
	Choice    string         `json:"choice,omitempty"`
	Index     *int           `json:"index,omitempty"`
	Method    string         `json:"method,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (s *Server) handleHostAction(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "host page not configured")
		return
	}
	var req hostActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var err error
	switch req.Action {
	case "refresh_cart":
		s.host.RefreshCart(r.Context())
	case "add_to_cart":
		err = s.host.AddToCart(r.Context(), req.ProductID)
	case "remove_from_cart":
		err = s.host.RemoveFromCart(r.Context(), req.ProductID)
	case "clear_cart":
		err = s.host.ClearCart(r.Context())
	case "choose_shipping":
		err = s.host.ChooseShipping(req.Choice)
	case "choose_pickup_address":
		if req.Index == nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "index is required")
			return
		}
		err = s.host.ChoosePickupAddress(*req.Index)
	case "back_to_cart":
		s.host.BackToCart(r.Context())
	case "choose_payment":
		err = s.host.ChoosePayment(req.Method, req.Details)
	case "place_order":
		var order storefront.Order
		order, err = s.host.PlaceOrder(r.Context())
		if err == nil {
			respondJSON(w, http.StatusOK, map[string]any{"order": order, "state": s.host.State()})
			return
		}
	case "dismiss_notification":
		s.host.DismissNotification()
	default:
		respondError(w, http.StatusBadRequest, "unknown_action", "unknown action "+req.Action)
		return
	}
	if err != nil {
		respondError(w, hostActionStatus(err), "action_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.host.State())
}

func hostActionStatus(err error) int {
	switch {
	case errors.Is(err, hostpage.ErrInvalidChoice), errors.Is(err, hostpage.ErrUnknownLocation), errors.Is(err, hostpage.ErrMissingProduct):
		return http.StatusBadRequest
	case errors.Is(err, hostpage.ErrShippingIncomplete), errors.Is(err, hostpage.ErrOrderRejected):
		return http.StatusConflict
	default:
		var apiErr *storefront.APIError
		if errors.As(err, &apiErr) {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	}
}

// handleHostWS streams relay messages to an external host page and accepts
// its notifications for the agent.
func (s *Server) handleHostWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	relayed, unsubscribe, err := s.hub.Subscribe(origin)
	if err != nil {
		respondError(w, http.StatusForbidden, "origin_not_allowed", err.Error())
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-relayed:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					s.countRelay(msg.Type, "write_error")
					cancel()
					// Unblocks ReadMessage so the subscription is released now.
					_ = conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(hostReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(hostReadIdle))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(hostReadIdle))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(hostReadIdle))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.widget.HostMessage(data); err != nil {
			slog.Warn("host page message rejected", "error", err)
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) countRelay(msgType, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RelayMessages.WithLabelValues(msgType, result).Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
