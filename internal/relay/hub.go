// Package relay delivers agent UI commands to the host page. Subscribers must
// present the configured host origin exactly; wildcards are never accepted.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/ent0n29/shopassist/internal/observability"
	"github.com/ent0n29/shopassist/internal/protocol"
)

var ErrOriginNotAllowed = errors.New("relay origin not allowed")

const defaultBuffer = 64

// ValidateOrigin accepts an absolute http(s) origin without path, query or
// fragment.
func ValidateOrigin(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "*" {
		return fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOriginNotAllowed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrOriginNotAllowed)
	}
	if u.Host == "" || strings.Contains(u.Host, "*") {
		return fmt.Errorf("%w: host required", ErrOriginNotAllowed)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("%w: origin must not carry path, query, fragment or credentials", ErrOriginNotAllowed)
	}
	return nil
}

// NormalizeOrigin strips a trailing slash.
func NormalizeOrigin(origin string) string {
	return strings.TrimRight(strings.TrimSpace(origin), "/")
}

type subscriber struct {
	ch chan protocol.RelayMessage
}

// Hub fans relay messages out to subscribers registered for the host origin.
type Hub struct {
	origin  string
	buffer  int
	metrics *observability.Metrics

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

func NewHub(origin string, metrics *observability.Metrics) (*Hub, error) {
	if err := ValidateOrigin(origin); err != nil {
		return nil, err
	}
	return &Hub{
		origin:  NormalizeOrigin(origin),
		buffer:  defaultBuffer,
		metrics: metrics,
		subs:    make(map[int]*subscriber),
	}, nil
}

func (h *Hub) Origin() string { return h.origin }

// Allowed reports whether origin is exactly the host origin.
func (h *Hub) Allowed(origin string) bool {
	return origin != "*" && NormalizeOrigin(origin) == h.origin
}

// Subscribe registers a receiver for origin. The returned cancel func closes
// the channel.
func (h *Hub) Subscribe(origin string) (<-chan protocol.RelayMessage, func(), error) {
	if !h.Allowed(origin) {
		return nil, nil, fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
	}
	sub := &subscriber{ch: make(chan protocol.RelayMessage, h.buffer)}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}

// Publish delivers msg to every subscriber without blocking. A subscriber whose
// buffer is full misses the message.
func (h *Hub) Publish(msg protocol.RelayMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		h.count(msg.Type, "no_subscriber")
		return
	}
	for id, sub := range h.subs {
		select {
		case sub.ch <- msg:
			h.count(msg.Type, "delivered")
		default:
			h.count(msg.Type, "dropped")
			slog.Warn("relay subscriber full, message dropped", "subscriber", id, "type", msg.Type)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) count(msgType, result string) {
	if h.metrics == nil {
		return
	}
	h.metrics.RelayMessages.WithLabelValues(msgType, result).Inc()
}
