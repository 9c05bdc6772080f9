package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	MimeText     = "text/plain"
	MimeAudioPCM = "audio/pcm"

	HandshakeData = "client_ready"

	// ImageQueryPrefix is prepended to the user's text when a staged image is sent with it.
	ImageQueryPrefix = "What is in the image I just uploaded? Also, "
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidOutbound = errors.New("invalid outbound message")
	// ErrNotJSON marks frames that are not JSON at all, as opposed to JSON of
	// an unexpected shape.
	ErrNotJSON = errors.New("server frame is not JSON")
)

// Part is one mime-typed payload unit.
type Part struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Simple carries one text or base64 audio unit.
type Simple struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Multipart carries a combined image and text query.
type Multipart struct {
	Parts []Part `json:"parts"`
}

// UIEvent reports a user-driven UI interaction such as a shipping choice.
type UIEvent struct {
	EventType   string         `json:"event_type"`
	Interaction string         `json:"interaction"`
	Details     map[string]any `json:"details,omitempty"`
}

func Handshake() Simple {
	return Simple{MimeType: MimeText, Data: HandshakeData}
}

func TextMessage(text string) Simple {
	return Simple{MimeType: MimeText, Data: text}
}

// AudioMessage base64-encodes little-endian PCM16 bytes.
func AudioMessage(pcm []byte) Simple {
	return Simple{MimeType: MimeAudioPCM, Data: base64.StdEncoding.EncodeToString(pcm)}
}

// ImageQuery builds the multipart message for a staged image and its text query.
func ImageQuery(imageMime, imageBase64, text string) Multipart {
	return Multipart{Parts: []Part{
		{MimeType: imageMime, Data: imageBase64},
		{MimeType: MimeText, Data: ImageQueryPrefix + text},
	}}
}

// ValidateOutbound accepts exactly the three client shapes with their required fields set.
func ValidateOutbound(msg any) error {
	switch m := msg.(type) {
	case Simple:
		if strings.TrimSpace(m.MimeType) == "" || m.Data == "" {
			return fmt.Errorf("%w: simple message needs mime_type and data", ErrInvalidOutbound)
		}
		return nil
	case Multipart:
		if len(m.Parts) == 0 {
			return fmt.Errorf("%w: multipart message has no parts", ErrInvalidOutbound)
		}
		for i, p := range m.Parts {
			if strings.TrimSpace(p.MimeType) == "" || p.Data == "" {
				return fmt.Errorf("%w: part %d needs mime_type and data", ErrInvalidOutbound, i)
			}
		}
		return nil
	case UIEvent:
		if strings.TrimSpace(m.EventType) == "" || strings.TrimSpace(m.Interaction) == "" {
			return fmt.Errorf("%w: ui event needs event_type and interaction", ErrInvalidOutbound)
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrInvalidOutbound, msg)
	}
}

// Inbound is the union of every server-to-client shape. Only the fields relevant
// to the message's class are populated.
type Inbound struct {
	Type   string `json:"type,omitempty"`
	Action string `json:"action,omitempty"`

	MimeType string          `json:"mime_type,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Partial  *bool           `json:"partial,omitempty"`

	TurnComplete         bool `json:"turn_complete,omitempty"`
	Interrupted          bool `json:"interrupted,omitempty"`
	InteractionCompleted bool `json:"interaction_completed,omitempty"`

	CommandName   string          `json:"command_name,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SelectionType string          `json:"selection_type,omitempty"`
	AddressIndex  *int            `json:"address_index,omitempty"`

	UIElement string `json:"ui_element,omitempty"`

	raw json.RawMessage
}

// ParseServer decodes one inbound frame. ErrNotJSON means the caller should
// treat the frame as a raw text fragment; any other error is JSON that does
// not decode as a server message.
func ParseServer(raw []byte) (Inbound, error) {
	if !json.Valid(raw) {
		return Inbound{}, ErrNotJSON
	}
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("invalid server message: %w", err)
	}
	msg.raw = append(json.RawMessage(nil), raw...)
	return msg, nil
}

// Raw returns the frame exactly as received.
func (m Inbound) Raw() json.RawMessage { return m.raw }

// Text returns Data as a string, reporting false when Data is not a JSON string.
func (m Inbound) Text() (string, bool) {
	if len(m.Data) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return "", false
	}
	return s, true
}

// Audio decodes base64 PCM16 from Data.
func (m Inbound) Audio() ([]byte, error) {
	s, ok := m.Text()
	if !ok {
		return nil, errors.New("audio data is not a string")
	}
	return base64.StdEncoding.DecodeString(s)
}

func (m Inbound) IsPartial() bool { return m.Partial != nil && *m.Partial }

// TurnSignal names the completion signal carried by the message, if any.
func (m Inbound) TurnSignal() string {
	switch {
	case m.TurnComplete:
		return "turn_complete"
	case m.Interrupted:
		return "interrupted"
	case m.InteractionCompleted:
		return "interaction_completed"
	default:
		return ""
	}
}

// Class is the dispatch class of an inbound message, ordered by priority.
type Class int

const (
	ClassUnknown Class = iota
	ClassTurnSignal
	ClassCommand
	ClassProductRecommendations
	ClassDisplayUI
	ClassLegacyUICommand
	ClassAudio
	ClassText
)

func (c Class) String() string {
	switch c {
	case ClassTurnSignal:
		return "turn_signal"
	case ClassCommand:
		return "command"
	case ClassProductRecommendations:
		return "product_recommendations"
	case ClassDisplayUI:
		return "display_ui"
	case ClassLegacyUICommand:
		return "ui_command"
	case ClassAudio:
		return "audio"
	case ClassText:
		return "text"
	default:
		return "unknown"
	}
}

func Classify(m Inbound) Class {
	switch {
	case m.TurnSignal() != "":
		return ClassTurnSignal
	case m.Type == "command" && m.CommandName != "":
		return ClassCommand
	case m.Type == "product_recommendations" && len(m.Payload) > 0:
		return ClassProductRecommendations
	case m.Action == "display_ui" && m.UIElement != "":
		return ClassDisplayUI
	case m.Type == "ui_command" && m.CommandName != "":
		return ClassLegacyUICommand
	case m.MimeType == MimeAudioPCM:
		return ClassAudio
	case m.MimeType == MimeText:
		if _, ok := m.Text(); ok {
			return ClassText
		}
		return ClassUnknown
	default:
		return ClassUnknown
	}
}

var displayUIDenylist = map[string]struct{}{
	"checkout_item_selection":    {},
	"display_payment_options_ui": {},
}

var legacyUICommandDenylist = map[string]struct{}{
	"trigger_checkout_modal":      {},
	"display_shipping_options_ui": {},
	"checkout_item_selection":     {},
	"display_payment_options_ui":  {},
}

// Suppressed reports whether a generic UI command is superseded by a dedicated
// checkout command and must not reach the host page.
func Suppressed(m Inbound) bool {
	switch Classify(m) {
	case ClassDisplayUI:
		_, ok := displayUIDenylist[m.UIElement]
		return ok
	case ClassLegacyUICommand:
		_, ok := legacyUICommandDenylist[m.CommandName]
		return ok
	default:
		return false
	}
}

// Recommendations is the payload of a product_recommendations message.
type Recommendations struct {
	Title    string           `json:"title"`
	Products []map[string]any `json:"products"`
}

func (m Inbound) Recommendations() (Recommendations, error) {
	var r Recommendations
	if err := json.Unmarshal(m.Payload, &r); err != nil {
		return Recommendations{}, fmt.Errorf("decode recommendations: %w", err)
	}
	return r, nil
}
