package protocol

import (
	"encoding/json"
	"fmt"
)

// Relay message types delivered from the widget to the host page.
const (
	RelaySetTheme            = "SET_WEBSITE_THEME"
	RelayRefreshCart         = "REFRESH_CART_DISPLAY"
	RelayDisplayComponent    = "display_ui_component"
	RelayLegacyUICommand     = "ui_command"
	RelayShowCheckout        = "show_checkout_modal_command"
	RelayShowShipping        = "show_shipping_modal_command"
	RelayShowPayment         = "show_payment_modal_command"
	RelaySelectHomeDelivery  = "ui_select_shipping_home_delivery"
	RelayShowPickupLocations = "ui_show_pickup_locations"
	RelaySelectPickupAddress = "ui_select_pickup_address"
	RelayOrderConfirmed      = "order_confirmed_refresh_cart_command"
)

// RelayMessage is a cross-context notification for the host page.
type RelayMessage struct {
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	UIElement        string          `json:"ui_element,omitempty"`
	AddedItemDetails json.RawMessage `json:"added_item_details,omitempty"`
	Cart             json.RawMessage `json:"cart,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	AddressIndex     *int            `json:"address_index,omitempty"`
	CommandName      string          `json:"command_name,omitempty"`

	// passthrough holds the original frame of a legacy ui_command.
	passthrough json.RawMessage
}

func (r RelayMessage) MarshalJSON() ([]byte, error) {
	if len(r.passthrough) > 0 {
		return r.passthrough, nil
	}
	type plain RelayMessage
	return json.Marshal(plain(r))
}

// Theme returns the SET_WEBSITE_THEME payload as a string.
func (r RelayMessage) Theme() string {
	var s string
	_ = json.Unmarshal(r.Payload, &s)
	return s
}

// CommandRelay translates a named agent command into its host page message.
// ok is false when the command is unknown or lacks the data it needs.
func CommandRelay(m Inbound) (msg RelayMessage, ok bool) {
	switch m.CommandName {
	case "set_theme":
		var p struct {
			Theme string `json:"theme"`
		}
		if len(m.Payload) > 0 {
			_ = json.Unmarshal(m.Payload, &p)
		}
		if p.Theme == "" {
			return RelayMessage{}, false
		}
		theme, _ := json.Marshal(p.Theme)
		return RelayMessage{Type: RelaySetTheme, Payload: theme}, true
	case "refresh_cart":
		out := RelayMessage{Type: RelayRefreshCart}
		var p struct {
			AddedItem json.RawMessage `json:"added_item"`
		}
		if len(m.Payload) > 0 && json.Unmarshal(m.Payload, &p) == nil && !isNull(p.AddedItem) {
			out.AddedItemDetails = p.AddedItem
		}
		return out, true
	case "display_checkout_modal":
		if isNull(m.Data) {
			return RelayMessage{}, false
		}
		return RelayMessage{Type: RelayShowCheckout, Cart: m.Data}, true
	case "display_shipping_modal":
		return RelayMessage{Type: RelayShowShipping}, true
	case "display_payment_modal":
		return RelayMessage{Type: RelayShowPayment}, true
	case "agent_confirm_selection":
		switch m.SelectionType {
		case "home_delivery":
			return RelayMessage{Type: RelaySelectHomeDelivery}, true
		case "pickup_initiated":
			return RelayMessage{Type: RelayShowPickupLocations}, true
		case "pickup_address":
			if m.AddressIndex == nil {
				return RelayMessage{}, false
			}
			idx := *m.AddressIndex
			return RelayMessage{Type: RelaySelectPickupAddress, AddressIndex: &idx}, true
		}
		return RelayMessage{}, false
	case "order_confirmed_refresh_cart":
		return RelayMessage{Type: RelayOrderConfirmed, Data: m.Data}, true
	default:
		return RelayMessage{}, false
	}
}

// DisplayComponentRelay wraps a display_ui message for the host page.
func DisplayComponentRelay(m Inbound) RelayMessage {
	return RelayMessage{Type: RelayDisplayComponent, UIElement: m.UIElement, Payload: m.Payload}
}

// LegacyRelay forwards a legacy ui_command frame unchanged.
func LegacyRelay(m Inbound) RelayMessage {
	return RelayMessage{
		Type:        RelayLegacyUICommand,
		CommandName: m.CommandName,
		Payload:     m.Payload,
		passthrough: m.raw,
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Host-to-widget message types.
const (
	HostShippingOptionChosen    = "shipping_option_chosen"
	HostPickupAddressChosen     = "pickup_address_chosen"
	HostShippingFlowInterrupted = "shipping_flow_interrupted"
	HostPaymentMethodChosen     = "payment_method_chosen"
)

// HostMessage is sent by the host page back to the widget.
type HostMessage struct {
	Type         string         `json:"type"`
	Choice       string         `json:"choice,omitempty"`
	AddressText  string         `json:"address_text,omitempty"`
	AddressIndex *int           `json:"address_index,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func ParseHostMessage(raw []byte) (HostMessage, error) {
	var msg HostMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return HostMessage{}, fmt.Errorf("invalid host message: %w", err)
	}
	return msg, nil
}

// UIEvent converts a host message into the event reported to the agent.
func (h HostMessage) UIEvent() (UIEvent, error) {
	switch h.Type {
	case HostShippingOptionChosen:
		interaction := "selected_pickup_initiated"
		if h.Choice == "home_delivery" {
			interaction = "selected_home_delivery"
		}
		return UIEvent{EventType: "user_shipping_interaction", Interaction: interaction}, nil
	case HostPickupAddressChosen:
		details := map[string]any{"text": h.AddressText}
		if h.AddressIndex != nil {
			details["index"] = *h.AddressIndex
		}
		return UIEvent{EventType: "user_shipping_interaction", Interaction: "selected_pickup_address", Details: details}, nil
	case HostShippingFlowInterrupted:
		return UIEvent{
			EventType:   "user_shipping_interaction",
			Interaction: "navigated_back_to_cart_review",
			Details:     map[string]any{"reason": h.Reason},
		}, nil
	case HostPaymentMethodChosen:
		if len(h.Details) == 0 {
			return UIEvent{}, fmt.Errorf("payment_method_chosen without details")
		}
		return UIEvent{EventType: "ui_event", Interaction: "payment_method_selected", Details: h.Details}, nil
	default:
		return UIEvent{}, fmt.Errorf("%w: %q", ErrUnsupportedType, h.Type)
	}
}
